package stream

import (
	"encoding/json"
	"fmt"
)

// EventKind selects which fields of an Event are meaningful.
type EventKind int

const (
	// EventDelta carries content and reasoning increments.
	EventDelta EventKind = iota + 1
	// EventSearchResults carries the turn's search snapshot.
	EventSearchResults
	// EventError ends the turn with a message.
	EventError
	// EventDone is the [DONE] terminator.
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventSearchResults:
		return "search_results"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one decoded downstream frame. Only the fields of its Kind are set.
type Event struct {
	Kind          EventKind
	Content       string
	Reasoning     string
	SearchResults string
	Error         string
}

func DeltaEvent(content, reasoning string) Event {
	return Event{Kind: EventDelta, Content: content, Reasoning: reasoning}
}

func SearchResultsEvent(snapshot string) Event {
	return Event{Kind: EventSearchResults, SearchResults: snapshot}
}

func ErrorEvent(msg string) Event {
	return Event{Kind: EventError, Error: msg}
}

type deltaPayload struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
}

type searchResultsPayload struct {
	SearchResults string `json:"search_results"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// wireEvent is the union of every downstream payload shape.
type wireEvent struct {
	Content          *string `json:"content"`
	ReasoningContent *string `json:"reasoning_content"`
	SearchResults    *string `json:"search_results"`
	Error            *string `json:"error"`
}

// Encode renders e as a complete "data: <json>\n\n" frame.
func Encode(e Event) ([]byte, error) {
	var payload any
	switch e.Kind {
	case EventDelta:
		payload = deltaPayload{Content: e.Content, ReasoningContent: e.Reasoning}
	case EventSearchResults:
		payload = searchResultsPayload{SearchResults: e.SearchResults}
	case EventError:
		payload = errorPayload{Error: e.Error}
	case EventDone:
		return []byte(dataPrefix + donePayload + "\n\n"), nil
	default:
		return nil, fmt.Errorf("cannot encode %s event", e.Kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(dataPrefix)+len(data)+2)
	out = append(out, dataPrefix...)
	out = append(out, data...)
	return append(out, '\n', '\n'), nil
}

// DecodeEvent turns a frame from the relay stream into an Event. Frames that
// match no known shape wrap ErrMalformedFrame.
func DecodeEvent(f Frame) (Event, error) {
	if f.Kind == FrameDone {
		return Event{Kind: EventDone}, nil
	}

	var w wireEvent
	if err := json.Unmarshal(f.Data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case w.Error != nil && *w.Error != "":
		return ErrorEvent(*w.Error), nil
	case w.SearchResults != nil && *w.SearchResults != "":
		return SearchResultsEvent(*w.SearchResults), nil
	case w.Content != nil || w.ReasoningContent != nil:
		e := Event{Kind: EventDelta}
		if w.Content != nil {
			e.Content = *w.Content
		}
		if w.ReasoningContent != nil {
			e.Reasoning = *w.ReasoningContent
		}
		return e, nil
	}
	return Event{}, fmt.Errorf("%w: unrecognized event %s", ErrMalformedFrame, f.Data)
}
