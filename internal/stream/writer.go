package stream

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

var (
	// ErrClientGone means the downstream connection can no longer be written.
	ErrClientGone = errors.New("downstream client disconnected")
	// ErrStreamClosed is returned for writes after Close or after an error event.
	ErrStreamClosed = errors.New("event stream closed")
	// ErrEventOrder is returned when search results would follow a delta or repeat.
	ErrEventOrder = errors.New("event out of order")
)

// Writer serializes events onto one streamed HTTP response, flushing after
// every frame.
type Writer struct {
	mu  sync.Mutex
	w   http.ResponseWriter
	rc  *http.ResponseController
	err error

	opened      bool
	sawDelta    bool
	sawSearch   bool
	terminated  bool
	closed      bool
	eventsCount int
}

func NewWriter(w http.ResponseWriter) *Writer {
	return &Writer{w: w, rc: http.NewResponseController(w)}
}

// Open writes the event-stream headers and flushes them.
func (w *Writer) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.opened {
		return nil
	}
	w.opened = true

	h := w.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.w.WriteHeader(http.StatusOK)
	return w.flushLocked()
}

// Write sends one event. A search_results event must precede every delta and
// appears at most once; an error event is terminal.
func (w *Writer) Write(e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	if w.closed || w.terminated {
		return ErrStreamClosed
	}
	switch e.Kind {
	case EventSearchResults:
		if w.sawSearch || w.sawDelta {
			return fmt.Errorf("%w: search_results after stream content", ErrEventOrder)
		}
		w.sawSearch = true
	case EventDelta:
		w.sawDelta = true
	case EventError:
		w.terminated = true
	}

	frame, err := Encode(e)
	if err != nil {
		return err
	}
	if !w.opened {
		w.opened = true
		w.w.Header().Set("Content-Type", "text/event-stream")
	}
	if _, err := w.w.Write(frame); err != nil {
		w.err = fmt.Errorf("%w: %v", ErrClientGone, err)
		return w.err
	}
	w.eventsCount++
	return w.flushLocked()
}

// Events reports how many events were written.
func (w *Writer) Events() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.eventsCount
}

// Close ends the stream. Further writes fail with ErrStreamClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.err != nil {
		return nil
	}
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if err := w.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		w.err = fmt.Errorf("%w: %v", ErrClientGone, err)
		return w.err
	}
	return nil
}
