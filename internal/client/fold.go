package client

import (
	"context"
	"io"

	"github.com/RichardoC/padi-relay/internal/stream"
	"go.uber.org/zap"
)

// StreamError is a terminal error event received from the relay.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}

// Handlers receive decoded events. Nil handlers are skipped.
type Handlers struct {
	// OnFrame runs once for every successfully decoded frame, before the
	// frame's own handler.
	OnFrame         func()
	OnContent       func(delta string)
	OnReasoning     func(delta string)
	OnSearchResults func(snapshot string)
}

// Fold decodes the relay's event stream from r and dispatches each event to
// h. It returns a *StreamError when the relay sends an error event; malformed
// frames are logged and skipped.
func Fold(ctx context.Context, r io.Reader, logger *zap.Logger, h Handlers) error {
	return stream.Scan(ctx, r, logger, func(f stream.Frame) error {
		ev, err := stream.DecodeEvent(f)
		if err != nil {
			return err
		}
		if h.OnFrame != nil {
			h.OnFrame()
		}

		switch ev.Kind {
		case stream.EventError:
			return &StreamError{Message: ev.Error}
		case stream.EventSearchResults:
			if h.OnSearchResults != nil {
				h.OnSearchResults(ev.SearchResults)
			}
		case stream.EventDelta:
			if ev.Content != "" && h.OnContent != nil {
				h.OnContent(ev.Content)
			}
			if ev.Reasoning != "" && h.OnReasoning != nil {
				h.OnReasoning(ev.Reasoning)
			}
		}
		return nil
	})
}
