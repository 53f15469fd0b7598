package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/RichardoC/padi-relay/internal/client"
	"github.com/RichardoC/padi-relay/internal/models"
	"go.uber.org/zap"
)

// State of an exchange. A conversation without an outstanding exchange is
// idle.
type State int

const (
	StateSending State = iota + 1
	StateStreaming
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Exchange is one in-flight user message and its assistant placeholder.
// All fields below r are guarded by r.mu.
type Exchange struct {
	r      *Reconciler
	convID string
	text   string
	opts   SendOptions

	userID        string
	placeholderID string

	prevTitle        string
	provisionalTitle string
	titleSet         bool

	state     State
	searchSet bool
	ran       bool
	err       error
}

func (e *Exchange) ConversationID() string { return e.convID }
func (e *Exchange) UserMessageID() string  { return e.userID }

func (e *Exchange) AssistantMessageID() string { return e.placeholderID }

func (e *Exchange) State() State {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	return e.state
}

// Err is the reason the exchange rolled back, if it did.
func (e *Exchange) Err() error {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	return e.err
}

// Run sends the exchange and folds the response stream into the
// placeholder. It returns the error that caused a rollback, if any.
func (e *Exchange) Run(ctx context.Context) error {
	e.r.mu.Lock()
	if e.ran {
		e.r.mu.Unlock()
		return ErrExchangeFinished
	}
	e.ran = true
	e.r.mu.Unlock()

	err := e.r.backend.Send(ctx, client.ChatRequest{
		ConversationID: e.convID,
		Message:        e.text,
		EnableThinking: e.opts.EnableThinking,
		EnableSearch:   e.opts.EnableSearch,
	}, client.Handlers{
		OnFrame:         e.markStreaming,
		OnContent:       func(d string) { e.update(func(m *models.Message) { m.Content += d }) },
		OnReasoning:     func(d string) { e.update(func(m *models.Message) { m.ReasoningContent += d }) },
		OnSearchResults: e.setSearchResults,
	})
	if err != nil {
		e.rollback(err)
		return err
	}
	e.commit()
	return nil
}

func (e *Exchange) markStreaming() {
	e.r.mu.Lock()
	defer e.r.mu.Unlock()
	if e.state == StateSending {
		e.state = StateStreaming
	}
}

func (e *Exchange) setSearchResults(snapshot string) {
	e.r.mu.Lock()
	if e.searchSet {
		e.r.mu.Unlock()
		e.r.logger.Warn("Ignoring repeated search results", zap.String("conversation_id", e.convID))
		return
	}
	e.searchSet = true
	e.r.mu.Unlock()
	e.update(func(m *models.Message) { m.SearchResults = snapshot })
}

// update mutates the placeholder in place while the exchange is live.
func (e *Exchange) update(fn func(m *models.Message)) {
	e.r.mu.Lock()
	if e.state != StateSending && e.state != StateStreaming {
		e.r.mu.Unlock()
		return
	}
	msg := e.placeholderLocked()
	if msg == nil {
		e.r.mu.Unlock()
		return
	}
	fn(msg)
	snapshot := *msg
	e.r.mu.Unlock()

	e.r.notifyMessage(e.convID, snapshot)
}

func (e *Exchange) placeholderLocked() *models.Message {
	conv, ok := e.r.convs[e.convID]
	if !ok {
		return nil
	}
	for i := range conv.Messages {
		if conv.Messages[i].ID == e.placeholderID {
			return &conv.Messages[i]
		}
	}
	return nil
}

func (e *Exchange) commit() {
	e.r.mu.Lock()
	e.state = StateCommitted
	if conv, ok := e.r.convs[e.convID]; ok {
		if now := time.Now().UTC(); now.After(conv.UpdatedAt) {
			conv.UpdatedAt = now
		}
	}
	delete(e.r.pending, e.convID)
	e.r.mu.Unlock()

	if e.r.listener != nil {
		e.r.listener.ExchangeFinished(e.convID, StateCommitted, nil)
	}
}

// rollback removes both messages of the exchange in a single pass under the
// lock and restores the title if this exchange set it. UpdatedAt keeps the
// value Begin gave it.
func (e *Exchange) rollback(cause error) {
	e.r.mu.Lock()
	e.state = StateRolledBack
	e.err = cause
	if conv, ok := e.r.convs[e.convID]; ok {
		kept := make([]models.Message, 0, len(conv.Messages))
		for _, m := range conv.Messages {
			if m.ID != e.userID && m.ID != e.placeholderID {
				kept = append(kept, m)
			}
		}
		conv.Messages = kept
		if e.titleSet && conv.Title == e.provisionalTitle {
			conv.Title = e.prevTitle
		}
		e.r.lastErr[e.convID] = cause
	}
	delete(e.r.pending, e.convID)
	e.r.mu.Unlock()

	e.r.logger.Warn("Message send failed, rolled back",
		zap.String("conversation_id", e.convID),
		zap.Error(cause))
	if e.r.listener != nil {
		e.r.listener.ExchangeFinished(e.convID, StateRolledBack, cause)
	}
}

// optimistic returns the exchange's messages still present in conv.
func (e *Exchange) optimistic(conv *models.Conversation) []models.Message {
	var out []models.Message
	for _, m := range conv.Messages {
		if m.ID == e.userID || m.ID == e.placeholderID {
			out = append(out, m)
		}
	}
	return out
}
