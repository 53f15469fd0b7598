// Package relay runs one chat turn: it forwards the upstream completion
// stream to the downstream client as normalized events and persists the
// finished exchange.
package relay

import (
	"context"
	"errors"
	"strings"

	"github.com/RichardoC/padi-relay/internal/db"
	"github.com/RichardoC/padi-relay/internal/llm"
	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/RichardoC/padi-relay/internal/search"
	"github.com/RichardoC/padi-relay/internal/stream"
	"go.uber.org/zap"
)

const (
	msgConversationNotFound = "Conversation not found"
	msgPersistFailed        = "Failed to save the conversation"
	msgProcessingFailed     = "Error processing request"
)

type ConversationStore interface {
	FindConversation(ctx context.Context, id string) (*models.Conversation, error)
	AppendMessages(ctx context.Context, convID string, msgs ...*models.Message) error
}

type Streamer interface {
	Stream(ctx context.Context, req llm.Request, onDelta func(llm.Delta) error) (*llm.Usage, error)
}

// EventSink receives the turn's events in order. *stream.Writer is the
// production sink.
type EventSink interface {
	Write(e stream.Event) error
}

type Relay struct {
	store    ConversationStore
	llm      Streamer
	searcher search.Searcher
	logger   *zap.Logger
}

func New(store ConversationStore, streamer Streamer, searcher search.Searcher, logger *zap.Logger) *Relay {
	if searcher == nil {
		searcher = search.Nop{}
	}
	return &Relay{store: store, llm: streamer, searcher: searcher, logger: logger}
}

type TurnRequest struct {
	ConversationID string
	Message        string
	EnableThinking bool
	EnableSearch   bool
}

// Result is the fully assembled assistant answer of a turn.
type Result struct {
	UserMessage      models.Message
	AssistantMessage models.Message
	Usage            *llm.Usage
}

// session accumulates one in-progress assistant message.
type session struct {
	content   strings.Builder
	reasoning strings.Builder
	search    string
}

func (s *session) append(d llm.Delta) {
	s.content.WriteString(d.Content)
	s.reasoning.WriteString(d.Reasoning)
}

// Run executes one turn against sink. Every turn-level failure produces
// exactly one error event, except a client disconnect where no event can be
// delivered. Nothing is persisted unless the upstream stream ends cleanly.
func (r *Relay) Run(ctx context.Context, sink EventSink, req TurnRequest) (*Result, error) {
	logger := r.logger.With(zap.String("conversation_id", req.ConversationID))

	conv, err := r.store.FindConversation(ctx, req.ConversationID)
	if err != nil {
		msg := msgProcessingFailed
		if errors.Is(err, db.ErrConversationNotFound) {
			msg = msgConversationNotFound
		}
		logger.Warn("Failed to load conversation", zap.Error(err))
		r.fail(sink, logger, msg)
		return nil, err
	}

	userMsg := models.NewMessage(conv.ID, models.RoleUser, req.Message)
	sess := &session{}

	if req.EnableSearch {
		sess.search = r.searcher.Search(ctx, req.Message)
		if sess.search != "" {
			if err := sink.Write(stream.SearchResultsEvent(sess.search)); err != nil {
				logger.Info("Client went away before streaming started", zap.Error(err))
				return nil, err
			}
		}
	}

	upstreamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sinkErr error
	usage, err := r.llm.Stream(upstreamCtx, llm.Request{
		Messages: transcript(conv, userMsg, sess.search),
		Thinking: req.EnableThinking,
	}, func(d llm.Delta) error {
		sess.append(d)
		if err := sink.Write(stream.DeltaEvent(d.Content, d.Reasoning)); err != nil {
			sinkErr = err
			cancel()
			return err
		}
		return nil
	})
	if sinkErr != nil {
		logger.Info("Client disconnected, abandoning upstream stream", zap.Error(sinkErr))
		return nil, sinkErr
	}
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("Request cancelled during streaming", zap.Error(err))
			return nil, err
		}
		logger.Error("Failed to stream LLM message", zap.Error(err))
		msg := msgProcessingFailed
		var upstream *llm.UpstreamError
		if errors.As(err, &upstream) {
			msg = upstream.Error()
		}
		r.fail(sink, logger, msg)
		return nil, err
	}

	assistantMsg := models.NewMessage(conv.ID, models.RoleAssistant, sess.content.String())
	assistantMsg.ReasoningContent = sess.reasoning.String()
	assistantMsg.SearchResults = sess.search

	// The response may already be finished from the client's side; the
	// exchange still has to land.
	if err := r.store.AppendMessages(context.WithoutCancel(ctx), conv.ID, &userMsg, &assistantMsg); err != nil {
		logger.Error("Failed to save messages", zap.Error(err))
		r.fail(sink, logger, msgPersistFailed)
		return nil, err
	}

	fields := []zap.Field{
		zap.Int("content_len", len(assistantMsg.Content)),
		zap.Int("reasoning_len", len(assistantMsg.ReasoningContent)),
		zap.Bool("searched", sess.search != ""),
	}
	if usage != nil {
		fields = append(fields, zap.Int64("total_tokens", usage.TotalTokens))
	}
	logger.Info("Turn completed", fields...)

	return &Result{UserMessage: userMsg, AssistantMessage: assistantMsg, Usage: usage}, nil
}

func (r *Relay) fail(sink EventSink, logger *zap.Logger, msg string) {
	if err := sink.Write(stream.ErrorEvent(msg)); err != nil {
		logger.Debug("Could not deliver error event", zap.Error(err))
	}
}

// transcript builds the upstream message list: the stored history followed by
// the new user message, which alone carries the search context.
func transcript(conv *models.Conversation, userMsg models.Message, searchResults string) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(conv.Messages)+1)
	for _, m := range conv.Messages {
		out = append(out, llm.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return append(out, llm.ChatMessage{
		Role:    models.RoleUser,
		Content: search.Augment(userMsg.Content, searchResults),
	})
}
