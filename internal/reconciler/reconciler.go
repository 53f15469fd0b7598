// Package reconciler keeps the client's view of conversations consistent
// while turns stream in. Each send is an optimistic exchange (user message +
// assistant placeholder) that is either committed as streamed or rolled back
// as a unit.
package reconciler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/padi-relay/internal/client"
	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrEmptyMessage         = errors.New("message is empty")
	ErrExchangeActive       = errors.New("a message is already being sent in this conversation")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrExchangeFinished     = errors.New("exchange already ran")
)

// Backend is the relay as seen from the client.
type Backend interface {
	Send(ctx context.Context, req client.ChatRequest, h client.Handlers) error
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	CreateConversation(ctx context.Context) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
}

// Listener is told about every message change. It is called with the
// reconciler's lock released.
type Listener interface {
	MessageUpdated(convID string, msg models.Message)
	ExchangeFinished(convID string, state State, err error)
}

type SendOptions struct {
	EnableThinking bool
	EnableSearch   bool
}

type Reconciler struct {
	backend  Backend
	logger   *zap.Logger
	listener Listener

	mu      sync.Mutex
	convs   map[string]*models.Conversation
	order   []string
	pending map[string]*Exchange
	lastErr map[string]error
}

type Option func(*Reconciler)

func WithListener(l Listener) Option {
	return func(r *Reconciler) { r.listener = l }
}

func New(backend Backend, logger *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		backend: backend,
		logger:  logger,
		convs:   map[string]*models.Conversation{},
		pending: map[string]*Exchange{},
		lastErr: map[string]error{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load replaces local state with the server's conversation list. Exchanges in
// flight keep their optimistic messages.
func (r *Reconciler) Load(ctx context.Context) error {
	convs, err := r.backend.ListConversations(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to load history")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fresh := make(map[string]*models.Conversation, len(convs))
	order := make([]string, 0, len(convs))
	for i := range convs {
		c := convs[i]
		if c.Messages == nil {
			c.Messages = []models.Message{}
		}
		if ex, ok := r.pending[c.ID]; ok {
			if old, ok := r.convs[c.ID]; ok {
				c.Messages = append(c.Messages, ex.optimistic(old)...)
			}
		}
		fresh[c.ID] = &c
		order = append(order, c.ID)
	}
	r.convs = fresh
	r.order = order
	return nil
}

// Put inserts or replaces a conversation at the front of the list.
func (r *Reconciler) Put(conv models.Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(conv)
}

func (r *Reconciler) putLocked(conv models.Conversation) {
	if conv.Messages == nil {
		conv.Messages = []models.Message{}
	}
	c := conv.Clone()
	r.convs[c.ID] = &c
	r.removeOrderLocked(c.ID)
	r.order = append([]string{c.ID}, r.order...)
}

func (r *Reconciler) removeOrderLocked(id string) {
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *Reconciler) CreateConversation(ctx context.Context) (*models.Conversation, error) {
	conv, err := r.backend.CreateConversation(ctx)
	if err != nil {
		return nil, err
	}
	r.Put(*conv)
	return conv, nil
}

func (r *Reconciler) DeleteConversation(ctx context.Context, id string) error {
	if err := r.backend.DeleteConversation(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.convs, id)
	delete(r.lastErr, id)
	r.removeOrderLocked(id)
	return nil
}

// Conversation returns a snapshot of one conversation.
func (r *Reconciler) Conversation(id string) (models.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return models.Conversation{}, false
	}
	return c.Clone(), true
}

// Conversations returns snapshots in display order.
func (r *Reconciler) Conversations() []models.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Conversation, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.convs[id].Clone())
	}
	return out
}

// Pending reports whether an exchange is outstanding for the conversation.
func (r *Reconciler) Pending(convID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[convID]
	return ok
}

// LastError is the error of the conversation's most recent rolled back
// exchange, cleared by the next Begin.
func (r *Reconciler) LastError(convID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr[convID]
}

// Begin starts an exchange: it appends the user message and an empty
// assistant placeholder. It fails without touching state when text is blank,
// the conversation is unknown, or the conversation already has an exchange
// outstanding.
func (r *Reconciler) Begin(convID, text string, opts SendOptions) (*Exchange, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	r.mu.Lock()
	conv, ok := r.convs[convID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrConversationNotFound
	}
	if _, busy := r.pending[convID]; busy {
		r.mu.Unlock()
		return nil, ErrExchangeActive
	}

	user := models.NewMessage(convID, models.RoleUser, text)
	placeholder := models.NewMessage(convID, models.RoleAssistant, "")
	ex := &Exchange{
		r:             r,
		convID:        convID,
		text:          text,
		opts:          opts,
		userID:        user.ID,
		placeholderID: placeholder.ID,
		prevTitle:     conv.Title,
		state:         StateSending,
	}

	conv.Messages = append(conv.Messages, user, placeholder)
	if conv.UserMessageCount() == 1 {
		conv.Title = models.TitleFrom(text)
		ex.provisionalTitle = conv.Title
		ex.titleSet = true
	}
	if now := time.Now().UTC(); now.After(conv.UpdatedAt) {
		conv.UpdatedAt = now
	}
	r.pending[convID] = ex
	delete(r.lastErr, convID)
	r.removeOrderLocked(convID)
	r.order = append([]string{convID}, r.order...)
	r.mu.Unlock()

	r.notifyMessage(convID, user)
	r.notifyMessage(convID, placeholder)
	return ex, nil
}

// Submit begins an exchange and runs it to completion.
func (r *Reconciler) Submit(ctx context.Context, convID, text string, opts SendOptions) (*Exchange, error) {
	ex, err := r.Begin(convID, text, opts)
	if err != nil {
		return nil, err
	}
	return ex, ex.Run(ctx)
}

func (r *Reconciler) notifyMessage(convID string, msg models.Message) {
	if r.listener != nil {
		r.listener.MessageUpdated(convID, msg)
	}
}
