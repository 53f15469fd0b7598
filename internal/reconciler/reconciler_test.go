package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RichardoC/padi-relay/internal/client"
	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// step is one scripted event delivered by fakeBackend.Send.
type step struct {
	content   string
	reasoning string
	search    string
}

type fakeBackend struct {
	steps []step
	err   error
	// gate, when set, blocks Send after it is entered until closed.
	entered chan struct{}
	gate    chan struct{}

	mu   sync.Mutex
	sent []client.ChatRequest
}

func (f *fakeBackend) Send(ctx context.Context, req client.ChatRequest, h client.Handlers) error {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	f.mu.Unlock()

	if f.entered != nil {
		close(f.entered)
	}
	if f.gate != nil {
		<-f.gate
	}
	for _, s := range f.steps {
		h.OnFrame()
		if s.search != "" {
			h.OnSearchResults(s.search)
		}
		if s.content != "" {
			h.OnContent(s.content)
		}
		if s.reasoning != "" {
			h.OnReasoning(s.reasoning)
		}
	}
	return f.err
}

func (f *fakeBackend) ListConversations(context.Context) ([]models.Conversation, error) {
	return []models.Conversation{
		{ID: "c1", Title: models.DefaultTitle},
		{ID: "c2", Title: "Trip plans", Messages: []models.Message{
			{ID: "m1", ConvID: "c2", Role: models.RoleUser, Content: "Trip plans"},
			{ID: "m2", ConvID: "c2", Role: models.RoleAssistant, Content: "Sure"},
		}},
	}, nil
}

func (f *fakeBackend) CreateConversation(context.Context) (*models.Conversation, error) {
	return &models.Conversation{ID: "new", Title: models.DefaultTitle, Messages: []models.Message{}}, nil
}

func (f *fakeBackend) DeleteConversation(context.Context, string) error { return nil }

type recordingListener struct {
	mu       sync.Mutex
	updates  int
	finished []State
}

func (l *recordingListener) MessageUpdated(string, models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates++
}

func (l *recordingListener) ExchangeFinished(_ string, s State, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, s)
}

func loaded(t *testing.T, b *fakeBackend, opts ...Option) *Reconciler {
	t.Helper()
	r := New(b, zaptest.NewLogger(t), opts...)
	require.NoError(t, r.Load(context.Background()))
	return r
}

func TestSubmitCommits(t *testing.T) {
	b := &fakeBackend{steps: []step{{content: "Hi"}, {content: " there"}}}
	l := &recordingListener{}
	r := loaded(t, b, WithListener(l))

	ex, err := r.Submit(context.Background(), "c1", "hello", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, ex.State())
	assert.False(t, r.Pending("c1"))

	conv, ok := r.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, "hello", conv.Title)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, models.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "hello", conv.Messages[0].Content)
	assert.Equal(t, models.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "Hi there", conv.Messages[1].Content)
	assert.Equal(t, ex.AssistantMessageID(), conv.Messages[1].ID)

	assert.Equal(t, []State{StateCommitted}, l.finished)
	assert.Equal(t, 4, l.updates)
	assert.Equal(t, "c1", r.Conversations()[0].ID)
}

func TestRollbackIsAtomic(t *testing.T) {
	cause := errors.New("LLM API request failed: 500 Internal Server Error")
	b := &fakeBackend{steps: []step{{content: "partial"}}, err: cause}
	r := loaded(t, b)
	before, _ := r.Conversation("c2")

	ex, err := r.Submit(context.Background(), "c2", "and then?", SendOptions{})
	require.ErrorIs(t, err, cause)
	assert.Equal(t, StateRolledBack, ex.State())
	assert.Equal(t, cause, ex.Err())
	assert.Equal(t, cause, r.LastError("c2"))

	after, _ := r.Conversation("c2")
	assert.Equal(t, before.Messages, after.Messages)
	assert.Equal(t, "Trip plans", after.Title)
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt), "updatedAt never moves backwards")
	assert.False(t, r.Pending("c2"))
}

func TestRollbackRevertsProvisionalTitle(t *testing.T) {
	b := &fakeBackend{err: &client.StreamError{Message: "Conversation not found"}}
	r := loaded(t, b)

	_, err := r.Submit(context.Background(), "c1", "what is the weather like today", SendOptions{})
	require.Error(t, err)

	conv, _ := r.Conversation("c1")
	assert.Equal(t, models.DefaultTitle, conv.Title)
	assert.Empty(t, conv.Messages)
}

func TestProvisionalTitleDuringStream(t *testing.T) {
	b := &fakeBackend{entered: make(chan struct{}), gate: make(chan struct{})}
	r := loaded(t, b)

	ex, err := r.Begin("c1", "what is the weather like today", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateSending, ex.State())

	conv, _ := r.Conversation("c1")
	assert.Equal(t, "what is the weather ...", conv.Title)
	require.Len(t, conv.Messages, 2)
	assert.Empty(t, conv.Messages[1].Content)

	close(b.gate)
	require.NoError(t, ex.Run(context.Background()))
	assert.ErrorIs(t, ex.Run(context.Background()), ErrExchangeFinished)
}

func TestOneExchangePerConversation(t *testing.T) {
	b := &fakeBackend{entered: make(chan struct{}), gate: make(chan struct{}), steps: []step{{content: "ok"}}}
	r := loaded(t, b)

	done := make(chan error, 1)
	go func() {
		_, err := r.Submit(context.Background(), "c1", "first", SendOptions{})
		done <- err
	}()
	<-b.entered

	before, _ := r.Conversation("c1")
	_, err := r.Begin("c1", "second", SendOptions{})
	assert.ErrorIs(t, err, ErrExchangeActive)
	after, _ := r.Conversation("c1")
	assert.Equal(t, before, after)

	other, err := r.Begin("c2", "elsewhere", SendOptions{})
	require.NoError(t, err)
	assert.True(t, r.Pending("c2"))

	close(b.gate)
	require.NoError(t, <-done)
	assert.False(t, r.Pending("c1"))
	assert.Equal(t, StateSending, other.State())
}

func TestBeginRejects(t *testing.T) {
	r := loaded(t, &fakeBackend{})

	_, err := r.Begin("c1", "   \n", SendOptions{})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = r.Begin("missing", "hi", SendOptions{})
	assert.ErrorIs(t, err, ErrConversationNotFound)

	conv, _ := r.Conversation("c1")
	assert.Empty(t, conv.Messages)
	assert.False(t, r.Pending("c1"))
}

func TestSearchAndReasoning(t *testing.T) {
	b := &fakeBackend{steps: []step{
		{search: "snapshot one"},
		{reasoning: "thinking"},
		{search: "snapshot two", content: "answer"},
	}}
	r := loaded(t, b)

	_, err := r.Submit(context.Background(), "c1", "look it up", SendOptions{EnableSearch: true, EnableThinking: true})
	require.NoError(t, err)

	conv, _ := r.Conversation("c1")
	reply := conv.Messages[1]
	assert.Equal(t, "snapshot one", reply.SearchResults)
	assert.Equal(t, "thinking", reply.ReasoningContent)
	assert.Equal(t, "answer", reply.Content)

	require.Len(t, b.sent, 1)
	assert.Equal(t, client.ChatRequest{
		ConversationID: "c1",
		Message:        "look it up",
		EnableThinking: true,
		EnableSearch:   true,
	}, b.sent[0])
}

func TestLoadKeepsPendingMessages(t *testing.T) {
	b := &fakeBackend{}
	r := loaded(t, b)

	ex, err := r.Begin("c2", "more", SendOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background()))

	conv, _ := r.Conversation("c2")
	require.Len(t, conv.Messages, 4)
	assert.Equal(t, ex.UserMessageID(), conv.Messages[2].ID)
	assert.Equal(t, ex.AssistantMessageID(), conv.Messages[3].ID)
}

func TestCreateAndDelete(t *testing.T) {
	r := loaded(t, &fakeBackend{})
	ctx := context.Background()

	conv, err := r.CreateConversation(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", r.Conversations()[0].ID)

	require.NoError(t, r.DeleteConversation(ctx, conv.ID))
	_, ok := r.Conversation(conv.ID)
	assert.False(t, ok)
	assert.Len(t, r.Conversations(), 2)
}

func TestCommitKeepsUpdatedAtMonotonic(t *testing.T) {
	r := loaded(t, &fakeBackend{steps: []step{{content: "x"}}})
	future := time.Now().Add(time.Hour).UTC()
	r.Put(models.Conversation{ID: "c3", Title: models.DefaultTitle, UpdatedAt: future})

	_, err := r.Submit(context.Background(), "c3", "hi", SendOptions{})
	require.NoError(t, err)
	conv, _ := r.Conversation("c3")
	assert.Equal(t, future, conv.UpdatedAt)
}

func TestRollbackKeepsUpdatedAt(t *testing.T) {
	r := loaded(t, &fakeBackend{err: errors.New("boom")})
	past := time.Now().Add(-time.Hour).UTC()
	r.Put(models.Conversation{ID: "c4", Title: models.DefaultTitle, UpdatedAt: past})

	ex, err := r.Begin("c4", "hi", SendOptions{})
	require.NoError(t, err)
	bumped, _ := r.Conversation("c4")
	require.True(t, bumped.UpdatedAt.After(past))

	require.Error(t, ex.Run(context.Background()))
	conv, _ := r.Conversation("c4")
	assert.Equal(t, bumped.UpdatedAt, conv.UpdatedAt)
	assert.Empty(t, conv.Messages)
}
