package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestCreateAndFindConversation(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	conv, err := database.CreateConversation(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	assert.Equal(t, models.DefaultTitle, conv.Title)

	found, err := database.FindConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)
	assert.Empty(t, found.Messages)

	_, err = database.FindConversation(ctx, "missing")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestAppendMessagesSetsTitleAndKeepsOrder(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	conv, err := database.CreateConversation(ctx, "")
	require.NoError(t, err)

	user := models.NewMessage(conv.ID, models.RoleUser, "hello")
	assistant := models.NewMessage(conv.ID, models.RoleAssistant, "Hi there")
	assistant.ReasoningContent = "greeting"
	assistant.SearchResults = `[{"title":"x"}]`
	require.NoError(t, database.AppendMessages(ctx, conv.ID, &user, &assistant))

	found, err := database.FindConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", found.Title)
	require.Len(t, found.Messages, 2)
	assert.Equal(t, models.RoleUser, found.Messages[0].Role)
	assert.Equal(t, "hello", found.Messages[0].Content)
	assert.Equal(t, models.RoleAssistant, found.Messages[1].Role)
	assert.Equal(t, "Hi there", found.Messages[1].Content)
	assert.Equal(t, "greeting", found.Messages[1].ReasoningContent)
	assert.Equal(t, `[{"title":"x"}]`, found.Messages[1].SearchResults)
	assert.False(t, found.UpdatedAt.Before(conv.UpdatedAt))

	// a second user message leaves the title alone
	second := models.NewMessage(conv.ID, models.RoleUser, "a completely different question")
	require.NoError(t, database.AppendMessages(ctx, conv.ID, &second))
	found, err = database.FindConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", found.Title)
	assert.Len(t, found.Messages, 3)
}

func TestAppendMessagesMissingConversation(t *testing.T) {
	database := newTestDB(t)
	msg := models.NewMessage("missing", models.RoleUser, "hello")
	err := database.AppendMessages(context.Background(), "missing", &msg)
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestGetConversationsAndHistory(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)

	first, err := database.CreateConversation(ctx, "first")
	require.NoError(t, err)
	second, err := database.CreateConversation(ctx, "second")
	require.NoError(t, err)

	for _, text := range []string{"one", "two", "three"} {
		msg := models.NewMessage(first.ID, models.RoleUser, text)
		require.NoError(t, database.AppendMessages(ctx, first.ID, &msg))
	}

	convs, err := database.GetConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, first.ID, convs[0].ID, "most recently updated first")
	assert.Len(t, convs[0].Messages, 3)
	assert.Equal(t, second.ID, convs[1].ID)
	assert.Empty(t, convs[1].Messages)

	history, err := database.GetConversationHistory(ctx, first.ID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "two", history[0].Content)
	assert.Equal(t, "three", history[1].Content)
}

func TestDeleteAndRenameConversation(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t)
	conv, err := database.CreateConversation(ctx, "")
	require.NoError(t, err)

	require.NoError(t, database.UpdateConversationTitle(ctx, conv.ID, "renamed"))
	found, err := database.FindConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", found.Title)

	msg := models.NewMessage(conv.ID, models.RoleUser, "hello")
	require.NoError(t, database.AppendMessages(ctx, conv.ID, &msg))

	require.NoError(t, database.DeleteConversation(ctx, conv.ID))
	_, err = database.FindConversation(ctx, conv.ID)
	require.ErrorIs(t, err, ErrConversationNotFound)
	require.ErrorIs(t, database.DeleteConversation(ctx, conv.ID), ErrConversationNotFound)
	require.ErrorIs(t, database.UpdateConversationTitle(ctx, conv.ID, "x"), ErrConversationNotFound)
}
