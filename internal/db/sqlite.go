package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RichardoC/padi-relay/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var ErrConversationNotFound = errors.New("conversation not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    reasoning_content TEXT NOT NULL DEFAULT '',
    search_results TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS messages_conversation ON messages(conversation_id, seq);`

type Database struct {
	db *sql.DB
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway; one connection keeps AppendMessages transactions ordered.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func (db *Database) Close() error {
	return db.db.Close()
}

func (db *Database) CreateConversation(ctx context.Context, title string) (*models.Conversation, error) {
	if title == "" {
		title = models.DefaultTitle
	}
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
        INSERT INTO conversations (id, title, created_at, updated_at)
        VALUES (?, ?, ?, ?)`

	if _, err := db.db.ExecContext(ctx, query, conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// FindConversation loads a conversation with its full transcript.
func (db *Database) FindConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := db.db.QueryRowContext(ctx, `
        SELECT id, title, created_at, updated_at
        FROM conversations
        WHERE id = ?`, id).Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}

	messages, err := db.queryMessages(ctx, `
        SELECT id, conversation_id, role, content, reasoning_content, search_results, created_at
        FROM messages
        WHERE conversation_id = ?
        ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages
	return conv, nil
}

// AppendMessages appends msgs to the conversation in one transaction. The
// title is derived from the first user message once the conversation holds
// exactly one, and updated_at never moves backwards.
func (db *Database) AppendMessages(ctx context.Context, convID string, msgs ...*models.Message) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var updatedAt time.Time
	err = tx.QueryRowContext(ctx, "SELECT updated_at FROM conversations WHERE id = ?", convID).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConversationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock conversation: %w", err)
	}

	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		msg.ConvID = convID
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO messages (id, conversation_id, role, content, reasoning_content, search_results, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, convID, string(msg.Role), msg.Content, msg.ReasoningContent, msg.SearchResults, msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	var userCount int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = ?",
		convID, string(models.RoleUser)).Scan(&userCount); err != nil {
		return err
	}
	if userCount == 1 {
		for _, msg := range msgs {
			if msg.Role == models.RoleUser {
				if _, err := tx.ExecContext(ctx, "UPDATE conversations SET title = ? WHERE id = ?",
					models.TitleFrom(msg.Content), convID); err != nil {
					return err
				}
				break
			}
		}
	}

	now := time.Now().UTC()
	if now.Before(updatedAt) {
		now = updatedAt
	}
	if _, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", now, convID); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *Database) GetConversationHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `
        SELECT id, conversation_id, role, content, reasoning_content, search_results, created_at
        FROM (
            SELECT * FROM messages
            WHERE conversation_id = ?
            ORDER BY seq DESC
            LIMIT ?
        )
        ORDER BY seq ASC`

	return db.queryMessages(ctx, query, conversationID, limit)
}

// GetConversations returns every conversation, most recently updated first.
func (db *Database) GetConversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := db.db.QueryContext(ctx, `
        SELECT id, title, created_at, updated_at
        FROM conversations
        ORDER BY updated_at DESC`)
	if err != nil {
		return []models.Conversation{}, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	index := make(map[string]int)
	for rows.Next() {
		conv := models.Conversation{Messages: []models.Message{}}
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return []models.Conversation{}, err
		}
		index[conv.ID] = len(conversations)
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return []models.Conversation{}, err
	}

	messages, err := db.queryMessages(ctx, `
        SELECT id, conversation_id, role, content, reasoning_content, search_results, created_at
        FROM messages
        ORDER BY seq ASC`)
	if err != nil {
		return []models.Conversation{}, err
	}
	for _, msg := range messages {
		if i, ok := index[msg.ConvID]; ok {
			conversations[i].Messages = append(conversations[i].Messages, msg)
		}
	}
	return conversations, nil
}

func (db *Database) DeleteConversation(ctx context.Context, id string) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}

	return tx.Commit()
}

func (db *Database) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := db.db.ExecContext(ctx, "UPDATE conversations SET title = ? WHERE id = ?", title, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (db *Database) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return []models.Message{}, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var role string
		err := rows.Scan(&msg.ID, &msg.ConvID, &role, &msg.Content, &msg.ReasoningContent, &msg.SearchResults, &msg.CreatedAt)
		if err != nil {
			return []models.Message{}, err
		}
		msg.Role = models.Role(role)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
