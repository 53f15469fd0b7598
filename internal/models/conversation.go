package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DefaultTitle is the title of a conversation that has no user message yet.
const DefaultTitle = "New chat"

const titleMaxRunes = 20

type Message struct {
	ID               string    `json:"id"`
	ConvID           string    `json:"conversation_id"`
	Role             Role      `json:"role"` // user, assistant, or system
	Content          string    `json:"content"`
	ReasoningContent string    `json:"reasoning_content,omitempty"`
	SearchResults    string    `json:"search_results,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewMessage returns a message with a fresh id and the current time.
func NewMessage(convID string, role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		ConvID:    convID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// TitleFrom derives a conversation title from the first user message.
func TitleFrom(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= titleMaxRunes {
		return text
	}
	return string(runes[:titleMaxRunes]) + "..."
}

func (c *Conversation) UserMessageCount() int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// Clone returns a copy that shares no message storage with c.
func (c *Conversation) Clone() Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return out
}
