package history

import (
	"context"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message stores a single user or assistant conversational turn.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves conversation history by chat id.
type Store interface {
	Load(ctx context.Context, chatID string, limit int) ([]Message, error)
	Append(ctx context.Context, msg Message) error
	Close() error
}
