package llm

import (
	"context"

	"github.com/sattvalabs/vaani/internal/history"
)

// Request carries everything the turn processor needs for one completion:
// the persona system prompt and the full chronological conversation.
type Request struct {
	SystemPrompt string
	History      []history.Message
}

// Client produces a single assistant completion per user turn.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}
