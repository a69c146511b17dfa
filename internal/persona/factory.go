package persona

import (
	"context"
	"strings"
)

// NewResolver creates a postgres-backed resolver when configured, otherwise
// the builtin static set.
func NewResolver(ctx context.Context, databaseURL, defaultVoiceID, defaultModelID string) (Resolver, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewStaticResolver(defaultVoiceID, defaultModelID), nil
	}
	return NewPostgresResolver(ctx, databaseURL)
}
