package persona

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("persona not found")

// Profile is the immutable voice profile resolved once per session: the
// synthesis voice identity plus the persona's system prompt.
type Profile struct {
	Name            string  `json:"name"`
	DisplayName     string  `json:"display_name"`
	VoiceID         string  `json:"voice_id"`
	ModelID         string  `json:"model_id"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
	SystemPrompt    string  `json:"system_prompt"`
}

// Resolver looks up a voice profile by its persona name. Implementations are
// read-only; unknown or inactive personas return ErrNotFound.
type Resolver interface {
	Resolve(ctx context.Context, voiceName string) (Profile, error)
}
