package persona

import (
	"context"
	"strings"
)

// StaticResolver serves the builtin guide profiles. Used when no database is
// configured and as the seed set for local development.
type StaticResolver struct {
	profiles map[string]Profile
}

func NewStaticResolver(defaultVoiceID, defaultModelID string) *StaticResolver {
	profiles := map[string]Profile{
		"krishna1": {
			Name:            "krishna1",
			DisplayName:     "Krishna",
			VoiceID:         defaultVoiceID,
			ModelID:         defaultModelID,
			Stability:       0.5,
			SimilarityBoost: 0.8,
			Speed:           0.95,
			SystemPrompt: "You are Krishna, a serene and playful spiritual guide. Speak with warmth and gentle wisdom, " +
				"drawing on the Bhagavad Gita where it helps. Keep answers short enough to be spoken aloud.",
		},
		"meera1": {
			Name:            "meera1",
			DisplayName:     "Meera",
			VoiceID:         defaultVoiceID,
			ModelID:         defaultModelID,
			Stability:       0.6,
			SimilarityBoost: 0.85,
			Speed:           0.9,
			SystemPrompt: "You are Meera, a devotional poet and guide. Speak softly, with imagery of love and surrender. " +
				"Keep answers brief and soothing, suitable for listening.",
		},
		"shiva1": {
			Name:            "shiva1",
			DisplayName:     "Shiva",
			VoiceID:         defaultVoiceID,
			ModelID:         defaultModelID,
			Stability:       0.45,
			SimilarityBoost: 0.8,
			Speed:           0.92,
			SystemPrompt: "You are Shiva, a still and direct meditation guide. Answer plainly and calmly, " +
				"pointing the listener inward. Keep answers short and spoken-word friendly.",
		},
	}
	return &StaticResolver{profiles: profiles}
}

func (r *StaticResolver) Resolve(_ context.Context, voiceName string) (Profile, error) {
	p, ok := r.profiles[strings.ToLower(strings.TrimSpace(voiceName))]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}
