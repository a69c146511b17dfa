package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sattvalabs/vaani/internal/persona"
)

type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	OutputFormat string

	DefaultVoiceID string
	DefaultModelID string
}

// ElevenLabsSynthesizer streams synthesized speech from the ElevenLabs
// chunked HTTP stream endpoint.
type ElevenLabsSynthesizer struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) *ElevenLabsSynthesizer {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	if strings.TrimSpace(cfg.DefaultModelID) == "" {
		cfg.DefaultModelID = "eleven_multilingual_v2"
	}
	return &ElevenLabsSynthesizer{
		cfg: cfg,
		// No overall client timeout: a synthesis stream may legitimately run
		// for the length of a long answer. Cancellation comes from ctx.
		client: &http.Client{Timeout: 0},
	}
}

const synthChunkSize = 8192

func (s *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string, profile persona.Profile) (<-chan SynthEvent, error) {
	voiceID := strings.TrimSpace(profile.VoiceID)
	if voiceID == "" {
		voiceID = s.cfg.DefaultVoiceID
	}
	if voiceID == "" {
		return nil, fmt.Errorf("voice id is required")
	}
	modelID := strings.TrimSpace(profile.ModelID)
	if modelID == "" {
		modelID = s.cfg.DefaultModelID
	}

	body := map[string]any{
		"text":     text,
		"model_id": modelID,
		"voice_settings": map[string]any{
			"stability":        clamp(profile.Stability, 0, 1, 0.5),
			"similarity_boost": clamp(profile.SimilarityBoost, 0, 1, 0.8),
			"speed":            clamp(profile.Speed, 0.7, 1.2, 1.0),
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("output_format", s.cfg.OutputFormat)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", s.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("tts request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	events := make(chan SynthEvent, 64)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		emit := func(evt SynthEvent) bool {
			select {
			case events <- evt:
				return true
			case <-ctx.Done():
				return false
			}
		}
		buf := make([]byte, synthChunkSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !emit(SynthEvent{Type: SynthEventAudio, Audio: chunk}) {
					return
				}
			}
			if err == io.EOF {
				emit(SynthEvent{Type: SynthEventFinal})
				return
			}
			if err != nil {
				emit(SynthEvent{Type: SynthEventError, Code: "tts_stream", Detail: err.Error()})
				return
			}
		}
	}()
	return events, nil
}

func clamp(v, min, max, fallback float64) float64 {
	if v <= 0 {
		return fallback
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// streamReadTimeout bounds how long a stalled synthesis stream can hold a
// turn open; enforced by the orchestrator, declared here next to the vendor
// client it protects.
const streamReadTimeout = 30 * time.Second
