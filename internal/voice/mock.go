package voice

import (
	"context"
	"strings"
	"sync"

	"github.com/sattvalabs/vaani/internal/persona"
)

// MockRecognizer is an in-process recognizer for local development and tests.
// Every eighth audio frame produces a finalized transcript.
type MockRecognizer struct{}

func NewMockRecognizer() *MockRecognizer { return &MockRecognizer{} }

func (r *MockRecognizer) Open(_ context.Context, _ AudioFormat) (RecognizerStream, <-chan RecognizerEvent, error) {
	events := make(chan RecognizerEvent, 64)
	return &mockRecognizerStream{events: events}, events, nil
}

type mockRecognizerStream struct {
	mu     sync.Mutex
	events chan RecognizerEvent
	frames int
	closed bool
}

func (s *mockRecognizerStream) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(pcm) == 0 {
		return nil
	}
	s.frames++
	s.events <- RecognizerEvent{Type: RecognizerEventPartial, Text: "...", Confidence: 0.5}
	if s.frames%8 == 0 {
		s.events <- RecognizerEvent{Type: RecognizerEventFinal, Text: "simulated voice input", Confidence: 0.7}
	}
	return nil
}

func (s *mockRecognizerStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// MockSynthesizer streams the response text back as a handful of byte chunks.
type MockSynthesizer struct{}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (s *MockSynthesizer) Synthesize(ctx context.Context, text string, _ persona.Profile) (<-chan SynthEvent, error) {
	events := make(chan SynthEvent, 16)
	go func() {
		defer close(events)
		for _, word := range strings.Fields(text) {
			select {
			case events <- SynthEvent{Type: SynthEventAudio, Audio: []byte(word)}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case events <- SynthEvent{Type: SynthEventFinal}:
		case <-ctx.Done():
		}
	}()
	return events, nil
}
