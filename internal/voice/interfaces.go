package voice

import (
	"context"

	"github.com/sattvalabs/vaani/internal/persona"
)

// AudioFormat fixes the encoding the recognizer session is opened with.
type AudioFormat struct {
	Encoding   string
	SampleRate int
	Channels   int
}

type RecognizerEventType string

const (
	RecognizerEventPartial      RecognizerEventType = "partial"
	RecognizerEventFinal        RecognizerEventType = "final"
	RecognizerEventUtteranceEnd RecognizerEventType = "utterance_end"
	RecognizerEventError        RecognizerEventType = "error"
)

type RecognizerEvent struct {
	Type       RecognizerEventType
	Text       string
	Confidence float64
	Code       string
	Detail     string
}

// RecognizerStream is one open upstream ASR connection. Close must tolerate
// being called more than once.
type RecognizerStream interface {
	SendAudio(ctx context.Context, pcm []byte) error
	Close() error
}

// Recognizer opens streaming speech-recognition sessions. The returned event
// channel is closed when the upstream connection ends.
type Recognizer interface {
	Open(ctx context.Context, format AudioFormat) (RecognizerStream, <-chan RecognizerEvent, error)
}

type SynthEventType string

const (
	SynthEventAudio SynthEventType = "audio"
	SynthEventFinal SynthEventType = "final"
	SynthEventError SynthEventType = "error"
)

type SynthEvent struct {
	Type   SynthEventType
	Audio  []byte
	Code   string
	Detail string
}

// Synthesizer streams synthesized speech for one response text. The channel
// delivers audio events followed by exactly one final or error event, and is
// closed when the upstream stream ends or ctx is cancelled.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, profile persona.Profile) (<-chan SynthEvent, error)
}
