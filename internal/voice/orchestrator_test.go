package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sattvalabs/vaani/internal/history"
	"github.com/sattvalabs/vaani/internal/llm"
	"github.com/sattvalabs/vaani/internal/observability"
	"github.com/sattvalabs/vaani/internal/persona"
	"github.com/sattvalabs/vaani/internal/protocol"
	"github.com/sattvalabs/vaani/internal/session"
)

// scriptedRecognizer hands the test a channel to inject recognition events.
type scriptedRecognizer struct {
	events chan RecognizerEvent
	stream *scriptedStream
}

func newScriptedRecognizer() *scriptedRecognizer {
	return &scriptedRecognizer{
		events: make(chan RecognizerEvent, 64),
		stream: &scriptedStream{},
	}
}

func (r *scriptedRecognizer) Open(_ context.Context, _ AudioFormat) (RecognizerStream, <-chan RecognizerEvent, error) {
	return r.stream, r.events, nil
}

type scriptedStream struct {
	mu     sync.Mutex
	sent   [][]byte
	closed int
}

func (s *scriptedStream) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, pcm)
	return nil
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *scriptedStream) sentFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func (s *scriptedStream) closedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// scriptedSynthesizer emits a fixed number of audio chunks then a final event.
type scriptedSynthesizer struct {
	chunks int
	err    error
}

func (s *scriptedSynthesizer) Synthesize(ctx context.Context, _ string, _ persona.Profile) (<-chan SynthEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	events := make(chan SynthEvent, s.chunks+1)
	for i := 0; i < s.chunks; i++ {
		events <- SynthEvent{Type: SynthEventAudio, Audio: []byte("chunk")}
	}
	events <- SynthEvent{Type: SynthEventFinal}
	close(events)
	return events, nil
}

// gatedClient blocks Complete until released, so tests can hold a turn open.
type gatedClient struct {
	started chan struct{}
	release chan struct{}
	reply   string

	mu       sync.Mutex
	requests []llm.Request
}

func newGatedClient(reply string) *gatedClient {
	return &gatedClient{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
		reply:   reply,
	}
}

func (c *gatedClient) Complete(ctx context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	c.started <- struct{}{}
	select {
	case <-c.release:
		return c.reply, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type fixture struct {
	orch     *Orchestrator
	rec      *scriptedRecognizer
	store    *history.InMemoryStore
	registry *session.Registry
	inbound  chan any
	outbound chan any
	done     chan error
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, brain llm.Client, synth Synthesizer) *fixture {
	t.Helper()
	rec := newScriptedRecognizer()
	store := history.NewInMemoryStore()
	registry := session.NewRegistry(time.Minute)
	metrics := observability.NewMetrics("orch_" + strings.ToLower(t.Name()))
	defaults := persona.Profile{Name: "default", SystemPrompt: "You are a kind guide."}

	orch := NewOrchestrator(
		registry,
		persona.NewStaticResolver("v1", "m1"),
		store,
		rec,
		synth,
		brain,
		metrics,
		AudioFormat{Encoding: "linear16", SampleRate: 16000, Channels: 1},
		40*time.Millisecond,
		50,
		defaults,
	)

	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{
		orch:     orch,
		rec:      rec,
		store:    store,
		registry: registry,
		inbound:  make(chan any, 16),
		outbound: make(chan any, 256),
		done:     make(chan error, 1),
		cancel:   cancel,
	}
	go func() {
		f.done <- orch.RunConnection(ctx, f.inbound, f.outbound)
	}()
	t.Cleanup(cancel)
	return f
}

func (f *fixture) start(chatID, voiceName string) {
	f.inbound <- protocol.StartCommand{Type: protocol.TypeStart, ChatID: chatID, UserID: "user-1", VoiceName: voiceName}
}

func (f *fixture) next(t *testing.T) any {
	t.Helper()
	select {
	case evt := <-f.outbound:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

func (f *fixture) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case evt := <-f.outbound:
		t.Fatalf("unexpected event %#v", evt)
	case <-time.After(d):
	}
}

func (f *fixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("RunConnection did not return")
		return nil
	}
}

func TestSessionHappyPath(t *testing.T) {
	f := newFixture(t, &llm.MockClient{Reply: "the day holds peace"}, &scriptedSynthesizer{chunks: 3})
	f.start("chat-1", "krishna1")

	started, ok := f.next(t).(protocol.Started)
	if !ok {
		t.Fatalf("first event is not started")
	}
	if started.ChatID != "chat-1" || started.VoiceName != "krishna1" {
		t.Fatalf("started = %+v", started)
	}

	f.rec.events <- RecognizerEvent{Type: RecognizerEventPartial, Text: "what does"}
	partial, ok := f.next(t).(protocol.Transcript)
	if !ok || partial.IsFinal {
		t.Fatalf("expected interim transcript, got %#v", partial)
	}

	f.rec.events <- RecognizerEvent{Type: RecognizerEventFinal, Text: "what does today hold"}
	final, ok := f.next(t).(protocol.Transcript)
	if !ok || !final.IsFinal || final.Text != "what does today hold" {
		t.Fatalf("expected final transcript, got %#v", final)
	}

	f.rec.events <- RecognizerEvent{Type: RecognizerEventUtteranceEnd}

	userMsg, ok := f.next(t).(protocol.UserMessage)
	if !ok || userMsg.Text != "what does today hold" {
		t.Fatalf("expected user_message, got %#v", userMsg)
	}
	resp, ok := f.next(t).(protocol.AIResponse)
	if !ok || resp.Text != "the day holds peace" {
		t.Fatalf("expected ai_response, got %#v", resp)
	}

	for i := 1; i <= 3; i++ {
		chunk, ok := f.next(t).(protocol.AudioChunk)
		if !ok {
			t.Fatalf("expected audio_chunk %d", i)
		}
		if chunk.ChunkIndex != i {
			t.Fatalf("chunk index = %d, want %d", chunk.ChunkIndex, i)
		}
		if chunk.Audio == "" {
			t.Fatalf("chunk %d carries no audio", i)
		}
	}
	complete, ok := f.next(t).(protocol.AudioComplete)
	if !ok || complete.TotalChunks != 3 {
		t.Fatalf("expected audio_complete with 3 chunks, got %#v", complete)
	}

	f.inbound <- protocol.StopCommand{Type: protocol.TypeStop}
	if _, ok := f.next(t).(protocol.Stopped); !ok {
		t.Fatalf("expected stopped")
	}
	if err := f.wait(t); err != nil {
		t.Fatalf("RunConnection returned %v", err)
	}

	msgs, err := f.store.Load(context.Background(), "chat-1", 10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("history = %d messages, err %v; want 2", len(msgs), err)
	}
	if msgs[0].Role != history.RoleUser || msgs[1].Role != history.RoleAssistant {
		t.Fatalf("history roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if f.registry.ActiveCount() != 0 {
		t.Fatalf("session still registered after stop")
	}
}

func TestSilenceTimerCoalescesFragments(t *testing.T) {
	f := newFixture(t, &llm.MockClient{Reply: "ok"}, &scriptedSynthesizer{chunks: 1})
	f.start("", "meera1")
	if _, ok := f.next(t).(protocol.Started); !ok {
		t.Fatalf("expected started")
	}

	f.rec.events <- RecognizerEvent{Type: RecognizerEventFinal, Text: "guide me"}
	f.next(t) // transcript
	f.rec.events <- RecognizerEvent{Type: RecognizerEventFinal, Text: "through this evening"}
	f.next(t) // transcript

	// No utterance-end event: the silence timer alone must fire the boundary.
	userMsg, ok := f.next(t).(protocol.UserMessage)
	if !ok {
		t.Fatalf("expected user_message from silence timer")
	}
	if userMsg.Text != "guide me through this evening" {
		t.Fatalf("coalesced text = %q", userMsg.Text)
	}
}

func TestStartedChatIDIsMintedWhenAbsent(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(), &scriptedSynthesizer{chunks: 1})
	f.start("", "shiva1")
	started, ok := f.next(t).(protocol.Started)
	if !ok {
		t.Fatalf("expected started")
	}
	if started.ChatID == "" {
		t.Fatalf("server must mint a chat id when the client sends none")
	}
}

func TestOverlappingBoundaryAccumulates(t *testing.T) {
	brain := newGatedClient("first answer")
	f := newFixture(t, brain, &scriptedSynthesizer{chunks: 1})
	f.start("chat-ov", "krishna1")
	f.next(t) // started

	f.rec.events <- RecognizerEvent{Type: RecognizerEventFinal, Text: "first part"}
	f.next(t) // transcript
	f.rec.events <- RecognizerEvent{Type: RecognizerEventUtteranceEnd}

	userMsg, ok := f.next(t).(protocol.UserMessage)
	if !ok || userMsg.Text != "first part" {
		t.Fatalf("expected user_message for first turn, got %#v", userMsg)
	}
	<-brain.started // turn is now blocked inside the completion call

	// A second boundary while the turn is in flight must be a no-op; the
	// fragment stays accumulated for the next boundary.
	f.rec.events <- RecognizerEvent{Type: RecognizerEventFinal, Text: "second part"}
	f.next(t) // transcript
	f.rec.events <- RecognizerEvent{Type: RecognizerEventUtteranceEnd}
	f.expectNone(t, 80*time.Millisecond)

	close(brain.release)

	if resp, ok := f.next(t).(protocol.AIResponse); !ok || resp.Text != "first answer" {
		t.Fatalf("expected ai_response for first turn, got %#v", resp)
	}
	f.next(t) // audio_chunk
	f.next(t) // audio_complete

	// The rearmed silence timer fires the deferred fragment as its own turn.
	second, ok := f.next(t).(protocol.UserMessage)
	if !ok || second.Text != "second part" {
		t.Fatalf("expected deferred user_message, got %#v", second)
	}
}

func TestStopSilencesInFlightTurn(t *testing.T) {
	brain := newGatedClient("too late")
	f := newFixture(t, brain, &scriptedSynthesizer{chunks: 2})
	f.start("chat-stop", "krishna1")
	f.next(t) // started

	f.rec.events <- RecognizerEvent{Type: RecognizerEventFinal, Text: "hello"}
	f.next(t) // transcript
	f.rec.events <- RecognizerEvent{Type: RecognizerEventUtteranceEnd}
	f.next(t) // user_message
	<-brain.started

	f.inbound <- protocol.StopCommand{Type: protocol.TypeStop}
	if _, ok := f.next(t).(protocol.Stopped); !ok {
		t.Fatalf("expected stopped")
	}
	if err := f.wait(t); err != nil {
		t.Fatalf("RunConnection returned %v", err)
	}

	// The blocked turn finishes after teardown; none of its events may leak.
	close(brain.release)
	f.expectNone(t, 120*time.Millisecond)

	if f.rec.stream.closedCount() == 0 {
		t.Fatalf("recognizer stream not closed on teardown")
	}
}

func TestPersonaFallbackEmitsWarning(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(), &scriptedSynthesizer{chunks: 1})
	f.start("chat-p", "no-such-voice")

	warn, ok := f.next(t).(protocol.ErrorEvent)
	if !ok {
		t.Fatalf("expected warning before started, got %#v", warn)
	}
	if warn.Err != "persona_not_found" {
		t.Fatalf("warning error = %q", warn.Err)
	}

	started, ok := f.next(t).(protocol.Started)
	if !ok {
		t.Fatalf("session must still start after fallback")
	}
	if started.VoiceName != "default" {
		t.Fatalf("started voice = %q, want default", started.VoiceName)
	}
}

func TestStartWithoutProvidersIsFatal(t *testing.T) {
	registry := session.NewRegistry(time.Minute)
	metrics := observability.NewMetrics("orch_" + strings.ToLower(t.Name()))
	orch := NewOrchestrator(
		registry,
		persona.NewStaticResolver("v1", "m1"),
		history.NewInMemoryStore(),
		nil, nil, nil,
		metrics,
		AudioFormat{Encoding: "linear16", SampleRate: 16000, Channels: 1},
		40*time.Millisecond,
		50,
		persona.Profile{Name: "default"},
	)

	inbound := make(chan any, 4)
	outbound := make(chan any, 16)
	done := make(chan error, 1)
	go func() {
		done <- orch.RunConnection(context.Background(), inbound, outbound)
	}()

	inbound <- protocol.StartCommand{Type: protocol.TypeStart, UserID: "u", VoiceName: "krishna1"}

	select {
	case evt := <-outbound:
		errEvt, ok := evt.(protocol.ErrorEvent)
		if !ok || !strings.HasPrefix(errEvt.Err, "config_error") {
			t.Fatalf("expected config error, got %#v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("no error event emitted")
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("RunConnection must fail when providers are missing")
		}
	case <-time.After(time.Second):
		t.Fatalf("RunConnection did not return")
	}
	if registry.ActiveCount() != 0 {
		t.Fatalf("no session should be registered")
	}
}

func TestAudioBeforeStartIsDropped(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(), &scriptedSynthesizer{chunks: 1})
	f.inbound <- protocol.AudioFrame{Type: protocol.TypeAudio, Audio: base64.StdEncoding.EncodeToString([]byte("early"))}
	f.expectNone(t, 60*time.Millisecond)

	f.start("chat-a", "krishna1")
	if _, ok := f.next(t).(protocol.Started); !ok {
		t.Fatalf("start must still work after a dropped frame")
	}
	if len(f.rec.stream.sentFrames()) != 0 {
		t.Fatalf("frame sent before start must not reach the recognizer")
	}
}

func TestAudioFramesReachRecognizer(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(), &scriptedSynthesizer{chunks: 1})
	f.start("chat-f", "krishna1")
	f.next(t) // started

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	f.inbound <- protocol.AudioFrame{Type: protocol.TypeAudio, Audio: base64.StdEncoding.EncodeToString(pcm)}

	deadline := time.After(time.Second)
	for {
		frames := f.rec.stream.sentFrames()
		if len(frames) == 1 {
			if string(frames[0]) != string(pcm) {
				t.Fatalf("forwarded frame = %v", frames[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("frame never reached the recognizer")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestInvalidAudioFrameIsRecoverable(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(), &scriptedSynthesizer{chunks: 1})
	f.start("chat-b", "krishna1")
	f.next(t) // started

	f.inbound <- protocol.AudioFrame{Type: protocol.TypeAudio, Audio: "not base64!!!"}
	errEvt, ok := f.next(t).(protocol.ErrorEvent)
	if !ok || !strings.HasPrefix(errEvt.Err, "protocol_error") {
		t.Fatalf("expected protocol error, got %#v", errEvt)
	}

	// Session keeps running.
	f.rec.events <- RecognizerEvent{Type: RecognizerEventPartial, Text: "still here"}
	if _, ok := f.next(t).(protocol.Transcript); !ok {
		t.Fatalf("session should survive an invalid frame")
	}
}

func TestRecognizerErrorTearsDownSession(t *testing.T) {
	f := newFixture(t, llm.NewMockClient(), &scriptedSynthesizer{chunks: 1})
	f.start("chat-e", "krishna1")
	f.next(t) // started

	f.rec.events <- RecognizerEvent{Type: RecognizerEventError, Code: "asr_error", Detail: "upstream gone"}

	errEvt, ok := f.next(t).(protocol.ErrorEvent)
	if !ok || !strings.Contains(errEvt.Err, "upstream gone") {
		t.Fatalf("expected asr error event, got %#v", errEvt)
	}
	if _, ok := f.next(t).(protocol.Stopped); !ok {
		t.Fatalf("teardown must still emit stopped")
	}
	if err := f.wait(t); err == nil {
		t.Fatalf("recognizer error must be fatal")
	}
}

func TestCompletionFailureIsRecoverable(t *testing.T) {
	f := newFixture(t, &llm.MockClient{Err: errors.New("rate limited")}, &scriptedSynthesizer{chunks: 1})
	f.start("chat-l", "krishna1")
	f.next(t) // started

	f.rec.events <- RecognizerEvent{Type: RecognizerEventFinal, Text: "hello"}
	f.next(t) // transcript
	f.rec.events <- RecognizerEvent{Type: RecognizerEventUtteranceEnd}
	f.next(t) // user_message

	errEvt, ok := f.next(t).(protocol.ErrorEvent)
	if !ok || !strings.HasPrefix(errEvt.Err, "llm_failed") {
		t.Fatalf("expected llm_failed, got %#v", errEvt)
	}

	// Next turn still works.
	f.rec.events <- RecognizerEvent{Type: RecognizerEventFinal, Text: "are you there"}
	f.next(t) // transcript
	f.rec.events <- RecognizerEvent{Type: RecognizerEventUtteranceEnd}
	if _, ok := f.next(t).(protocol.UserMessage); !ok {
		t.Fatalf("session should accept the next turn after a completion failure")
	}
}

func TestSynthesisFailureIsRecoverable(t *testing.T) {
	f := newFixture(t, &llm.MockClient{Reply: "peace"}, &scriptedSynthesizer{err: errors.New("voice offline")})
	f.start("chat-s", "krishna1")
	f.next(t) // started

	f.rec.events <- RecognizerEvent{Type: RecognizerEventFinal, Text: "speak"}
	f.next(t) // transcript
	f.rec.events <- RecognizerEvent{Type: RecognizerEventUtteranceEnd}
	f.next(t) // user_message
	f.next(t) // ai_response

	errEvt, ok := f.next(t).(protocol.ErrorEvent)
	if !ok || !strings.HasPrefix(errEvt.Err, "tts_failed") {
		t.Fatalf("expected tts_failed, got %#v", errEvt)
	}

	f.inbound <- protocol.StopCommand{Type: protocol.TypeStop}
	if _, ok := f.next(t).(protocol.Stopped); !ok {
		t.Fatalf("session should still stop cleanly")
	}
}

func TestLoadedHistoryFlowsIntoCompletion(t *testing.T) {
	brain := newGatedClient("welcome back")
	close(brain.release) // no gating needed, just request capture
	f := newFixture(t, brain, &scriptedSynthesizer{chunks: 1})

	ctx := context.Background()
	for _, m := range []history.Message{
		{ChatID: "chat-h", UserID: "user-1", Role: history.RoleUser, Text: "earlier question"},
		{ChatID: "chat-h", UserID: "user-1", Role: history.RoleAssistant, Text: "earlier answer"},
	} {
		if err := f.store.Append(ctx, m); err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}

	f.start("chat-h", "krishna1")
	f.next(t) // started
	f.rec.events <- RecognizerEvent{Type: RecognizerEventFinal, Text: "a new question"}
	f.next(t) // transcript
	f.rec.events <- RecognizerEvent{Type: RecognizerEventUtteranceEnd}
	f.next(t) // user_message
	f.next(t) // ai_response

	brain.mu.Lock()
	defer brain.mu.Unlock()
	if len(brain.requests) != 1 {
		t.Fatalf("completion calls = %d, want 1", len(brain.requests))
	}
	got := brain.requests[0].History
	if len(got) != 3 {
		t.Fatalf("history passed to completion = %d messages, want 3", len(got))
	}
	if got[0].Text != "earlier question" || got[2].Text != "a new question" {
		t.Fatalf("history order wrong: %q ... %q", got[0].Text, got[2].Text)
	}
}
