package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sattvalabs/vaani/internal/history"
	"github.com/sattvalabs/vaani/internal/llm"
	"github.com/sattvalabs/vaani/internal/observability"
	"github.com/sattvalabs/vaani/internal/persona"
	"github.com/sattvalabs/vaani/internal/protocol"
	"github.com/sattvalabs/vaani/internal/session"
)

// Orchestrator wires the recognizer, turn detector, completion client and
// synthesizer into one live voice session per websocket connection.
type Orchestrator struct {
	registry     *session.Registry
	personas     persona.Resolver
	historyStore history.Store
	recognizer   Recognizer
	synthesizer  Synthesizer
	brain        llm.Client
	metrics      *observability.Metrics

	audioFormat      AudioFormat
	silenceThreshold time.Duration
	historyLimit     int
	defaults         persona.Profile
}

func NewOrchestrator(
	registry *session.Registry,
	personas persona.Resolver,
	historyStore history.Store,
	recognizer Recognizer,
	synthesizer Synthesizer,
	brain llm.Client,
	metrics *observability.Metrics,
	audioFormat AudioFormat,
	silenceThreshold time.Duration,
	historyLimit int,
	defaults persona.Profile,
) *Orchestrator {
	if silenceThreshold <= 0 {
		silenceThreshold = 2 * time.Second
	}
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Orchestrator{
		registry:         registry,
		personas:         personas,
		historyStore:     historyStore,
		recognizer:       recognizer,
		synthesizer:      synthesizer,
		brain:            brain,
		metrics:          metrics,
		audioFormat:      audioFormat,
		silenceThreshold: silenceThreshold,
		historyLimit:     historyLimit,
		defaults:         defaults,
	}
}

// connState is the per-connection session state. The event loop owns it;
// active and turnInFlight are atomic because turn goroutines and the
// synthesis relay check them concurrently.
type connState struct {
	sessionID string
	userID    string
	chatID    string
	profile   persona.Profile

	active       atomic.Bool
	turnInFlight atomic.Bool

	// history is appended by the event loop at start and by turn goroutines,
	// which are serialized by turnInFlight.
	history []history.Message
}

// RunConnection drives one session lifecycle: it consumes parsed client
// messages from inbound and emits protocol events on outbound. It returns
// when the client stops, the connection context ends, or a fatal error
// occurs; teardown is idempotent and always runs exactly once.
func (o *Orchestrator) RunConnection(ctx context.Context, inbound <-chan any, outbound chan<- any) error {
	var (
		st        *connState
		asrStream RecognizerStream
		asrEvents <-chan RecognizerEvent
	)
	det := newTurnDetector(o.silenceThreshold)

	teardown := func() {
		det.Stop()
		if st == nil || !st.active.CompareAndSwap(true, false) {
			return
		}
		if asrStream != nil {
			_ = asrStream.Close()
		}
		if _, err := o.registry.End(st.sessionID); err == nil {
			o.metrics.ActiveSessions.Set(float64(o.registry.ActiveCount()))
		}
		o.metrics.SessionEvents.WithLabelValues("ended").Inc()
		o.emit(ctx, outbound, protocol.Stopped{Type: protocol.TypeStopped})
	}
	defer teardown()

	fireBoundary := func() {
		if st == nil || !st.active.Load() || !det.HasPending() {
			return
		}
		if !st.turnInFlight.CompareAndSwap(false, true) {
			// A turn is already processing; the accumulator keeps growing and
			// the next boundary picks up everything since the last clear. Rearm
			// the timer so the deferred text fires even if no more events come.
			det.rearm()
			o.metrics.SessionEvents.WithLabelValues("boundary_deferred").Inc()
			return
		}
		text := det.Take()
		go o.processTurn(ctx, st, text, outbound)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case protocol.StartCommand:
				if st != nil {
					o.emit(ctx, outbound, protocol.ErrorEvent{
						Type:    protocol.TypeError,
						Message: "session already started",
						Err:     "protocol_error",
					})
					continue
				}
				newState, stream, events, err := o.startSession(ctx, m, outbound)
				if err != nil {
					return err
				}
				st, asrStream, asrEvents = newState, stream, events
			case protocol.AudioFrame:
				o.handleAudio(ctx, st, asrStream, m, outbound)
			case protocol.StopCommand:
				return nil
			}
		case evt, ok := <-asrEvents:
			if !ok {
				if st != nil && st.active.Load() {
					o.emit(ctx, outbound, protocol.ErrorEvent{
						Type:    protocol.TypeError,
						Message: "speech recognition connection lost",
						Err:     "asr_error: stream closed",
					})
					return errors.New("recognizer stream closed")
				}
				return nil
			}
			switch evt.Type {
			case RecognizerEventPartial:
				o.send(ctx, st, outbound, protocol.Transcript{Type: protocol.TypeTranscript, Text: evt.Text, IsFinal: false})
			case RecognizerEventFinal:
				o.send(ctx, st, outbound, protocol.Transcript{Type: protocol.TypeTranscript, Text: evt.Text, IsFinal: true})
				det.Append(evt.Text)
			case RecognizerEventUtteranceEnd:
				fireBoundary()
			case RecognizerEventError:
				o.metrics.ProviderErrors.WithLabelValues("asr", evt.Code).Inc()
				o.emit(ctx, outbound, protocol.ErrorEvent{
					Type:    protocol.TypeError,
					Message: "speech recognition failed",
					Err:     fmt.Sprintf("%s: %s", evt.Code, evt.Detail),
				})
				return fmt.Errorf("recognizer error: %s", evt.Detail)
			}
		case <-det.Expired():
			fireBoundary()
		}
	}
}

// startSession validates upstream configuration, resolves the persona, loads
// history and opens the recognizer. A returned error is fatal to the
// connection; the session never becomes active.
func (o *Orchestrator) startSession(ctx context.Context, m protocol.StartCommand, outbound chan<- any) (*connState, RecognizerStream, <-chan RecognizerEvent, error) {
	if o.recognizer == nil || o.synthesizer == nil || o.brain == nil {
		o.emit(ctx, outbound, protocol.ErrorEvent{
			Type:    protocol.TypeError,
			Message: "voice service is not configured",
			Err:     "config_error: missing upstream credentials",
		})
		return nil, nil, nil, errors.New("missing upstream credentials")
	}

	profile, err := o.personas.Resolve(ctx, m.VoiceName)
	if err != nil {
		profile = o.defaults
		o.metrics.SessionEvents.WithLabelValues("persona_fallback").Inc()
		o.emit(ctx, outbound, protocol.ErrorEvent{
			Type:    protocol.TypeError,
			Message: fmt.Sprintf("voice %q is unavailable, using the default voice", m.VoiceName),
			Err:     "persona_not_found",
		})
	}

	chatID := m.ChatID
	if chatID == "" {
		chatID = uuid.NewString()
	}

	msgs, err := o.historyStore.Load(ctx, chatID, o.historyLimit)
	if err != nil {
		// Start with an empty transcript rather than refusing the session.
		log.Printf("[voice] history load failed chat=%s: %v", chatID, err)
		o.emit(ctx, outbound, protocol.ErrorEvent{
			Type:    protocol.TypeError,
			Message: "could not load earlier conversation",
			Err:     "history_failed: " + err.Error(),
		})
		msgs = nil
	}

	stream, events, err := o.recognizer.Open(ctx, o.audioFormat)
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues("asr", "connect_failed").Inc()
		o.emit(ctx, outbound, protocol.ErrorEvent{
			Type:    protocol.TypeError,
			Message: "could not open speech recognition",
			Err:     "asr_error: " + err.Error(),
		})
		return nil, nil, nil, fmt.Errorf("open recognizer: %w", err)
	}

	sess := o.registry.Create(m.UserID, chatID, m.VoiceName)
	o.metrics.ActiveSessions.Set(float64(o.registry.ActiveCount()))
	o.metrics.SessionEvents.WithLabelValues("created").Inc()

	st := &connState{
		sessionID: sess.ID,
		userID:    m.UserID,
		chatID:    chatID,
		profile:   profile,
		history:   msgs,
	}
	st.active.Store(true)

	voiceName := profile.Name
	if voiceName == "" {
		voiceName = m.VoiceName
	}
	o.emit(ctx, outbound, protocol.Started{Type: protocol.TypeStarted, ChatID: chatID, VoiceName: voiceName})
	return st, stream, events, nil
}

func (o *Orchestrator) handleAudio(ctx context.Context, st *connState, stream RecognizerStream, m protocol.AudioFrame, outbound chan<- any) {
	if st == nil || stream == nil {
		log.Printf("[voice] dropping audio frame: no recognizer open")
		o.metrics.SessionEvents.WithLabelValues("frame_dropped").Inc()
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		o.send(ctx, st, outbound, protocol.ErrorEvent{
			Type:    protocol.TypeError,
			Message: "invalid audio frame",
			Err:     "protocol_error: " + err.Error(),
		})
		return
	}

	o.metrics.AudioFrames.Inc()
	_ = o.registry.AddFrames(st.sessionID, 1)

	if err := stream.SendAudio(ctx, pcm); err != nil {
		o.metrics.ProviderErrors.WithLabelValues("asr", "send_failed").Inc()
		o.send(ctx, st, outbound, protocol.ErrorEvent{
			Type:    protocol.TypeError,
			Message: "could not forward audio",
			Err:     "asr_error: " + err.Error(),
		})
	}
}

// processTurn runs one user turn end to end: persist and announce the user
// text, request a completion, persist and announce the reply, then relay the
// synthesized audio. Any failure is recoverable; the session stays listening
// for the next turn. turnInFlight is released on every exit path.
func (o *Orchestrator) processTurn(ctx context.Context, st *connState, text string, outbound chan<- any) {
	defer st.turnInFlight.Store(false)
	start := time.Now()

	userMsg := history.Message{
		ID:        uuid.NewString(),
		ChatID:    st.chatID,
		UserID:    st.userID,
		Role:      history.RoleUser,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	st.history = append(st.history, userMsg)
	if err := o.historyStore.Append(ctx, userMsg); err != nil {
		o.sendError(ctx, st, outbound, "could not save your message", "history_failed", err)
		return
	}
	o.send(ctx, st, outbound, protocol.UserMessage{Type: protocol.TypeUserMessage, Text: text})

	reply, err := o.brain.Complete(ctx, llm.Request{
		SystemPrompt: st.profile.SystemPrompt,
		History:      st.history,
	})
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues("llm", "completion_failed").Inc()
		o.sendError(ctx, st, outbound, "the guide could not respond", "llm_failed", err)
		return
	}
	o.metrics.ObserveTurnLatency(time.Since(start))

	assistantMsg := history.Message{
		ID:        uuid.NewString(),
		ChatID:    st.chatID,
		UserID:    st.userID,
		Role:      history.RoleAssistant,
		Text:      reply,
		CreatedAt: time.Now().UTC(),
	}
	st.history = append(st.history, assistantMsg)
	if err := o.historyStore.Append(ctx, assistantMsg); err != nil {
		o.sendError(ctx, st, outbound, "could not save the response", "history_failed", err)
		return
	}
	o.send(ctx, st, outbound, protocol.AIResponse{Type: protocol.TypeAIResponse, Text: reply})

	o.relaySynthesis(ctx, st, reply, outbound)
}

// relaySynthesis streams synthesized audio to the client, numbering chunks
// from 1. The session's active flag is checked before every chunk so a
// concurrent teardown stops the stream without an explicit cancel call.
func (o *Orchestrator) relaySynthesis(ctx context.Context, st *connState, text string, outbound chan<- any) {
	if !st.active.Load() {
		return
	}
	synthCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := o.synthesizer.Synthesize(synthCtx, text, st.profile)
	if err != nil {
		o.metrics.ProviderErrors.WithLabelValues("tts", "request_failed").Inc()
		o.sendError(ctx, st, outbound, "voice synthesis failed", "tts_failed", err)
		return
	}

	seq := 0
	stall := time.NewTimer(streamReadTimeout)
	defer stall.Stop()
	for {
		if !stall.Stop() {
			select {
			case <-stall.C:
			default:
			}
		}
		stall.Reset(streamReadTimeout)

		select {
		case <-ctx.Done():
			return
		case <-stall.C:
			o.metrics.ProviderErrors.WithLabelValues("tts", "stalled").Inc()
			o.sendError(ctx, st, outbound, "voice synthesis stalled", "tts_failed", errors.New("stream read timeout"))
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Type {
			case SynthEventAudio:
				if !st.active.Load() {
					return
				}
				seq++
				o.send(ctx, st, outbound, protocol.AudioChunk{
					Type:       protocol.TypeAudioChunk,
					Audio:      base64.StdEncoding.EncodeToString(evt.Audio),
					ChunkIndex: seq,
				})
			case SynthEventFinal:
				o.send(ctx, st, outbound, protocol.AudioComplete{Type: protocol.TypeAudioComplete, TotalChunks: seq})
				return
			case SynthEventError:
				o.metrics.ProviderErrors.WithLabelValues("tts", evt.Code).Inc()
				o.sendError(ctx, st, outbound, "voice synthesis failed", "tts_failed", errors.New(evt.Detail))
				return
			}
		}
	}
}

// send delivers a message only while the session is active; events for a
// closed session are discarded.
func (o *Orchestrator) send(ctx context.Context, st *connState, outbound chan<- any, msg any) {
	if st == nil || !st.active.Load() {
		return
	}
	o.emit(ctx, outbound, msg)
}

func (o *Orchestrator) emit(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) sendError(ctx context.Context, st *connState, outbound chan<- any, message, category string, err error) {
	o.metrics.SessionEvents.WithLabelValues(category).Inc()
	o.send(ctx, st, outbound, protocol.ErrorEvent{
		Type:    protocol.TypeError,
		Message: message,
		Err:     fmt.Sprintf("%s: %v", category, err),
	})
}
