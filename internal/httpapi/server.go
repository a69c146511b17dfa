package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/sattvalabs/vaani/internal/observability"
	"github.com/sattvalabs/vaani/internal/protocol"
	"github.com/sattvalabs/vaani/internal/session"
	"github.com/sattvalabs/vaani/internal/voice"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsReadTimeout   = 120 * time.Second
	wsPingInterval  = 30 * time.Second
	maxMessageBytes = 1 << 20
)

// Server exposes the voice websocket plus health, readiness, metrics and a
// session lookup endpoint.
type Server struct {
	orch     *voice.Orchestrator
	registry *session.Registry
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(bindAddr string, allowAnyOrigin bool, orch *voice.Orchestrator, registry *session.Registry, metrics *observability.Metrics) *Server {
	s := &Server{
		orch:     orch,
		registry: registry,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if allowAnyOrigin {
		s.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", observability.MetricsHandler())
	r.Get("/v1/voice/ws", s.handleVoiceWS)
	r.Get("/v1/sessions/{userID}", s.handleSessionLookup)

	s.httpSrv = &http.Server{
		Addr:         bindAddr,
		Handler:      r,
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
		IdleTimeout:  90 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("[http] listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.registry.ActiveCount(),
	})
}

func (s *Server) handleSessionLookup(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	sess, err := s.registry.FindByUser(userID)
	if errors.Is(err, session.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active session"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleVoiceWS upgrades the connection and bridges it onto the orchestrator:
// a read loop parses client messages into the inbound channel and a write
// loop serializes orchestrator events from the outbound channel.
func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 32)
	outbound := make(chan any, 64)

	go s.readLoop(ctx, cancel, conn, inbound, outbound)

	writerDone := make(chan struct{})
	go s.writeLoop(ctx, conn, outbound, writerDone)

	if err := s.orch.RunConnection(ctx, inbound, outbound); err != nil {
		log.Printf("[ws] session ended with error: %v", err)
	}

	cancel()
	<-writerDone
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, inbound chan<- any, outbound chan<- any) {
	defer cancel()
	defer close(inbound)
	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.WSMessages.WithLabelValues("in", "invalid").Inc()
			evt := protocol.ErrorEvent{
				Type:    protocol.TypeError,
				Message: "invalid message",
				Err:     "protocol_error: " + err.Error(),
			}
			select {
			case outbound <- evt:
			case <-ctx.Done():
				return
			}
			continue
		}
		s.metrics.WSMessages.WithLabelValues("in", messageName(msg)).Inc()
		select {
		case inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop serializes events onto the websocket. On shutdown it flushes
// whatever is already queued so the final stopped event reaches the client.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan any, done chan<- struct{}) {
	defer close(done)

	write := func(msg any) bool {
		data, err := json.Marshal(msg)
		if err != nil {
			log.Printf("[ws] marshal outbound event: %v", err)
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return false
		}
		s.metrics.WSMessages.WithLabelValues("out", messageName(msg)).Inc()
		return true
	}

	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	for {
		select {
		case msg := <-outbound:
			if !write(msg) {
				return
			}
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			for {
				select {
				case msg := <-outbound:
					if !write(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func messageName(msg any) string {
	switch msg.(type) {
	case protocol.StartCommand:
		return string(protocol.TypeStart)
	case protocol.AudioFrame:
		return string(protocol.TypeAudio)
	case protocol.StopCommand:
		return string(protocol.TypeStop)
	case protocol.Started:
		return string(protocol.TypeStarted)
	case protocol.Transcript:
		return string(protocol.TypeTranscript)
	case protocol.UserMessage:
		return string(protocol.TypeUserMessage)
	case protocol.AIResponse:
		return string(protocol.TypeAIResponse)
	case protocol.AudioChunk:
		return string(protocol.TypeAudioChunk)
	case protocol.AudioComplete:
		return string(protocol.TypeAudioComplete)
	case protocol.ErrorEvent:
		return string(protocol.TypeError)
	case protocol.Stopped:
		return string(protocol.TypeStopped)
	default:
		return "unknown"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
