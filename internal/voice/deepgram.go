package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

type DeepgramConfig struct {
	APIKey    string
	WSBaseURL string
	Model     string
	Language  string
}

// DeepgramRecognizer wraps the Deepgram realtime listen websocket.
type DeepgramRecognizer struct {
	cfg DeepgramConfig
}

func NewDeepgramRecognizer(cfg DeepgramConfig) *DeepgramRecognizer {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "nova-2"
	}
	if strings.TrimSpace(cfg.Language) == "" {
		cfg.Language = "en"
	}
	return &DeepgramRecognizer{cfg: cfg}
}

func (r *DeepgramRecognizer) Open(ctx context.Context, format AudioFormat) (RecognizerStream, <-chan RecognizerEvent, error) {
	u, err := url.Parse(strings.TrimRight(r.cfg.WSBaseURL, "/") + "/v1/listen")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model", r.cfg.Model)
	q.Set("language", r.cfg.Language)
	q.Set("encoding", format.Encoding)
	q.Set("sample_rate", strconv.Itoa(format.SampleRate))
	q.Set("channels", strconv.Itoa(format.Channels))
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	// Ask the recognizer for its own end-of-speech signal; the session still
	// keeps a local silence timer as the fallback boundary.
	q.Set("utterance_end_ms", "1000")
	q.Set("vad_events", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial asr websocket: %w", err)
	}

	events := make(chan RecognizerEvent, 256)
	s := &deepgramStream{conn: conn, events: events}
	go s.readLoop()
	return s, events, nil
}

type deepgramStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan RecognizerEvent
}

func (s *deepgramStream) SendAudio(_ context.Context, pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

type deepgramResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// readLoop is the only sender on events and closes it when the vendor
// connection ends.
func (s *deepgramStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var res deepgramResult
		if err := json.Unmarshal(data, &res); err != nil {
			continue
		}
		switch res.Type {
		case "Results":
			if len(res.Channel.Alternatives) == 0 {
				continue
			}
			alt := res.Channel.Alternatives[0]
			if strings.TrimSpace(alt.Transcript) == "" {
				continue
			}
			evtType := RecognizerEventPartial
			if res.IsFinal {
				evtType = RecognizerEventFinal
			}
			s.events <- RecognizerEvent{Type: evtType, Text: alt.Transcript, Confidence: alt.Confidence}
		case "UtteranceEnd":
			s.events <- RecognizerEvent{Type: RecognizerEventUtteranceEnd}
		case "Metadata", "SpeechStarted":
			// control events, nothing to forward
		case "Error":
			detail := res.Description
			if detail == "" {
				detail = res.Message
			}
			s.events <- RecognizerEvent{Type: RecognizerEventError, Code: "asr_error", Detail: detail}
		}
	}
}

func (s *deepgramStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
	})
	return retErr
}
