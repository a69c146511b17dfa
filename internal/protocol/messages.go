package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client -> server.
	TypeStart MessageType = "start"
	TypeAudio MessageType = "audio"
	TypeStop  MessageType = "stop"

	// Server -> client.
	TypeStarted       MessageType = "started"
	TypeTranscript    MessageType = "transcript"
	TypeUserMessage   MessageType = "user_message"
	TypeAIResponse    MessageType = "ai_response"
	TypeAudioChunk    MessageType = "audio_chunk"
	TypeAudioComplete MessageType = "audio_complete"
	TypeError         MessageType = "error"
	TypeStopped       MessageType = "stopped"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// StartCommand begins a session: resolve the persona, load history, open ASR.
type StartCommand struct {
	Type      MessageType `json:"type"`
	ChatID    string      `json:"chatId"`
	UserID    string      `json:"userId"`
	VoiceName string      `json:"voiceName"`
}

// AudioFrame carries one base64-encoded PCM frame from the client microphone.
type AudioFrame struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type StopCommand struct {
	Type MessageType `json:"type"`
}

type Started struct {
	Type      MessageType `json:"type"`
	ChatID    string      `json:"chatId"`
	VoiceName string      `json:"voiceName"`
}

// Transcript is a partial or final recognition hypothesis for display.
type Transcript struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"isFinal"`
}

// UserMessage is a finalized user turn committed to history.
type UserMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type AIResponse struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// AudioChunk is one synthesized audio chunk; ChunkIndex starts at 1 and is
// strictly increasing within a turn.
type AudioChunk struct {
	Type       MessageType `json:"type"`
	Audio      string      `json:"audio"`
	ChunkIndex int         `json:"chunkIndex"`
}

type AudioComplete struct {
	Type        MessageType `json:"type"`
	TotalChunks int         `json:"totalChunks"`
}

// ErrorEvent reports a recoverable or fatal session error. Message is the
// human-readable text; Err is the category/detail pair.
type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
	Err     string      `json:"error"`
}

type Stopped struct {
	Type MessageType `json:"type"`
}

// ParseClientMessage decodes one inbound websocket message into its typed
// form. Unknown types and missing required fields are rejected.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStart:
		var msg StartCommand
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.UserID == "" {
			return nil, errors.New("start requires userId")
		}
		return msg, nil
	case TypeAudio:
		var msg AudioFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Audio == "" {
			return nil, errors.New("audio frame is empty")
		}
		return msg, nil
	case TypeStop:
		return StopCommand{Type: TypeStop}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
