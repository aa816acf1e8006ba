package protocol

import (
	"encoding/json"
	"time"
)

// Type tags a client-facing control message.
type Type string

// Inbound message types.
const (
	TypeText              Type = "text"
	TypeBinary            Type = "binary"
	TypeBinaryMetadata    Type = "binary_metadata"
	TypeAudioDataMetadata Type = "audio_data_metadata"
	TypeAudioData         Type = "audio_data"
	TypeStartAISession    Type = "start_ai_session"
	TypeStopAISession     Type = "stop_ai_session"
	TypeRequestTestAudio  Type = "request_test_audio"
)

// Outbound message types.
const (
	TypeConnected        Type = "connected"
	TypeEcho             Type = "echo"
	TypeError            Type = "error"
	TypeAITextResponse   Type = "ai_text_response"
	TypeSpeechDetected   Type = "speech_detected"
	TypeAISessionStarted Type = "ai_session_started"
	TypeAISessionStopped Type = "ai_session_stopped"
	TypeAISessionClosing Type = "ai_session_closing"
	// TypeAIEvent carries upstream events the relay has no dedicated mapping for.
	TypeAIEvent Type = "ai_event"
)

// DataTypeAudio is the dataType tag for PCM audio transfers.
const DataTypeAudio = "audio"

// Message is the JSON control message exchanged with browser clients.
// It intentionally keeps the camelCase field names the web client uses.
type Message struct {
	Type             Type       `json:"type"`
	Data             any        `json:"data,omitempty"`
	Message          string     `json:"message,omitempty"`
	DataType         string     `json:"dataType,omitempty"`
	Size             int        `json:"size,omitempty"`
	Format           string     `json:"format,omitempty"`
	SampleRate       int        `json:"sampleRate,omitempty"`
	ConnectionID     string     `json:"connectionId,omitempty"`
	FromConnectionID string     `json:"fromConnectionId,omitempty"`
	ToConnectionID   string     `json:"toConnectionId,omitempty"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
}

// IsBinaryMetadata reports whether m announces a following binary payload.
func (m Message) IsBinaryMetadata() bool {
	return m.Type == TypeBinaryMetadata || m.Type == TypeAudioDataMetadata
}

// Parse decodes a control message. A payload without a type is rejected.
func Parse(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}

// Error builds an error message for a client.
func Error(text string) Message {
	return Message{Type: TypeError, Message: text, Data: text}
}
