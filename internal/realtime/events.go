package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// Upstream event types.
const (
	EventSessionCreated         = "session.created"
	EventSessionUpdated         = "session.updated"
	EventAudioBufferCommitted   = "input_audio_buffer.committed"
	EventSpeechStarted          = "input_audio_buffer.speech_started"
	EventSpeechStopped          = "input_audio_buffer.speech_stopped"
	EventItemCreated            = "conversation.item.created"
	EventTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"
	EventResponseCreated        = "response.created"
	EventOutputItemAdded        = "response.output_item.added"
	EventContentPartAdded       = "response.content_part.added"
	EventAudioDelta             = "response.audio.delta"
	EventAudioDone              = "response.audio.done"
	EventTextDelta              = "response.text.delta"
	EventTextDone               = "response.text.done"
	EventResponseDone           = "response.done"
	EventFunctionCallDone       = "response.function_call_arguments.done"
	EventError                  = "error"

	// Local lifecycle events emitted by the client itself.
	EventConnected    = "relay.connected"
	EventDisconnected = "relay.disconnected"
)

// Event is a decoded upstream event.
type Event interface {
	EventType() string
}

// SessionInfo is the session object in session events.
type SessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	Voice string `json:"voice"`
}

// ItemInfo is the item object in conversation events.
type ItemInfo struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Role   string `json:"role"`
	Status string `json:"status"`
	Name   string `json:"name,omitempty"`
}

// ResponseInfo is the response object in response events.
type ResponseInfo struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Usage  json.RawMessage `json:"usage,omitempty"`
}

// ErrorInfo describes an upstream failure.
type ErrorInfo struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// SessionCreated is the first event on a new link.
type SessionCreated struct {
	EventID string      `json:"event_id"`
	Session SessionInfo `json:"session"`
}

func (SessionCreated) EventType() string { return EventSessionCreated }

// SessionUpdated acknowledges a session.update.
type SessionUpdated struct {
	EventID string      `json:"event_id"`
	Session SessionInfo `json:"session"`
}

func (SessionUpdated) EventType() string { return EventSessionUpdated }

// AudioBufferCommitted reports that buffered input audio became a user item.
type AudioBufferCommitted struct {
	EventID        string `json:"event_id"`
	ItemID         string `json:"item_id"`
	PreviousItemID string `json:"previous_item_id"`
}

func (AudioBufferCommitted) EventType() string { return EventAudioBufferCommitted }

// SpeechStarted reports that voice activity detection heard the user begin speaking.
type SpeechStarted struct {
	EventID      string `json:"event_id"`
	ItemID       string `json:"item_id"`
	AudioStartMs int    `json:"audio_start_ms"`
}

func (SpeechStarted) EventType() string { return EventSpeechStarted }

// SpeechStopped reports the end of user speech.
type SpeechStopped struct {
	EventID    string `json:"event_id"`
	ItemID     string `json:"item_id"`
	AudioEndMs int    `json:"audio_end_ms"`
}

func (SpeechStopped) EventType() string { return EventSpeechStopped }

// ItemCreated reports a new conversation item.
type ItemCreated struct {
	EventID        string   `json:"event_id"`
	PreviousItemID string   `json:"previous_item_id"`
	Item           ItemInfo `json:"item"`
}

func (ItemCreated) EventType() string { return EventItemCreated }

// TranscriptionCompleted carries the transcript of a user audio item.
type TranscriptionCompleted struct {
	EventID      string `json:"event_id"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	Transcript   string `json:"transcript"`
}

func (TranscriptionCompleted) EventType() string { return EventTranscriptionCompleted }

// TranscriptionFailed reports that a user audio item could not be transcribed.
type TranscriptionFailed struct {
	EventID      string    `json:"event_id"`
	ItemID       string    `json:"item_id"`
	ContentIndex int       `json:"content_index"`
	Error        ErrorInfo `json:"error"`
}

func (TranscriptionFailed) EventType() string { return EventTranscriptionFailed }

// ResponseCreated reports that the model started a response.
type ResponseCreated struct {
	EventID  string       `json:"event_id"`
	Response ResponseInfo `json:"response"`
}

func (ResponseCreated) EventType() string { return EventResponseCreated }

// OutputItemAdded reports a new item in a response.
type OutputItemAdded struct {
	EventID     string   `json:"event_id"`
	ResponseID  string   `json:"response_id"`
	OutputIndex int      `json:"output_index"`
	Item        ItemInfo `json:"item"`
}

func (OutputItemAdded) EventType() string { return EventOutputItemAdded }

// ContentPartAdded reports a new content part in a response item.
type ContentPartAdded struct {
	EventID      string      `json:"event_id"`
	ResponseID   string      `json:"response_id"`
	ItemID       string      `json:"item_id"`
	ContentIndex int         `json:"content_index"`
	Part         ContentPart `json:"part"`
}

func (ContentPartAdded) EventType() string { return EventContentPartAdded }

// AudioDelta carries a base64 PCM16 chunk of the model's spoken reply.
type AudioDelta struct {
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

func (AudioDelta) EventType() string { return EventAudioDelta }

// PCM decodes the delta.
func (e AudioDelta) PCM() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Delta)
}

// AudioDone marks the end of a response's audio.
type AudioDone struct {
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
}

func (AudioDone) EventType() string { return EventAudioDone }

// TextDelta carries an increment of the model's text or transcript.
type TextDelta struct {
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

func (TextDelta) EventType() string { return EventTextDelta }

// TextDone carries the final text of a response part.
type TextDone struct {
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Text       string `json:"text"`
}

func (TextDone) EventType() string { return EventTextDone }

// ResponseDone reports that a response finished.
type ResponseDone struct {
	EventID  string       `json:"event_id"`
	Response ResponseInfo `json:"response"`
}

func (ResponseDone) EventType() string { return EventResponseDone }

// FunctionCallDone reports a completed tool call.
type FunctionCallDone struct {
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
}

func (FunctionCallDone) EventType() string { return EventFunctionCallDone }

// ServerError is an error reported by the upstream service.
type ServerError struct {
	EventID string    `json:"event_id"`
	Error   ErrorInfo `json:"error"`
}

func (ServerError) EventType() string { return EventError }

// Unknown is any event without a dedicated type. Raw is the full payload.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (e Unknown) EventType() string { return e.Type }

// Connected is emitted once the link is up and the session was configured.
type Connected struct{}

func (Connected) EventType() string { return EventConnected }

// Disconnected is emitted when the link goes away. Requested is true when the
// local side asked for it; otherwise Err holds the read failure.
type Disconnected struct {
	Err       error
	Requested bool
}

func (Disconnected) EventType() string { return EventDisconnected }

var errMissingEventType = errors.New("upstream event without type")

var decoders = map[string]func([]byte) (Event, error){
	EventSessionCreated:         decodeAs[SessionCreated],
	EventSessionUpdated:         decodeAs[SessionUpdated],
	EventAudioBufferCommitted:   decodeAs[AudioBufferCommitted],
	EventSpeechStarted:          decodeAs[SpeechStarted],
	EventSpeechStopped:          decodeAs[SpeechStopped],
	EventItemCreated:            decodeAs[ItemCreated],
	EventTranscriptionCompleted: decodeAs[TranscriptionCompleted],
	EventTranscriptionFailed:    decodeAs[TranscriptionFailed],
	EventResponseCreated:        decodeAs[ResponseCreated],
	EventOutputItemAdded:        decodeAs[OutputItemAdded],
	EventContentPartAdded:       decodeAs[ContentPartAdded],
	EventAudioDelta:             decodeAs[AudioDelta],
	EventAudioDone:              decodeAs[AudioDone],
	EventTextDelta:              decodeAs[TextDelta],
	EventTextDone:               decodeAs[TextDone],
	EventResponseDone:           decodeAs[ResponseDone],
	EventFunctionCallDone:       decodeAs[FunctionCallDone],
	EventError:                  decodeAs[ServerError],
}

func decodeAs[T Event](data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Decode parses one upstream event. Types without a dedicated struct decode
// to Unknown.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	if head.Type == "" {
		return nil, errMissingEventType
	}
	if decode, ok := decoders[head.Type]; ok {
		return decode(data)
	}
	return Unknown{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}
