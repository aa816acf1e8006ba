package realtime

import (
	"strings"
	"time"

	appconfig "github.com/saker-ai/voice-relay/internal/config"
)

// CloseSessionTool is the tool the model calls to end the conversation.
const CloseSessionTool = "close_session"

// Config describes how to reach the upstream service.
type Config struct {
	URL            string
	APIKey         string
	Model          string
	ConnectTimeout time.Duration
	Session        SessionConfig
}

// SessionConfig is the session.update payload.
type SessionConfig struct {
	Model                   string         `json:"model,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	Modalities              []string       `json:"modalities,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Tools                   []Tool         `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
	MaxResponseOutputTokens int            `json:"max_response_output_tokens,omitempty"`
}

// Transcription selects the input transcription model.
type Transcription struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// Tool is a function declaration offered to the model.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// Item is a conversation item for conversation.item.create.
type Item struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

// ContentPart is one piece of item content.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

func closeSessionTool() Tool {
	return Tool{
		Type:        "function",
		Name:        CloseSessionTool,
		Description: "Closes the current connection and ends the session",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
			"required":   []string{},
		},
	}
}

// ConfigFrom builds the client config. The close_session tool is always declared.
func ConfigFrom(cfg appconfig.RealtimeConfig) Config {
	session := SessionConfig{
		Model:                   cfg.Model,
		Voice:                   cfg.Voice,
		Instructions:            strings.TrimSpace(cfg.Instructions),
		InputAudioFormat:        cfg.InputAudioFormat,
		OutputAudioFormat:       cfg.OutputAudioFormat,
		Modalities:              append([]string(nil), cfg.Modalities...),
		ToolChoice:              cfg.ToolChoice,
		Temperature:             cfg.Temperature,
		MaxResponseOutputTokens: cfg.MaxResponseOutputTokens,
	}
	if cfg.TranscriptionModel != "" {
		session.InputAudioTranscription = &Transcription{Model: cfg.TranscriptionModel}
	}
	if cfg.TurnDetection.Type != "" {
		session.TurnDetection = &TurnDetection{
			Type:              cfg.TurnDetection.Type,
			Threshold:         cfg.TurnDetection.Threshold,
			PrefixPaddingMs:   cfg.TurnDetection.PrefixPaddingMs,
			SilenceDurationMs: cfg.TurnDetection.SilenceDurationMs,
		}
	}

	session.Tools = []Tool{closeSessionTool()}
	for _, tool := range cfg.Tools {
		if tool.Name == CloseSessionTool {
			continue
		}
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		session.Tools = append(session.Tools, Tool{
			Type:        tool.Type,
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
		})
	}

	return Config{
		URL:            cfg.URL,
		APIKey:         cfg.APIKey,
		Model:          cfg.Model,
		ConnectTimeout: cfg.ConnectTimeout,
		Session:        session,
	}
}
