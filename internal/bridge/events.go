package bridge

import (
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/protocol"
	"github.com/saker-ai/voice-relay/internal/realtime"
	"github.com/saker-ai/voice-relay/internal/session/fsm"
)

// HandleEvent maps one upstream event onto client messages.
func (b *Bridge) HandleEvent(ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.Connected:
		b.logger.Info("upstream link ready")
	case realtime.Disconnected:
		b.onUpstreamDisconnected(e)
	case realtime.SessionCreated:
		b.logger.Info("upstream session created", zap.String("session_id", e.Session.ID))
	case realtime.SessionUpdated:
		b.logger.Info("upstream session updated", zap.String("session_id", e.Session.ID))
	case realtime.SpeechStarted:
		b.notifySpeech("started")
	case realtime.SpeechStopped:
		b.notifySpeech("stopped")
	case realtime.AudioDelta:
		b.onAudioDelta(e)
	case realtime.TextDelta:
		b.sender.Multicast(b.ActiveIDs(), protocol.Message{Type: protocol.TypeAITextResponse, Data: e.Delta})
	case realtime.ResponseDone:
		b.logger.Info("upstream response done",
			zap.String("response_id", e.Response.ID),
			zap.String("status", e.Response.Status),
			zap.ByteString("usage", e.Response.Usage),
		)
	case realtime.FunctionCallDone:
		b.onFunctionCall(e)
	case realtime.ServerError:
		b.logger.Warn("upstream error",
			zap.String("code", e.Error.Code),
			zap.String("message", e.Error.Message),
		)
		b.sender.Multicast(b.LiveIDs(), protocol.Error(upstreamErrorText(e.Error)))
	case realtime.TranscriptionFailed:
		b.logger.Warn("input transcription failed",
			zap.String("item_id", e.ItemID),
			zap.String("message", e.Error.Message),
		)
	case realtime.TranscriptionCompleted:
		b.logger.Debug("input transcription", zap.String("item_id", e.ItemID), zap.Int("chars", len(e.Transcript)))
	case realtime.Unknown:
		b.logger.Debug("upstream event passthrough", zap.String("event_type", e.Type))
		b.sender.Multicast(b.ActiveIDs(), protocol.Message{Type: protocol.TypeAIEvent, Data: e.Raw})
	case realtime.AudioBufferCommitted, realtime.ItemCreated, realtime.ResponseCreated,
		realtime.OutputItemAdded, realtime.ContentPartAdded, realtime.AudioDone, realtime.TextDone:
		b.logger.Debug("upstream event", zap.String("event_type", ev.EventType()))
	default:
		b.logger.Debug("upstream event ignored", zap.String("event_type", ev.EventType()))
	}
}

func (b *Bridge) notifySpeech(status string) {
	b.sender.Multicast(b.ActiveIDs(), protocol.Message{
		Type: protocol.TypeSpeechDetected,
		Data: map[string]string{"status": status},
	})
}

func (b *Bridge) onAudioDelta(e realtime.AudioDelta) {
	pcm, err := e.PCM()
	if err != nil {
		b.logger.Warn("audio delta decode failed", zap.Error(err))
		return
	}
	if len(pcm) == 0 {
		return
	}
	b.sender.MulticastBinary(b.ActiveIDs(), pcm, protocol.Message{
		DataType:   protocol.DataTypeAudio,
		Format:     "pcm16",
		SampleRate: b.opts.OutputSampleRate,
	})
}

func (b *Bridge) onFunctionCall(e realtime.FunctionCallDone) {
	if e.Name != realtime.CloseSessionTool {
		b.logger.Info("upstream tool call", zap.String("name", e.Name), zap.String("call_id", e.CallID))
		return
	}
	b.logger.Info("close_session requested by ai")

	closed := 0
	for _, id := range b.ActiveIDs() {
		m, ok := b.lookup(id)
		if !ok || m.BeginClosing() != nil {
			continue
		}
		closed++
		b.sender.Post(id, protocol.Message{
			Type: protocol.TypeAISessionClosing,
			Data: map[string]string{"reason": "Tool call `close_session` initiated."},
		})
		_ = m.Finish()
		b.sender.Post(id, protocol.Message{
			Type: protocol.TypeAISessionStopped,
			Data: map[string]string{"status": "disconnected"},
		})
	}
	if closed == 0 {
		return
	}
	if b.opts.CloseDelay <= 0 {
		b.releaseUpstream()
		return
	}
	time.AfterFunc(b.opts.CloseDelay, b.releaseUpstream)
}

// onUpstreamDisconnected resets every live session after an unexpected link
// loss. No reconnect is attempted; clients start a new session explicitly.
func (b *Bridge) onUpstreamDisconnected(e realtime.Disconnected) {
	if e.Requested {
		return
	}
	for _, id := range b.LiveIDs() {
		m, ok := b.lookup(id)
		if !ok {
			continue
		}
		if from := m.Reset(); from == fsm.StateInactive {
			continue
		}
		b.sender.Post(id, protocol.Error("AI service disconnected"))
		b.sender.Post(id, protocol.Message{
			Type: protocol.TypeAISessionStopped,
			Data: map[string]string{"status": "disconnected"},
		})
	}
}

func upstreamErrorText(info realtime.ErrorInfo) string {
	if info.Message != "" {
		return info.Message
	}
	if info.Code != "" {
		return info.Code
	}
	return "AI service error"
}
