package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/dispatch"
	"github.com/saker-ai/voice-relay/internal/protocol"
	"github.com/saker-ai/voice-relay/internal/session/fsm"
)

type inboundHandler func(context.Context, dispatch.Context) error

var errUnsupportedAudio = errors.New("unsupported audio_data payload")

func (b *Bridge) inboundHandlers() map[protocol.Type]inboundHandler {
	return map[protocol.Type]inboundHandler{
		protocol.TypeStartAISession:    b.onStartSession,
		protocol.TypeStopAISession:     b.onStopSession,
		protocol.TypeAudioData:         b.onAudioData,
		protocol.TypeBinary:            b.onBinary,
		protocol.TypeBinaryMetadata:    b.onMetadata,
		protocol.TypeAudioDataMetadata: b.onMetadata,
		protocol.TypeRequestTestAudio:  b.onTestAudio,
		protocol.TypeText:              b.onText,
	}
}

// HandleMessage is the dispatcher entry point for client messages.
func (b *Bridge) HandleMessage(ctx context.Context, in dispatch.Context) error {
	if handler, ok := b.handlers[in.Message.Type]; ok {
		return handler(ctx, in)
	}
	b.logger.Debug("unknown message type",
		zap.String("connection_id", in.ConnectionID),
		zap.String("type", string(in.Message.Type)),
	)
	b.sender.Send(in.ConnectionID, protocol.Message{Type: protocol.TypeEcho, Data: in.Message})
	b.sender.Send(in.ConnectionID, protocol.Error(fmt.Sprintf("Unknown message type: %s", in.Message.Type)))
	return nil
}

func (b *Bridge) onStartSession(ctx context.Context, in dispatch.Context) error {
	id := in.ConnectionID
	m := b.machine(id)
	if err := m.Start(); err != nil {
		switch m.State() {
		case fsm.StateActive:
			b.sendStarted(id)
		case fsm.StateStarting:
			b.logger.Debug("ai session already starting", zap.String("connection_id", id))
		default:
			b.sender.Send(id, protocol.Error("AI session is closing"))
		}
		return nil
	}
	b.logger.Info("starting ai session", zap.String("connection_id", id))

	if err := b.connectSession(ctx, m); err != nil {
		if errors.Is(err, fsm.ErrInvalidTransition) {
			b.logger.Debug("ai session left starting during connect",
				zap.String("connection_id", id),
				zap.String("state", string(m.State())),
			)
			b.releaseUpstream()
			return nil
		}
		b.logger.Warn("ai session start failed", zap.String("connection_id", id), zap.Error(err))
		if m.Fail() == nil {
			b.sender.Send(id, protocol.Error("Failed to start AI session"))
		}
		return nil
	}
	b.sendStarted(id)
	return nil
}

// connectSession brings the upstream link up and activates m while holding
// linkMu, so no release can run between the two.
func (b *Bridge) connectSession(ctx context.Context, m *fsm.Machine) error {
	b.linkMu.Lock()
	defer b.linkMu.Unlock()

	// The dial outlives a cancelled inbound context; only the timeout bounds it.
	connectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.ConnectTimeout)
	defer cancel()
	if err := b.upstream.Connect(connectCtx); err != nil {
		return err
	}
	return m.Activate()
}

func (b *Bridge) sendStarted(id string) {
	b.sender.Send(id, protocol.Message{
		Type: protocol.TypeAISessionStarted,
		Data: map[string]string{"status": "connected"},
	})
}

func (b *Bridge) onStopSession(_ context.Context, in dispatch.Context) error {
	id := in.ConnectionID
	if m, ok := b.lookup(id); ok {
		if err := m.Stop(); err == nil {
			b.logger.Info("ai session stopped", zap.String("connection_id", id))
		}
	}
	b.sender.Send(id, protocol.Message{
		Type: protocol.TypeAISessionStopped,
		Data: map[string]string{"status": "disconnected"},
	})
	b.releaseUpstream()
	return nil
}

func (b *Bridge) onAudioData(ctx context.Context, in dispatch.Context) error {
	pcm := in.Binary
	if pcm == nil {
		decoded, err := audioPayload(in.Message.Data)
		if err != nil {
			return err
		}
		pcm = decoded
	}
	b.forwardAudio(ctx, in.ConnectionID, pcm)
	return nil
}

func (b *Bridge) onBinary(ctx context.Context, in dispatch.Context) error {
	if len(in.Binary) == 0 {
		return nil
	}
	b.forwardAudio(ctx, in.ConnectionID, in.Binary)
	return nil
}

// forwardAudio sends pcm upstream only for an active session on a live link.
// Everything else is dropped without telling the client.
func (b *Bridge) forwardAudio(ctx context.Context, id string, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if b.State(id) != fsm.StateActive {
		b.logger.Debug("audio dropped, ai session not active",
			zap.String("connection_id", id),
			zap.Int("bytes", len(pcm)),
		)
		return
	}
	if !b.upstream.Connected() {
		b.logger.Warn("audio dropped, upstream not connected", zap.String("connection_id", id))
		return
	}
	if err := b.upstream.AppendAudio(ctx, pcm); err != nil {
		b.logger.Warn("append audio failed", zap.String("connection_id", id), zap.Error(err))
		return
	}
	b.logger.Debug("audio forwarded", zap.String("connection_id", id), zap.Int("bytes", len(pcm)))
}

func (b *Bridge) onMetadata(_ context.Context, in dispatch.Context) error {
	b.logger.Debug("expecting binary payload",
		zap.String("connection_id", in.ConnectionID),
		zap.String("data_type", in.Message.DataType),
		zap.Int("bytes", in.Message.Size),
	)
	return nil
}

func (b *Bridge) onTestAudio(_ context.Context, in dispatch.Context) error {
	if b.audio == nil {
		b.sender.Send(in.ConnectionID, protocol.Error("Test audio unavailable"))
		return nil
	}
	pcm, rate, err := b.audio.TestAudio()
	if err != nil {
		b.sender.Send(in.ConnectionID, protocol.Error("Test audio unavailable"))
		return fmt.Errorf("load test audio: %w", err)
	}
	b.sender.SendBinary(in.ConnectionID, pcm, protocol.Message{
		DataType:   protocol.DataTypeAudio,
		Format:     "pcm16",
		SampleRate: rate,
	})
	return nil
}

func (b *Bridge) onText(ctx context.Context, in dispatch.Context) error {
	data := in.Message.Data
	if data == nil {
		return nil
	}
	id := in.ConnectionID

	if b.State(id) == fsm.StateActive && b.upstream.Connected() {
		text, ok := data.(string)
		if !ok {
			raw, err := json.Marshal(data)
			if err != nil {
				return err
			}
			text = string(raw)
		}
		if err := b.upstream.SendText(ctx, text); err != nil {
			b.sender.Send(id, protocol.Error("Failed to send text to AI session"))
			return fmt.Errorf("send text upstream: %w", err)
		}
		return nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	b.sender.Send(id, protocol.Message{Type: protocol.TypeText, Data: "Echo: " + string(raw)})
	return nil
}

func (b *Bridge) lookup(id string) (*fsm.Machine, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.sessions[id]
	return m, ok
}

// audioPayload accepts base64 strings and JSON byte arrays.
func audioPayload(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case string:
		return base64.StdEncoding.DecodeString(v)
	case []any:
		out := make([]byte, len(v))
		for i, item := range v {
			n, ok := item.(float64)
			if !ok || n < 0 || n > 255 {
				return nil, errUnsupportedAudio
			}
			out[i] = byte(n)
		}
		return out, nil
	default:
		return nil, errUnsupportedAudio
	}
}
