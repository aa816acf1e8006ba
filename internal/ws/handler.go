package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/connection"
	"github.com/saker-ai/voice-relay/internal/dispatch"
	"github.com/saker-ai/voice-relay/internal/framing"
	"github.com/saker-ai/voice-relay/internal/logger"
	"github.com/saker-ai/voice-relay/internal/protocol"
)

const welcomeText = "Connected to voice WebSocket"

// Options tunes the client-facing websocket.
type Options struct {
	ReadLimitBytes int64
	WriteTimeout   time.Duration
	// PingInterval enables keepalive pings. A client that misses two
	// intervals of pongs is dropped.
	PingInterval time.Duration
}

// Handler accepts client websockets and feeds their frames to the dispatcher.
type Handler struct {
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	dispatcher *dispatch.Dispatcher
	codec      *framing.Codec
	opts       Options
}

// NewHandler creates a websocket handler.
func NewHandler(dispatcher *dispatch.Dispatcher, codec *framing.Codec, opts Options, log *zap.Logger) *Handler {
	return &Handler{
		logger:     logger.OrNop(log),
		dispatcher: dispatcher,
		codec:      codec,
		opts:       opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handle upgrades the request and serves the connection until it closes.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	if h.opts.ReadLimitBytes > 0 {
		ws.SetReadLimit(h.opts.ReadLimitBytes)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := uuid.NewString()
	transport := newTransport(ws, h.opts.WriteTimeout)
	conn := connection.New(id, transport, map[string]string{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.UserAgent(),
		"origin":      r.Header.Get("Origin"),
	})

	h.dispatcher.Connect(conn)
	h.logger.Info("ws session opened",
		zap.String("connection_id", id),
		zap.String("remote_addr", r.RemoteAddr),
	)
	h.dispatcher.Send(id, protocol.Message{
		Type:         protocol.TypeConnected,
		Message:      welcomeText,
		ConnectionID: id,
	})

	if h.opts.PingInterval > 0 {
		h.keepalive(ctx, ws, transport)
	}

	err = h.readLoop(ctx, id, ws)
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		h.logger.Warn("ws connection error", zap.String("connection_id", id), zap.Error(err))
	} else {
		h.logger.Debug("ws connection closed", zap.String("connection_id", id), zap.Error(err))
	}

	h.codec.Drop(id)
	h.dispatcher.Disconnect(id)
	h.logger.Info("ws session closed", zap.String("connection_id", id))
}

func (h *Handler) keepalive(ctx context.Context, ws *websocket.Conn, transport *wsTransport) {
	wait := 2 * h.opts.PingInterval
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})

	go func() {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := transport.ping(); err != nil {
					h.logger.Debug("ws ping failed", zap.Error(err))
					return
				}
			}
		}
	}()
}

func (h *Handler) readLoop(ctx context.Context, id string, ws *websocket.Conn) error {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		switch msgType {
		case websocket.TextMessage:
			h.handleText(ctx, id, data)
		case websocket.BinaryMessage:
			h.handleBinary(ctx, id, data)
		}
	}
}

func (h *Handler) handleText(ctx context.Context, id string, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		h.logger.Debug("ws invalid message", zap.String("connection_id", id), zap.Error(err))
		h.dispatcher.Send(id, protocol.Error("Invalid message format"))
		return
	}
	h.handleControl(ctx, id, msg)
}

func (h *Handler) handleControl(ctx context.Context, id string, msg protocol.Message) {
	if msg.IsBinaryMetadata() {
		replaced, err := h.codec.Begin(id, framing.Inbound, msg)
		if err != nil {
			h.logger.Warn("binary metadata rejected",
				zap.String("connection_id", id),
				zap.Int("bytes", msg.Size),
				zap.Error(err),
			)
			h.dispatcher.Send(id, protocol.Error(err.Error()))
			return
		}
		if replaced {
			h.logger.Warn("pending binary transfer replaced by new metadata", zap.String("connection_id", id))
		}
	}
	if msg.Type != protocol.TypeAudioData && msg.Type != protocol.TypeBinary {
		h.logger.Debug("ws incoming message",
			zap.String("connection_id", id),
			zap.String("type", string(msg.Type)),
		)
	}
	h.dispatcher.Dispatch(ctx, id, msg, nil)
}

func (h *Handler) handleBinary(ctx context.Context, id string, data []byte) {
	if h.codec.Pending(id, framing.Inbound) {
		_ = h.codec.Deliver(id, framing.Inbound, data, func(result framing.Result) error {
			if result.Overflow > 0 {
				h.logger.Warn("binary transfer overflow",
					zap.String("connection_id", id),
					zap.Int("bytes", result.Overflow),
				)
			}
			h.dispatcher.Dispatch(ctx, id, transferMessage(result), result.Buffer)
			return nil
		})
		return
	}

	// Some clients send control messages in binary frames.
	if msg, err := protocol.Parse(data); err == nil {
		h.handleControl(ctx, id, msg)
		return
	}
	h.logger.Debug("ws unannotated binary", zap.String("connection_id", id), zap.Int("bytes", len(data)))
	h.dispatcher.Dispatch(ctx, id, protocol.Message{Type: protocol.TypeBinary, Size: len(data)}, data)
}

func transferMessage(result framing.Result) protocol.Message {
	msgType := protocol.TypeBinary
	if result.DataType == protocol.DataTypeAudio {
		msgType = protocol.TypeAudioData
	}
	return protocol.Message{
		Type:       msgType,
		DataType:   result.DataType,
		Size:       len(result.Buffer),
		Format:     result.Metadata.Format,
		SampleRate: result.Metadata.SampleRate,
	}
}
