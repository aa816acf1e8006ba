// Package realtime is a websocket client for the upstream realtime speech API.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saker-ai/voice-relay/internal/logger"
)

const defaultConnectTimeout = 15 * time.Second

var (
	// ErrNotConnected is returned by commands issued while the link is down.
	ErrNotConnected = errors.New("realtime connection not ready")
	// ErrMissingURL is returned by Connect when no URL is configured.
	ErrMissingURL = errors.New("realtime url is empty")
)

// Handler receives every decoded event in arrival order.
type Handler func(Event)

// Client holds at most one upstream link. Connect calls are collapsed so
// only one dial is ever in flight.
type Client struct {
	cfg     Config
	logger  *zap.Logger
	handler Handler
	dialer  *websocket.Dialer

	group singleflight.Group

	mu      sync.Mutex
	conn    *websocket.Conn
	session SessionConfig
	writeMu sync.Mutex
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, handler Handler, log *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		logger:  logger.OrNop(log),
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: positiveDuration(cfg.ConnectTimeout, defaultConnectTimeout)},
		session: cfg.Session,
	}
}

// Connected reports whether the link is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens the link and pushes the session configuration. It returns
// immediately when already connected; concurrent callers share one dial.
func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	_, err, _ := c.group.Do("connect", func() (any, error) {
		if c.Connected() {
			return nil, nil
		}
		return nil, c.connectOnce(ctx)
	})
	return err
}

func (c *Client) connectOnce(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, positiveDuration(c.cfg.ConnectTimeout, defaultConnectTimeout))
	defer cancel()

	headers := http.Header{}
	if c.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	headers.Set("OpenAI-Beta", "realtime=v1")

	c.logger.Info("realtime connecting", zap.String("url", endpoint))
	conn, _, err := c.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}
	conn.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	// The link is published only after session.update is written, so no
	// command can reach the service ahead of the configuration.
	if err := c.writeEvent(ctx, conn, map[string]any{"type": "session.update", "session": session}); err != nil {
		_ = conn.Close()
		err = fmt.Errorf("configure realtime session: %w", err)
		c.logger.Warn("realtime session configuration failed", zap.Error(err))
		c.emit(Disconnected{Err: err})
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)

	c.logger.Info("realtime connected", zap.String("model", c.cfg.Model))
	c.emit(Connected{})
	return nil
}

func (c *Client) endpoint() (string, error) {
	if c.cfg.URL == "" {
		return "", ErrMissingURL
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	if c.cfg.Model != "" && u.Query().Get("model") == "" {
		q := u.Query()
		q.Set("model", c.cfg.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Disconnect closes the link. A Disconnected event with Requested set follows.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()
	c.logger.Info("realtime disconnected")
}

// drop forgets conn if it is still current and closes it.
func (c *Client) drop(conn *websocket.Conn) bool {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	return current
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			unexpected := c.drop(conn)
			if unexpected {
				c.logger.Warn("realtime connection lost", zap.Error(err))
				c.emit(Disconnected{Err: err})
			} else {
				c.emit(Disconnected{Requested: true})
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev, err := Decode(data)
		if err != nil {
			c.logger.Warn("realtime event decode failed", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		if ev.EventType() != EventAudioDelta && ev.EventType() != EventTextDelta {
			c.logger.Debug("realtime event", zap.String("event_type", ev.EventType()))
		}
		c.emit(ev)
	}
}

func (c *Client) emit(ev Event) {
	if c.handler != nil {
		c.handler(ev)
	}
}

// SessionConfig returns the configuration pushed on every connect.
func (c *Client) SessionConfig() SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// UpdateSession replaces the session configuration and pushes it when connected.
func (c *Client) UpdateSession(ctx context.Context, session SessionConfig) error {
	c.mu.Lock()
	c.session = session
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.sendEvent(ctx, map[string]any{"type": "session.update", "session": session})
}

// AppendAudio streams PCM16 audio into the input buffer.
func (c *Client) AppendAudio(ctx context.Context, pcm []byte) error {
	return c.sendEvent(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

// CommitAudio commits the input buffer as a user turn.
func (c *Client) CommitAudio(ctx context.Context) error {
	return c.sendEvent(ctx, map[string]any{"type": "input_audio_buffer.commit"})
}

// ClearAudio discards the input buffer.
func (c *Client) ClearAudio(ctx context.Context) error {
	return c.sendEvent(ctx, map[string]any{"type": "input_audio_buffer.clear"})
}

// CreateResponse asks the model to respond. No modalities means text and audio.
func (c *Client) CreateResponse(ctx context.Context, modalities ...string) error {
	if len(modalities) == 0 {
		modalities = []string{"text", "audio"}
	}
	return c.sendEvent(ctx, map[string]any{
		"type":     "response.create",
		"response": map[string]any{"modalities": modalities},
	})
}

// CancelResponse cancels the in-progress response.
func (c *Client) CancelResponse(ctx context.Context) error {
	return c.sendEvent(ctx, map[string]any{"type": "response.cancel"})
}

// CreateConversationItem adds an item to the conversation.
func (c *Client) CreateConversationItem(ctx context.Context, item Item) error {
	return c.sendEvent(ctx, map[string]any{"type": "conversation.item.create", "item": item})
}

// DeleteConversationItem removes an item from the conversation.
func (c *Client) DeleteConversationItem(ctx context.Context, itemID string) error {
	return c.sendEvent(ctx, map[string]any{"type": "conversation.item.delete", "item_id": itemID})
}

// TruncateConversationItem cuts an assistant audio item at audioEndMs.
func (c *Client) TruncateConversationItem(ctx context.Context, itemID string, contentIndex int, audioEndMs int) error {
	return c.sendEvent(ctx, map[string]any{
		"type":          "conversation.item.truncate",
		"item_id":       itemID,
		"content_index": contentIndex,
		"audio_end_ms":  audioEndMs,
	})
}

// SendText adds a user text message and requests a response.
func (c *Client) SendText(ctx context.Context, text string) error {
	item := Item{
		Type:    "message",
		Role:    "user",
		Content: []ContentPart{{Type: "input_text", Text: text}},
	}
	if err := c.CreateConversationItem(ctx, item); err != nil {
		return err
	}
	return c.CreateResponse(ctx)
}

// SendEvent sends a raw client event. event_id is filled in when absent.
func (c *Client) SendEvent(ctx context.Context, event map[string]any) error {
	return c.sendEvent(ctx, event)
}

func (c *Client) sendEvent(ctx context.Context, event map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeEvent(ctx, conn, event)
}

func (c *Client) writeEvent(ctx context.Context, conn *websocket.Conn, event map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id, _ := event["event_id"].(string); id == "" {
		event["event_id"] = "evt_" + uuid.NewString()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	if eventType, _ := event["type"].(string); eventType != "input_audio_buffer.append" {
		c.logger.Debug("realtime event sent", zap.String("event_type", eventType))
	}
	return nil
}

func positiveDuration(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
