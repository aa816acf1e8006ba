// Package dispatch routes inbound client messages to handlers and delivers
// outbound messages with per-recipient failure isolation.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/connection"
	"github.com/saker-ai/voice-relay/internal/framing"
	"github.com/saker-ai/voice-relay/internal/logger"
	"github.com/saker-ai/voice-relay/internal/protocol"
)

// Context is one inbound message as seen by handlers.
type Context struct {
	ConnectionID string
	Message      protocol.Message
	// Binary is the reassembled or unannotated payload of a binary message.
	Binary []byte
}

// MessageHandler processes an inbound message. Returned errors are logged.
type MessageHandler func(ctx context.Context, in Context) error

// ConnectionHandler observes connection lifecycle events.
type ConnectionHandler func(conn *connection.Connection)

// Delivery reports the outcome of a fan-out send.
type Delivery struct {
	Delivered []string
	Failed    []string
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithMaxFrameBytes splits outbound binary payloads into frames of at most n bytes.
func WithMaxFrameBytes(n int) Option {
	return func(d *Dispatcher) {
		d.maxFrameBytes = n
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// Dispatcher is the hub between transports and message handlers.
type Dispatcher struct {
	logger        *zap.Logger
	registry      *connection.Registry
	now           func() time.Time
	maxFrameBytes int

	mu                 sync.RWMutex
	messageHandlers    []MessageHandler
	connectHandlers    []ConnectionHandler
	disconnectHandlers []ConnectionHandler
}

// New creates a dispatcher over registry.
func New(registry *connection.Registry, log *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:   logger.OrNop(log),
		registry: registry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the underlying connection registry.
func (d *Dispatcher) Registry() *connection.Registry {
	return d.registry
}

// OnMessage registers a handler. Handlers run in registration order.
func (d *Dispatcher) OnMessage(h MessageHandler) {
	d.mu.Lock()
	d.messageHandlers = append(d.messageHandlers, h)
	d.mu.Unlock()
}

// OnConnect registers a handler fired after a connection is registered.
func (d *Dispatcher) OnConnect(h ConnectionHandler) {
	d.mu.Lock()
	d.connectHandlers = append(d.connectHandlers, h)
	d.mu.Unlock()
}

// OnDisconnect registers a handler fired before a removed connection is closed.
func (d *Dispatcher) OnDisconnect(h ConnectionHandler) {
	d.mu.Lock()
	d.disconnectHandlers = append(d.disconnectHandlers, h)
	d.mu.Unlock()
}

// Connect registers conn and fires connect handlers.
func (d *Dispatcher) Connect(conn *connection.Connection) {
	d.registry.Add(conn)
	d.logger.Info("connection registered", zap.String("connection_id", conn.ID))

	d.mu.RLock()
	handlers := append([]ConnectionHandler(nil), d.connectHandlers...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.runConnectionHandler("connect", h, conn)
	}
}

// Disconnect removes id, fires disconnect handlers and closes the transport.
// Unknown ids return false and fire nothing.
func (d *Dispatcher) Disconnect(id string) bool {
	conn, ok := d.registry.Detach(id)
	if !ok {
		return false
	}

	d.mu.RLock()
	handlers := append([]ConnectionHandler(nil), d.disconnectHandlers...)
	d.mu.RUnlock()
	for _, h := range handlers {
		d.runConnectionHandler("disconnect", h, conn)
	}

	if err := conn.Close(); err != nil {
		d.logger.Debug("connection close failed", zap.String("connection_id", id), zap.Error(err))
	}
	d.logger.Info("connection removed", zap.String("connection_id", id))
	return true
}

// Dispatch records activity for id and runs every message handler. A failing
// or panicking handler does not stop the ones after it.
func (d *Dispatcher) Dispatch(ctx context.Context, id string, msg protocol.Message, binary []byte) {
	d.registry.TouchActivity(id)

	d.mu.RLock()
	handlers := append([]MessageHandler(nil), d.messageHandlers...)
	d.mu.RUnlock()

	in := Context{ConnectionID: id, Message: msg, Binary: binary}
	for i, h := range handlers {
		if err := d.runMessageHandler(ctx, h, in); err != nil {
			d.logger.Warn("message handler failed",
				zap.String("connection_id", id),
				zap.String("type", string(msg.Type)),
				zap.Int("handler", i),
				zap.Error(err),
			)
		}
	}
}

func (d *Dispatcher) runMessageHandler(ctx context.Context, h MessageHandler, in Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, in)
}

func (d *Dispatcher) runConnectionHandler(event string, h ConnectionHandler, conn *connection.Connection) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("connection handler panic",
				zap.String("event", event),
				zap.String("connection_id", conn.ID),
				zap.Any("panic", r),
			)
		}
	}()
	h(conn)
}

// Send delivers msg to id and waits for the write. It returns false when id
// is unknown, closed or the write fails.
func (d *Dispatcher) Send(id string, msg protocol.Message) bool {
	return d.deliver(id, msg, true)
}

// Post queues msg for id without waiting for the write. It returns false when
// id is unknown, closed or its outbound queue is full.
func (d *Dispatcher) Post(id string, msg protocol.Message) bool {
	return d.deliver(id, msg, false)
}

// SendBinary writes the metadata message for buffer followed by its payload
// frames, with nothing else interleaved on the connection.
func (d *Dispatcher) SendBinary(id string, buffer []byte, meta protocol.Message) bool {
	return d.deliverBinary(id, buffer, meta, true)
}

// Broadcast queues msg for every open connection except exclude.
func (d *Dispatcher) Broadcast(msg protocol.Message, exclude string) Delivery {
	return d.fanOut(d.activeIDs(exclude), func(id string) bool {
		return d.deliver(id, msg, false)
	})
}

// BroadcastBinary queues buffer for every open connection except exclude.
func (d *Dispatcher) BroadcastBinary(buffer []byte, meta protocol.Message, exclude string) Delivery {
	return d.fanOut(d.activeIDs(exclude), func(id string) bool {
		return d.deliverBinary(id, buffer, meta, false)
	})
}

// Multicast queues msg for the listed connections.
func (d *Dispatcher) Multicast(ids []string, msg protocol.Message) Delivery {
	return d.fanOut(ids, func(id string) bool {
		return d.deliver(id, msg, false)
	})
}

// MulticastBinary queues buffer for the listed connections.
func (d *Dispatcher) MulticastBinary(ids []string, buffer []byte, meta protocol.Message) Delivery {
	return d.fanOut(ids, func(id string) bool {
		return d.deliverBinary(id, buffer, meta, false)
	})
}

// Flush waits until every connection has written its queued messages.
func (d *Dispatcher) Flush() {
	for _, conn := range d.registry.ListAll() {
		conn.Flush()
	}
}

// Stats returns registry statistics.
func (d *Dispatcher) Stats() connection.Stats {
	return d.registry.Stats()
}

func (d *Dispatcher) deliver(id string, msg protocol.Message, wait bool) bool {
	conn, ok := d.openConnection(id)
	if !ok {
		return false
	}
	data, err := d.encode(id, msg)
	if err != nil {
		d.logger.Warn("encode message failed", zap.String("connection_id", id), zap.Error(err))
		return false
	}
	return d.write(conn, wait, func(err error) {
		d.logger.Warn("send failed",
			zap.String("connection_id", id),
			zap.String("type", string(msg.Type)),
			zap.Error(err),
		)
	}, connection.Frame{Data: data})
}

func (d *Dispatcher) deliverBinary(id string, buffer []byte, meta protocol.Message, wait bool) bool {
	conn, ok := d.openConnection(id)
	if !ok {
		return false
	}
	meta, chunks := framing.Encode(buffer, meta, d.maxFrameBytes)
	meta.ToConnectionID = id
	data, err := d.encode(id, meta)
	if err != nil {
		d.logger.Warn("encode metadata failed", zap.String("connection_id", id), zap.Error(err))
		return false
	}

	frames := make([]connection.Frame, 0, len(chunks)+1)
	frames = append(frames, connection.Frame{Data: data})
	for _, chunk := range chunks {
		frames = append(frames, connection.Frame{Binary: true, Data: chunk})
	}
	ok = d.write(conn, wait, func(err error) {
		d.logger.Warn("send binary failed",
			zap.String("connection_id", id),
			zap.Int("bytes", len(buffer)),
			zap.Error(err),
		)
	}, frames...)
	if ok {
		d.logger.Debug("binary queued",
			zap.String("connection_id", id),
			zap.String("data_type", meta.DataType),
			zap.Int("bytes", len(buffer)),
		)
	}
	return ok
}

// write hands frames to the connection's queue. With wait set it returns the
// write result, otherwise only whether the frames were queued; failures are
// logged through onErr either way.
func (d *Dispatcher) write(conn *connection.Connection, wait bool, onErr func(error), frames ...connection.Frame) bool {
	if wait {
		if err := conn.Write(frames...); err != nil {
			onErr(err)
			return false
		}
		return true
	}
	err := conn.Enqueue(func(err error) {
		if err != nil {
			onErr(err)
		}
	}, frames...)
	if err != nil {
		onErr(err)
		return false
	}
	return true
}

// fanOut queues a send for every id. Queuing never waits on a transport, so a
// slow recipient cannot hold up the others.
func (d *Dispatcher) fanOut(ids []string, send func(id string) bool) Delivery {
	var result Delivery
	for _, id := range ids {
		if send(id) {
			result.Delivered = append(result.Delivered, id)
		} else {
			result.Failed = append(result.Failed, id)
		}
	}
	sort.Strings(result.Delivered)
	sort.Strings(result.Failed)
	return result
}

func (d *Dispatcher) activeIDs(exclude string) []string {
	active := d.registry.ListActive()
	ids := make([]string, 0, len(active))
	for _, conn := range active {
		if conn.ID != exclude {
			ids = append(ids, conn.ID)
		}
	}
	return ids
}

func (d *Dispatcher) openConnection(id string) (*connection.Connection, bool) {
	conn, ok := d.registry.Get(id)
	if !ok || !conn.IsOpen() {
		return nil, false
	}
	return conn, true
}

func (d *Dispatcher) encode(id string, msg protocol.Message) ([]byte, error) {
	now := d.now().UTC()
	msg.ConnectionID = id
	msg.Timestamp = &now
	return json.Marshal(msg)
}
