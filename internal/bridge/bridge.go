// Package bridge connects client sessions to the shared upstream realtime link.
//
// The bridge is the only owner of per-connection AI session state. Client
// commands move a connection through fsm states; upstream events are fanned
// out to the connections whose session is active.
package bridge

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/voice-relay/internal/connection"
	"github.com/saker-ai/voice-relay/internal/dispatch"
	"github.com/saker-ai/voice-relay/internal/logger"
	"github.com/saker-ai/voice-relay/internal/protocol"
	"github.com/saker-ai/voice-relay/internal/realtime"
	"github.com/saker-ai/voice-relay/internal/session/fsm"
)

// DefaultCloseDelay is how long a tool-initiated close waits before the
// upstream link is released.
const DefaultCloseDelay = 100 * time.Millisecond

const (
	defaultConnectTimeout   = 15 * time.Second
	defaultOutputSampleRate = 24000
)

// Upstream is the shared link to the realtime service.
type Upstream interface {
	Connect(ctx context.Context) error
	Connected() bool
	Disconnect()
	AppendAudio(ctx context.Context, pcm []byte) error
	SendText(ctx context.Context, text string) error
}

// UpstreamFactory builds the upstream link with the bridge as its event handler.
type UpstreamFactory func(handler realtime.Handler) Upstream

// Sender delivers messages to clients.
type Sender interface {
	Send(id string, msg protocol.Message) bool
	Post(id string, msg protocol.Message) bool
	SendBinary(id string, buffer []byte, meta protocol.Message) bool
	Multicast(ids []string, msg protocol.Message) dispatch.Delivery
	MulticastBinary(ids []string, buffer []byte, meta protocol.Message) dispatch.Delivery
}

// AudioSource provides the PCM16 mono test tone and its sample rate.
type AudioSource interface {
	TestAudio() ([]byte, int, error)
}

// Options tunes the bridge.
type Options struct {
	ConnectTimeout time.Duration
	// OutputSampleRate is the sample rate of upstream audio deltas.
	OutputSampleRate int
	// CloseDelay lets final responses drain before a tool-initiated close
	// disconnects the upstream link.
	CloseDelay time.Duration
}

// Bridge maps client commands to upstream commands and upstream events to
// client messages.
type Bridge struct {
	logger   *zap.Logger
	sender   Sender
	upstream Upstream
	audio    AudioSource
	opts     Options

	mu       sync.Mutex
	sessions map[string]*fsm.Machine

	// linkMu serializes connecting the upstream for a session against
	// releasing it, so a release never tears down a link a session has
	// just been activated on.
	linkMu sync.Mutex

	handlers map[protocol.Type]inboundHandler
}

// New creates a bridge. audio may be nil, in which case test audio requests fail.
func New(sender Sender, upstream UpstreamFactory, audio AudioSource, opts Options, log *zap.Logger) *Bridge {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.OutputSampleRate <= 0 {
		opts.OutputSampleRate = defaultOutputSampleRate
	}
	if opts.CloseDelay < 0 {
		opts.CloseDelay = 0
	}
	b := &Bridge{
		logger:   logger.OrNop(log),
		sender:   sender,
		audio:    audio,
		opts:     opts,
		sessions: make(map[string]*fsm.Machine),
	}
	b.upstream = upstream(b.HandleEvent)
	b.handlers = b.inboundHandlers()
	return b
}

// Register wires the bridge into a dispatcher.
func (b *Bridge) Register(d *dispatch.Dispatcher) {
	d.OnConnect(b.HandleConnect)
	d.OnDisconnect(b.HandleDisconnect)
	d.OnMessage(b.HandleMessage)
}

// HandleConnect gives a new connection an inactive session.
func (b *Bridge) HandleConnect(conn *connection.Connection) {
	b.machine(conn.ID)
}

// HandleDisconnect drops the connection's session and releases the upstream
// link when no live session remains.
func (b *Bridge) HandleDisconnect(conn *connection.Connection) {
	b.mu.Lock()
	m, ok := b.sessions[conn.ID]
	delete(b.sessions, conn.ID)
	b.mu.Unlock()
	if !ok {
		return
	}
	wasLive := m.IsLive()
	m.Reset()
	if wasLive {
		b.logger.Info("ai session dropped with connection", zap.String("connection_id", conn.ID))
		b.releaseUpstream()
	}
}

// State returns the session state of id. Unknown ids are inactive.
func (b *Bridge) State(id string) fsm.State {
	b.mu.Lock()
	m, ok := b.sessions[id]
	b.mu.Unlock()
	if !ok {
		return fsm.StateInactive
	}
	return m.State()
}

// ActiveIDs lists the connections whose session is active.
func (b *Bridge) ActiveIDs() []string {
	return b.idsIn(fsm.StateActive)
}

// LiveIDs lists the connections whose session is starting or active.
func (b *Bridge) LiveIDs() []string {
	return b.idsIn(fsm.StateActive, fsm.StateStarting)
}

// Shutdown resets every session and drops the upstream link.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	for _, m := range b.sessions {
		m.Reset()
	}
	b.mu.Unlock()

	b.linkMu.Lock()
	defer b.linkMu.Unlock()
	if b.upstream.Connected() {
		b.upstream.Disconnect()
	}
}

func (b *Bridge) idsIn(states ...fsm.State) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.sessions))
	for id, m := range b.sessions {
		state := m.State()
		for _, s := range states {
			if state == s {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func (b *Bridge) machine(id string) *fsm.Machine {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.sessions[id]
	if !ok {
		m = fsm.New()
		m.Observe(func(from, to fsm.State) {
			b.logger.Debug("ai session transition",
				zap.String("connection_id", id),
				zap.String("from", string(from)),
				zap.String("state", string(to)),
			)
		})
		b.sessions[id] = m
	}
	return m
}

// releaseUpstream disconnects the upstream link when no session needs it.
func (b *Bridge) releaseUpstream() {
	b.linkMu.Lock()
	defer b.linkMu.Unlock()
	if !b.upstream.Connected() || len(b.LiveIDs()) > 0 {
		return
	}
	b.logger.Info("no live ai sessions, disconnecting upstream")
	b.upstream.Disconnect()
}
