// Package connectiontest provides an in-memory connection.Transport for tests.
package connectiontest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/saker-ai/voice-relay/internal/protocol"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("transport closed")

// Transport records every frame written to it.
type Transport struct {
	mu      sync.Mutex
	closed  bool
	failErr error
	gate    <-chan struct{}
	frames  []Frame
	closes  int
}

// Frame is one recorded write.
type Frame struct {
	Binary bool
	Data   []byte
}

// New returns an open transport.
func New() *Transport {
	return &Transport{}
}

// Failing returns an open transport whose writes always fail with err.
func Failing(err error) *Transport {
	return &Transport{failErr: err}
}

// Gated returns an open transport whose writes block until gate is closed.
func Gated(gate <-chan struct{}) *Transport {
	return &Transport{gate: gate}
}

// WriteText implements connection.Transport.
func (t *Transport) WriteText(data []byte) error {
	return t.write(false, data)
}

// WriteBinary implements connection.Transport.
func (t *Transport) WriteBinary(data []byte) error {
	return t.write(true, data)
}

func (t *Transport) write(binary bool, data []byte) error {
	if t.gate != nil {
		<-t.gate
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.failErr != nil {
		return t.failErr
	}
	t.frames = append(t.frames, Frame{Binary: binary, Data: append([]byte(nil), data...)})
	return nil
}

// IsOpen implements connection.Transport.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Close implements connection.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.closes++
	t.mu.Unlock()
	return nil
}

// Closes returns how many times Close was called.
func (t *Transport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// Frames returns a copy of the recorded frames.
func (t *Transport) Frames() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Frame(nil), t.frames...)
}

// Messages decodes the recorded text frames.
func (t *Transport) Messages() []protocol.Message {
	var out []protocol.Message
	for _, frame := range t.Frames() {
		if frame.Binary {
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(frame.Data, &msg); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

// Types returns the type of every recorded text frame in order.
func (t *Transport) Types() []protocol.Type {
	var out []protocol.Type
	for _, msg := range t.Messages() {
		out = append(out, msg.Type)
	}
	return out
}

// Binaries returns the recorded binary frames.
func (t *Transport) Binaries() [][]byte {
	var out [][]byte
	for _, frame := range t.Frames() {
		if frame.Binary {
			out = append(out, frame.Data)
		}
	}
	return out
}
