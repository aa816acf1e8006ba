package connection

import (
	"errors"
	"sync"
	"time"
)

// MaxQueuedWrites bounds the outbound backlog of one connection.
const MaxQueuedWrites = 1024

// ErrQueueFull is returned when a connection's outbound backlog is at MaxQueuedWrites.
var ErrQueueFull = errors.New("connection outbound queue full")

// Transport is the duplex handle owned by a connection entry.
type Transport interface {
	WriteText(data []byte) error
	WriteBinary(data []byte) error
	IsOpen() bool
	Close() error
}

// Frame is one outbound transport write.
type Frame struct {
	Binary bool
	Data   []byte
}

// Connection is one client-facing transport session.
type Connection struct {
	ID        string
	CreatedAt time.Time
	Metadata  map[string]string

	transport Transport

	// Outbound writes are queued and drained in order by one writer
	// goroutine, which exits once the queue is empty.
	queueMu sync.Mutex
	idle    *sync.Cond
	queue   []outbound
	writing bool

	mu           sync.RWMutex
	lastActivity time.Time
}

// New creates a connection entry that owns transport.
func New(id string, transport Transport, metadata map[string]string) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           id,
		CreatedAt:    now,
		Metadata:     metadata,
		transport:    transport,
		lastActivity: now,
	}
	c.idle = sync.NewCond(&c.queueMu)
	return c
}

type outbound struct {
	frames []Frame
	done   func(error)
}

// IsOpen reports whether the underlying transport still accepts writes.
func (c *Connection) IsOpen() bool {
	return c.transport != nil && c.transport.IsOpen()
}

// LastActivity returns the time of the last inbound or outbound message.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Touch records activity now.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Write queues frames back to back and waits until they are written. No other
// write on this connection is interleaved with them.
func (c *Connection) Write(frames ...Frame) error {
	result := make(chan error, 1)
	if err := c.Enqueue(func(err error) { result <- err }, frames...); err != nil {
		return err
	}
	return <-result
}

// Enqueue queues frames behind earlier writes and returns without waiting.
// done, if set, runs on the writer goroutine with the write result.
func (c *Connection) Enqueue(done func(error), frames ...Frame) error {
	c.queueMu.Lock()
	if len(c.queue) >= MaxQueuedWrites {
		c.queueMu.Unlock()
		return ErrQueueFull
	}
	c.queue = append(c.queue, outbound{frames: frames, done: done})
	if !c.writing {
		c.writing = true
		go c.drain()
	}
	c.queueMu.Unlock()
	return nil
}

// Flush blocks until every queued write has been attempted.
func (c *Connection) Flush() {
	c.queueMu.Lock()
	for c.writing {
		c.idle.Wait()
	}
	c.queueMu.Unlock()
}

// Queued returns the number of writes waiting for the transport.
func (c *Connection) Queued() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

func (c *Connection) drain() {
	for {
		c.queueMu.Lock()
		if len(c.queue) == 0 {
			c.writing = false
			c.idle.Broadcast()
			c.queueMu.Unlock()
			return
		}
		item := c.queue[0]
		c.queue[0] = outbound{}
		c.queue = c.queue[1:]
		c.queueMu.Unlock()

		err := c.writeFrames(item.frames)
		if item.done != nil {
			item.done(err)
		}
	}
}

func (c *Connection) writeFrames(frames []Frame) error {
	for _, frame := range frames {
		var err error
		if frame.Binary {
			err = c.transport.WriteBinary(frame.Data)
		} else {
			err = c.transport.WriteText(frame.Data)
		}
		if err != nil {
			return err
		}
	}
	c.Touch()
	return nil
}

// Close closes the owned transport.
func (c *Connection) Close() error {
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}
