// Package framing implements the metadata-then-payload transfer protocol used to
// carry binary payloads over websocket connections.
//
// A transfer starts with a binary_metadata (or audio_data_metadata) JSON message
// declaring dataType and size, followed by binary frames whose lengths add up to
// size. The Codec keeps at most one pending transfer per connection and direction.
package framing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/saker-ai/voice-relay/internal/protocol"
)

// Direction distinguishes client-to-server from server-to-client transfers.
type Direction int

const (
	// Inbound is client to server.
	Inbound Direction = iota
	// Outbound is server to client.
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// DefaultDataType tags transfers whose metadata leaves dataType empty.
const DefaultDataType = "binary"

var (
	// ErrInvalidSize rejects metadata without a positive size.
	ErrInvalidSize = errors.New("binary metadata size must be positive")
	// ErrTransferTooLarge rejects metadata above the codec limit.
	ErrTransferTooLarge = errors.New("binary transfer exceeds size limit")
)

// Outcome classifies what a binary frame did.
type Outcome int

const (
	// Unannotated means no transfer was pending; the frame is returned as-is.
	Unannotated Outcome = iota
	// Partial means the frame was buffered and the transfer is still open.
	Partial
	// Complete means the frame finished the transfer.
	Complete
)

// Result is returned for every accepted binary frame.
type Result struct {
	Outcome  Outcome
	Buffer   []byte
	DataType string
	Metadata protocol.Message
	// Overflow is how many bytes beyond the declared size were received.
	Overflow int
}

// Transfer is a binary payload being reassembled.
type Transfer struct {
	Expected int
	DataType string
	Received int
	Metadata protocol.Message
	chunks   [][]byte
}

func (t *Transfer) complete() bool {
	return t.Received >= t.Expected
}

func (t *Transfer) concat() []byte {
	buf := make([]byte, 0, t.Received)
	for _, chunk := range t.chunks {
		buf = append(buf, chunk...)
	}
	return buf
}

type transferKey struct {
	connID    string
	direction Direction
}

// Codec tracks pending transfers. It is safe for concurrent use.
type Codec struct {
	maxSize int

	mu      sync.Mutex
	pending map[transferKey]*Transfer
}

// NewCodec creates a codec. maxSize <= 0 disables the size limit.
func NewCodec(maxSize int) *Codec {
	return &Codec{
		maxSize: maxSize,
		pending: make(map[transferKey]*Transfer),
	}
}

// Begin opens a transfer described by meta. A transfer already pending for the
// same connection and direction is discarded and replaced is true.
func (c *Codec) Begin(connID string, dir Direction, meta protocol.Message) (bool, error) {
	if meta.Size <= 0 {
		return false, ErrInvalidSize
	}
	if c.maxSize > 0 && meta.Size > c.maxSize {
		return false, fmt.Errorf("%w: %d > %d", ErrTransferTooLarge, meta.Size, c.maxSize)
	}
	dataType := meta.DataType
	if dataType == "" {
		dataType = DefaultDataType
	}

	key := transferKey{connID: connID, direction: dir}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, replaced := c.pending[key]
	c.pending[key] = &Transfer{
		Expected: meta.Size,
		DataType: dataType,
		Metadata: meta,
	}
	return replaced, nil
}

// Pending reports whether a transfer is open for the connection and direction.
func (c *Codec) Pending(connID string, dir Direction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[transferKey{connID: connID, direction: dir}]
	return ok
}

// Accept consumes one binary frame. When the transfer completes its pending
// state is cleared before the result is returned.
func (c *Codec) Accept(connID string, dir Direction, frame []byte) Result {
	key := transferKey{connID: connID, direction: dir}

	c.mu.Lock()
	transfer, ok := c.pending[key]
	if !ok {
		c.mu.Unlock()
		return Result{Outcome: Unannotated, Buffer: frame}
	}
	transfer.chunks = append(transfer.chunks, append([]byte(nil), frame...))
	transfer.Received += len(frame)
	if !transfer.complete() {
		c.mu.Unlock()
		return Result{Outcome: Partial, DataType: transfer.DataType, Metadata: transfer.Metadata}
	}
	delete(c.pending, key)
	c.mu.Unlock()

	return Result{
		Outcome:  Complete,
		Buffer:   transfer.concat(),
		DataType: transfer.DataType,
		Metadata: transfer.Metadata,
		Overflow: transfer.Received - transfer.Expected,
	}
}

// Deliver accepts frame and calls fn for complete or unannotated results.
// The pending transfer is already cleared when fn runs, so an fn error never
// leaves a stuck transfer behind.
func (c *Codec) Deliver(connID string, dir Direction, frame []byte, fn func(Result) error) error {
	result := c.Accept(connID, dir, frame)
	if result.Outcome == Partial || fn == nil {
		return nil
	}
	return fn(result)
}

// Drop discards every pending transfer of a connection.
func (c *Codec) Drop(connID string) {
	c.mu.Lock()
	delete(c.pending, transferKey{connID: connID, direction: Inbound})
	delete(c.pending, transferKey{connID: connID, direction: Outbound})
	c.mu.Unlock()
}

// Encode builds the metadata message and payload frames for buffer. Frames are
// at most maxFrame bytes; maxFrame <= 0 sends the buffer as one frame.
func Encode(buffer []byte, meta protocol.Message, maxFrame int) (protocol.Message, [][]byte) {
	if !meta.IsBinaryMetadata() {
		meta.Type = protocol.TypeBinaryMetadata
	}
	if meta.DataType == "" {
		meta.DataType = DefaultDataType
	}
	meta.Size = len(buffer)

	if maxFrame <= 0 || len(buffer) <= maxFrame {
		return meta, [][]byte{buffer}
	}
	frames := make([][]byte, 0, (len(buffer)+maxFrame-1)/maxFrame)
	for start := 0; start < len(buffer); start += maxFrame {
		end := min(start+maxFrame, len(buffer))
		frames = append(frames, buffer[start:end])
	}
	return meta, frames
}
