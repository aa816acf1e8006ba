package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteTimeout = 10 * time.Second

var errTransportClosed = errors.New("websocket closed")

// wsTransport adapts a gorilla connection to connection.Transport. gorilla
// allows one concurrent writer, so every write goes through writeMu.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	open         atomic.Bool
}

func newTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	t := &wsTransport{conn: conn, writeTimeout: writeTimeout}
	t.open.Store(true)
	return t
}

func (t *wsTransport) WriteText(data []byte) error {
	return t.write(websocket.TextMessage, data)
}

func (t *wsTransport) WriteBinary(data []byte) error {
	return t.write(websocket.BinaryMessage, data)
}

func (t *wsTransport) write(messageType int, data []byte) error {
	if !t.open.Load() {
		return errTransportClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := t.conn.WriteMessage(messageType, data); err != nil {
		t.open.Store(false)
		return err
	}
	return nil
}

func (t *wsTransport) ping() error {
	if !t.open.Load() {
		return errTransportClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) IsOpen() bool {
	return t.open.Load()
}

func (t *wsTransport) Close() error {
	if !t.open.Swap(false) {
		return nil
	}
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}
