// Package realtimetest runs an in-process fake of the upstream realtime API.
package realtimetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server accepts realtime websocket links and records client events.
type Server struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	events  []map[string]any
	headers []http.Header
	dials   int
	writeMu sync.Mutex
}

// NewServer starts a fake upstream. Close it with Close.
func NewServer() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.headers = append(s.headers, r.Header.Clone())
	s.dials++
	s.mu.Unlock()

	s.Push(map[string]any{"type": "session.created", "session": map[string]any{"id": "sess_test"}})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var event map[string]any
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		s.mu.Lock()
		s.events = append(s.events, event)
		s.mu.Unlock()
	}
}

// URL returns the ws:// address of the fake.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// Push sends event to every live link.
func (s *Server) Push(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, conn := range conns {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

// Drop closes every live link from the server side.
func (s *Server) Drop() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Dials returns how many links were accepted.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Header returns the handshake headers of the i-th link.
func (s *Server) Header(i int) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.headers) {
		return nil
	}
	return s.headers[i]
}

// Events returns a copy of the received client events.
func (s *Server) Events() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.events...)
}

// EventTypes returns the type of every received client event in order.
func (s *Server) EventTypes() []string {
	var out []string
	for _, event := range s.Events() {
		eventType, _ := event["type"].(string)
		out = append(out, eventType)
	}
	return out
}

// WaitFor polls until cond holds or timeout passes and reports the final result.
func (s *Server) WaitFor(timeout time.Duration, cond func(*Server) bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond(s) {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond(s)
}

// Close stops the server.
func (s *Server) Close() {
	s.Drop()
	s.server.Close()
}
