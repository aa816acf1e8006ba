package connection

import (
	"sort"
	"sync"
	"time"
)

// Stats summarises the registry.
type Stats struct {
	Total     int
	Active    int
	ActiveIDs []string
	Uptime    time.Duration
}

// Registry tracks live connections by id. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	startedAt   time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		startedAt:   time.Now(),
	}
}

// Add registers conn, replacing any entry with the same id.
func (r *Registry) Add(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	r.connections[conn.ID] = conn
	r.mu.Unlock()
}

// Remove deletes the entry for id and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	_, ok := r.Detach(id)
	return ok
}

// Detach deletes and returns the entry for id.
func (r *Registry) Detach(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[id]
	if ok {
		delete(r.connections, id)
	}
	return conn, ok
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[id]
	return conn, ok
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// ListAll returns every registered connection ordered by creation time.
func (r *Registry) ListAll() []*Connection {
	r.mu.RLock()
	list := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		list = append(list, conn)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// ListActive returns the connections whose transport is still open.
func (r *Registry) ListActive() []*Connection {
	all := r.ListAll()
	active := all[:0]
	for _, conn := range all {
		if conn.IsOpen() {
			active = append(active, conn)
		}
	}
	return active
}

// TouchActivity updates the last-activity time of id, if present.
func (r *Registry) TouchActivity(id string) {
	if conn, ok := r.Get(id); ok {
		conn.Touch()
	}
}

// Stats returns counts of total and open connections.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	total := len(r.connections)
	r.mu.RUnlock()

	active := r.ListActive()
	ids := make([]string, 0, len(active))
	for _, conn := range active {
		ids = append(ids, conn.ID)
	}
	return Stats{
		Total:     total,
		Active:    len(active),
		ActiveIDs: ids,
		Uptime:    time.Since(r.startedAt),
	}
}

// Clear drops every entry and closes the owned transports.
func (r *Registry) Clear() {
	r.mu.Lock()
	conns := r.connections
	r.connections = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
