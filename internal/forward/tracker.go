package forward

import (
	"io"
	"sync"
	"sync/atomic"
)

// Closer combines io.Closer with comparable for map key usage.
type Closer interface {
	comparable
	io.Closer
}

// Tracker keeps the set of live connections so they can be counted and
// force-closed together.
type Tracker[T Closer] struct {
	mu          sync.Mutex
	connections map[T]struct{}
	count       atomic.Int64
}

// NewTracker creates an empty tracker.
func NewTracker[T Closer]() *Tracker[T] {
	return &Tracker[T]{
		connections: make(map[T]struct{}),
	}
}

// Add registers a connection.
func (t *Tracker[T]) Add(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections[conn] = struct{}{}
	t.count.Add(1)
}

// Remove unregisters a connection. Safe to call more than once.
func (t *Tracker[T]) Remove(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.connections[conn]; ok {
		delete(t.connections, conn)
		t.count.Add(-1)
	}
}

// Count returns the number of tracked connections.
func (t *Tracker[T]) Count() int64 {
	return t.count.Load()
}

// CloseAll closes every tracked connection and empties the tracker.
func (t *Tracker[T]) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.connections {
		conn.Close()
	}
	t.connections = make(map[T]struct{})
	t.count.Store(0)
}
