package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrConnNotFound indicates the requested connection id has no live
// socket registered in the hub (already closed, evicted, or never
// connected).
var ErrConnNotFound = errors.New("no live connection")

// Hub tracks live connections by id and implements session.Sender by
// writing an already-encoded frame to the right socket.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

// Add registers a connection under its id.
func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
}

// Remove drops a connection by id.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, connID)
}

// Get looks up a connection by id.
func (h *Hub) Get(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connID]
	return c, ok
}

// Send implements session.Sender: payload is an already-encoded Frame
// (built by the node runtime, which knows the method name and request
// id), and Send simply delivers those bytes to connID.
func (h *Hub) Send(_ context.Context, connID string, payload []byte) error {
	c, ok := h.Get(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnNotFound, connID)
	}
	return c.WriteRaw(payload)
}
