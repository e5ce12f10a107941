// Package session tracks live, authenticated mesh connections and the
// in-flight RPCs made over them.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRPCTimeout bounds how long Invoke waits for a matching result
// before giving up.
const DefaultRPCTimeout = 30 * time.Second

// ErrorCode identifies a typed session/transport failure.
type ErrorCode string

const (
	ErrNotConnected     ErrorCode = "NOT_CONNECTED"
	ErrSendFailed       ErrorCode = "SEND_FAILED"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrPeerDisconnected ErrorCode = "PEER_DISCONNECTED"
)

// Error is a typed session/transport failure.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// ErrorCode and ErrorMessage let transport.Conn thread this error's
// code and message onto the wire as a structured frame error instead
// of flattening it through Error().
func (e *Error) ErrorCode() string    { return string(e.Code) }
func (e *Error) ErrorMessage() string { return e.Message }

func fail(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sender delivers a framed message over a connection. Supplied by the
// transport layer so this package stays transport-agnostic.
type Sender interface {
	Send(ctx context.Context, connID string, payload []byte) error
}

// Session is one authenticated, live connection to a peer.
type Session struct {
	DeviceID     string
	ConnID       string
	Capabilities []string
	ConnectedAt  time.Time
	Outbound     bool
}

type pending struct {
	deviceID string
	resultCh chan []byte
	errCh    chan error
}

// Registry is the dual-indexed table of live sessions (by deviceId and
// by connId) plus the pending-RPC correlation table.
type Registry struct {
	sender Sender

	mu         sync.RWMutex
	byDevice   map[string]*Session
	byConn     map[string]*Session
	pendingRPC map[string]*pending
}

// NewRegistry builds a Registry that sends outbound frames via sender.
func NewRegistry(sender Sender) *Registry {
	return &Registry{
		sender:     sender,
		byDevice:   make(map[string]*Session),
		byConn:     make(map[string]*Session),
		pendingRPC: make(map[string]*pending),
	}
}

// Put registers a newly authenticated session, evicting any prior
// session for the same deviceId (a peer reconnecting supersedes its
// old connection rather than coexisting with it) and failing any RPC
// still pending against that old connection with PEER_DISCONNECTED.
func (r *Registry) Put(s *Session) (evictedConnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byDevice[s.DeviceID]; ok {
		delete(r.byConn, old.ConnID)
		evictedConnID = old.ConnID
	}

	r.byDevice[s.DeviceID] = s
	r.byConn[s.ConnID] = s

	if evictedConnID != "" {
		r.failPendingLocked(s.DeviceID, fail(ErrPeerDisconnected, "session for %s was superseded by a new connection", s.DeviceID))
	}

	return evictedConnID
}

// Remove drops the session for connID, if any, returning it, and fails
// any RPC still pending against that peer with PEER_DISCONNECTED.
func (r *Registry) Remove(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(r.byConn, connID)
	if cur, ok := r.byDevice[s.DeviceID]; ok && cur.ConnID == connID {
		delete(r.byDevice, s.DeviceID)
	}

	r.failPendingLocked(s.DeviceID, fail(ErrPeerDisconnected, "peer %s disconnected", s.DeviceID))

	return s, true
}

// failPendingLocked resolves every pending RPC bound to deviceID with
// err. Callers must hold r.mu.
func (r *Registry) failPendingLocked(deviceID string, err error) {
	for id, p := range r.pendingRPC {
		if p.deviceID != deviceID {
			continue
		}
		select {
		case p.errCh <- err:
		default:
		}
		delete(r.pendingRPC, id)
	}
}

// ByDeviceID looks up the live session for a deviceId.
func (r *Registry) ByDeviceID(deviceID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDevice[deviceID]
	return s, ok
}

// ByConnID looks up the live session for a connection id.
func (r *Registry) ByConnID(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[connID]
	return s, ok
}

// ListConnected returns a snapshot of all live sessions.
func (r *Registry) ListConnected() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byDevice))
	for _, s := range r.byDevice {
		out = append(out, s)
	}
	return out
}

// Invoke sends payload to the session for deviceId and blocks until a
// correlated result arrives via HandleRPCResult, ctx is cancelled, or
// DefaultRPCTimeout elapses.
func (r *Registry) Invoke(ctx context.Context, deviceID, requestID string, payload []byte) ([]byte, error) {
	s, ok := r.ByDeviceID(deviceID)
	if !ok {
		return nil, fail(ErrNotConnected, "no live session for peer %s", deviceID)
	}

	if requestID == "" {
		requestID = uuid.NewString()
	}

	p := &pending{deviceID: deviceID, resultCh: make(chan []byte, 1), errCh: make(chan error, 1)}
	r.mu.Lock()
	r.pendingRPC[requestID] = p
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pendingRPC, requestID)
		r.mu.Unlock()
	}()

	if err := r.sender.Send(ctx, s.ConnID, payload); err != nil {
		return nil, fail(ErrSendFailed, "failed to send RPC request: %v", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, DefaultRPCTimeout)
	defer cancel()

	select {
	case result := <-p.resultCh:
		return result, nil
	case err := <-p.errCh:
		return nil, err
	case <-timeoutCtx.Done():
		return nil, fail(ErrTimeout, "RPC %s to %s timed out", requestID, deviceID)
	}
}

// HandleRPCResult delivers an asynchronously-arrived RPC result to the
// goroutine blocked in Invoke for requestID, if one is still waiting.
func (r *Registry) HandleRPCResult(requestID string, result []byte, rpcErr error) {
	r.mu.RLock()
	p, ok := r.pendingRPC[requestID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if rpcErr != nil {
		p.errCh <- rpcErr
		return
	}
	p.resultCh <- result
}

// SendEvent delivers a fire-and-forget event frame to one peer.
func (r *Registry) SendEvent(ctx context.Context, deviceID string, payload []byte) error {
	s, ok := r.ByDeviceID(deviceID)
	if !ok {
		return fail(ErrNotConnected, "no live session for peer %s", deviceID)
	}
	if err := r.sender.Send(ctx, s.ConnID, payload); err != nil {
		return fail(ErrSendFailed, "failed to send event: %v", err)
	}
	return nil
}

// BroadcastEvent delivers an event frame to every live session,
// collecting per-peer send errors rather than aborting on the first.
func (r *Registry) BroadcastEvent(ctx context.Context, payload []byte) map[string]error {
	sessions := r.ListConnected()
	errs := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := r.sender.Send(ctx, s.ConnID, payload); err != nil {
				mu.Lock()
				errs[s.DeviceID] = err
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	return errs
}
