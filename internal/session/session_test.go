package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[string][][]byte
	fn   func(connID string, payload []byte)
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string][][]byte)}
}

func (f *fakeSender) Send(_ context.Context, connID string, payload []byte) error {
	f.mu.Lock()
	f.sent[connID] = append(f.sent[connID], payload)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(connID, payload)
	}
	return nil
}

func TestPutEvictsPriorSessionForSameDevice(t *testing.T) {
	r := NewRegistry(newFakeSender())

	r.Put(&Session{DeviceID: "device-a", ConnID: "conn-1"})
	evicted := r.Put(&Session{DeviceID: "device-a", ConnID: "conn-2"})

	if evicted != "conn-1" {
		t.Fatalf("evictedConnID = %q, want conn-1", evicted)
	}
	if _, ok := r.ByConnID("conn-1"); ok {
		t.Fatal("expected conn-1 to be gone")
	}
	s, ok := r.ByDeviceID("device-a")
	if !ok || s.ConnID != "conn-2" {
		t.Fatal("expected device-a to resolve to conn-2")
	}
}

func TestRemoveDropsBothIndices(t *testing.T) {
	r := NewRegistry(newFakeSender())
	r.Put(&Session{DeviceID: "device-a", ConnID: "conn-1"})

	s, ok := r.Remove("conn-1")
	if !ok || s.DeviceID != "device-a" {
		t.Fatal("expected Remove to return the session")
	}
	if _, ok := r.ByDeviceID("device-a"); ok {
		t.Fatal("expected device-a to be gone after Remove")
	}
}

func TestInvokeResolvesOnMatchingResult(t *testing.T) {
	sender := newFakeSender()
	r := NewRegistry(sender)
	r.Put(&Session{DeviceID: "device-a", ConnID: "conn-1"})

	sender.fn = func(connID string, payload []byte) {
		go r.HandleRPCResult("req-1", []byte("ok"), nil)
	}

	result, err := r.Invoke(context.Background(), "device-a", "req-1", []byte("ping"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(result) != "ok" {
		t.Fatalf("result = %q, want ok", result)
	}
}

func TestInvokeTimesOutWithoutResult(t *testing.T) {
	r := NewRegistry(newFakeSender())
	r.Put(&Session{DeviceID: "device-a", ConnID: "conn-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Invoke(ctx, "device-a", "req-timeout", []byte("ping"))
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestInvokeReturnsErrorForUnknownPeer(t *testing.T) {
	r := NewRegistry(newFakeSender())
	_, err := r.Invoke(context.Background(), "ghost", "req-1", []byte("ping"))
	if err == nil {
		t.Fatal("expected error for unknown peer")
	}
	if serr, ok := err.(*Error); !ok || serr.Code != ErrNotConnected {
		t.Fatalf("expected NOT_CONNECTED, got %v", err)
	}
}

func TestPutFailsPendingRPCForEvictedDevice(t *testing.T) {
	sender := newFakeSender()
	sender.fn = func(connID string, payload []byte) {} // never resolves the RPC
	r := NewRegistry(sender)
	r.Put(&Session{DeviceID: "device-a", ConnID: "conn-1"})

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Invoke(context.Background(), "device-a", "req-1", []byte("ping"))
		errCh <- err
	}()

	// Give Invoke a moment to register its pending entry before the
	// reconnect evicts it.
	time.Sleep(20 * time.Millisecond)
	r.Put(&Session{DeviceID: "device-a", ConnID: "conn-2"})

	select {
	case err := <-errCh:
		serr, ok := err.(*Error)
		if !ok || serr.Code != ErrPeerDisconnected {
			t.Fatalf("expected PEER_DISCONNECTED, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for evicted RPC to fail")
	}
}

func TestRemoveFailsPendingRPCForDisconnectedPeer(t *testing.T) {
	sender := newFakeSender()
	sender.fn = func(connID string, payload []byte) {} // never resolves the RPC
	r := NewRegistry(sender)
	r.Put(&Session{DeviceID: "device-a", ConnID: "conn-1"})

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Invoke(context.Background(), "device-a", "req-1", []byte("ping"))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	r.Remove("conn-1")

	select {
	case err := <-errCh:
		serr, ok := err.(*Error)
		if !ok || serr.Code != ErrPeerDisconnected {
			t.Fatalf("expected PEER_DISCONNECTED, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnected RPC to fail")
	}
}

func TestBroadcastEventReachesAllSessions(t *testing.T) {
	sender := newFakeSender()
	r := NewRegistry(sender)
	r.Put(&Session{DeviceID: "device-a", ConnID: "conn-1"})
	r.Put(&Session{DeviceID: "device-b", ConnID: "conn-2"})

	errs := r.BroadcastEvent(context.Background(), []byte("event"))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	for _, conn := range []string{"conn-1", "conn-2"} {
		if len(sender.sent[conn]) != 1 {
			t.Fatalf("expected one event sent to %s, got %d", conn, len(sender.sent[conn]))
		}
	}
}

func TestListConnectedReturnsSnapshot(t *testing.T) {
	r := NewRegistry(newFakeSender())
	for i := 0; i < 3; i++ {
		r.Put(&Session{DeviceID: fmt.Sprintf("device-%d", i), ConnID: fmt.Sprintf("conn-%d", i)})
	}
	if got := len(r.ListConnected()); got != 3 {
		t.Fatalf("ListConnected() len = %d, want 3", got)
	}
}
