package discovery

import (
	"context"
	"testing"
	"time"
)

func TestStaticBackendEmitsConfiguredPeers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := &StaticBackend{Peers: []Peer{
		{DeviceID: "device-a", Host: "192.168.1.10", Port: 7777},
		{DeviceID: "device-b", Host: "192.168.1.11", Port: 7777},
	}}

	ch, err := b.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := map[string]Peer{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			got[ev.Peer.DeviceID] = ev.Peer
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for static backend event")
		}
	}

	if len(got) != 2 {
		t.Fatalf("got %d peers, want 2", len(got))
	}
}

func TestMultiplexerFiltersSelfAndDedupes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := &StaticBackend{Peers: []Peer{
		{DeviceID: "self-device", Host: "127.0.0.1", Port: 1},
		{DeviceID: "device-a", Host: "192.168.1.10", Port: 7777},
	}}

	mux := NewMultiplexer("self-device", b)
	ch, err := mux.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Peer.DeviceID != "device-a" {
			t.Fatalf("expected device-a, got %s", ev.Peer.DeviceID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for multiplexed event")
	}

	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("expected no further events (self should be filtered), got %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
	}
}
