// Package discovery finds candidate mesh peers on the local network,
// either via mDNS advertisement/browsing or a static configured list.
package discovery

import (
	"context"
	"fmt"
	"sync"
)

// ServiceType is the mDNS service type advertised and browsed for.
const ServiceType = "_clawmesh._tcp"

// Peer is a discovered candidate, not yet trusted or connected.
type Peer struct {
	DeviceID       string `yaml:"deviceId" json:"deviceId"`
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	TLSFingerprint string `yaml:"tlsFingerprint,omitempty" json:"tlsFingerprint,omitempty"`
}

// EventKind distinguishes discovery add/remove notifications.
type EventKind int

const (
	PeerDiscovered EventKind = iota
	PeerLost
)

// Event is emitted by a Backend when a candidate peer appears or
// disappears.
type Event struct {
	Kind EventKind
	Peer Peer
}

// Backend finds peers via one discovery mechanism.
type Backend interface {
	// Start begins discovery, emitting Events on the returned channel
	// until ctx is cancelled, at which point the channel is closed.
	Start(ctx context.Context) (<-chan Event, error)
}

// Multiplexer fans events from multiple backends into a single
// deduplicated stream, filtering out the local node's own
// advertisement.
type Multiplexer struct {
	selfDeviceID string
	backends     []Backend

	mu   sync.Mutex
	seen map[string]Peer
}

// NewMultiplexer builds a Multiplexer that suppresses events for
// selfDeviceID and fans out across backends.
func NewMultiplexer(selfDeviceID string, backends ...Backend) *Multiplexer {
	return &Multiplexer{
		selfDeviceID: selfDeviceID,
		backends:     backends,
		seen:         make(map[string]Peer),
	}
}

// Start launches all backends and returns a single merged event
// channel. The channel closes once ctx is cancelled and every backend
// has drained.
func (m *Multiplexer) Start(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event, 32)

	var wg sync.WaitGroup
	for _, b := range m.backends {
		ch, err := b.Start(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to start discovery backend: %w", err)
		}

		wg.Add(1)
		go func(ch <-chan Event) {
			defer wg.Done()
			for ev := range ch {
				if ev.Peer.DeviceID == m.selfDeviceID {
					continue
				}
				if m.dedupe(ev) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

// dedupe reports whether ev is a no-op relative to the last known
// state for that peer (same kind, same address), so repeated mDNS
// announces don't flood downstream consumers.
func (m *Multiplexer) dedupe(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, existed := m.seen[ev.Peer.DeviceID]
	switch ev.Kind {
	case PeerDiscovered:
		if existed && prev == ev.Peer {
			return true
		}
		m.seen[ev.Peer.DeviceID] = ev.Peer
		return false
	case PeerLost:
		if !existed {
			return true
		}
		delete(m.seen, ev.Peer.DeviceID)
		return false
	default:
		return false
	}
}
