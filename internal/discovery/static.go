package discovery

import "context"

// StaticBackend announces a fixed, operator-configured list of peers
// once at start, for LANs where mDNS is unavailable or blocked.
type StaticBackend struct {
	Peers []Peer
}

// Start emits a PeerDiscovered event for every configured peer, then
// idles until ctx is cancelled.
func (b *StaticBackend) Start(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event, len(b.Peers))
	for _, p := range b.Peers {
		out <- Event{Kind: PeerDiscovered, Peer: p}
	}

	go func() {
		<-ctx.Done()
		close(out)
	}()

	return out, nil
}
