package discovery

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"
)

// ProtocolVersion is advertised in every beacon's TXT record so peers
// can detect an incompatible mesh protocol before attempting a
// handshake.
const ProtocolVersion = "1.0.0"

// MulticastBackend advertises this node and browses for peers over
// mDNS/DNS-SD.
type MulticastBackend struct {
	DeviceID string
	Host     string
	Port     int
}

// Start advertises the local service and browses for others,
// translating dnssd add/remove callbacks into Events.
func (b *MulticastBackend) Start(ctx context.Context) (<-chan Event, error) {
	cfg := dnssd.Config{
		Name: b.DeviceID,
		Type: ServiceType,
		Port: b.Port,
		Text: map[string]string{
			"deviceId": b.DeviceID,
			"version":  ProtocolVersion,
		},
	}
	if b.Host != "" {
		cfg.Host = b.Host
	}

	service, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build mDNS service descriptor: %w", err)
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS responder: %w", err)
	}
	if _, err := responder.Add(service); err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	go func() {
		_ = responder.Respond(ctx)
	}()

	out := make(chan Event, 32)

	lookupType := fmt.Sprintf("%s.local.", ServiceType)
	go func() {
		defer close(out)
		_ = dnssd.LookupType(ctx, lookupType,
			func(entry dnssd.BrowseEntry) { emit(ctx, out, PeerDiscovered, entry) },
			func(entry dnssd.BrowseEntry) { emit(ctx, out, PeerLost, entry) },
		)
	}()

	return out, nil
}

func emit(ctx context.Context, out chan<- Event, kind EventKind, entry dnssd.BrowseEntry) {
	deviceID := entry.Text["deviceId"]
	if deviceID == "" {
		deviceID = entry.Name
	}

	peer := Peer{
		DeviceID:       deviceID,
		Host:           entry.Host,
		Port:           entry.Port,
		TLSFingerprint: entry.Text["tlsFingerprint"],
	}

	select {
	case out <- Event{Kind: kind, Peer: peer}:
	case <-ctx.Done():
	}
}
