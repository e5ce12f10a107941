// Package capability tracks what each peer (and the local node) can do,
// and resolves which peer should handle an operation.
package capability

import (
	"sort"
	"sync"
)

// Registry holds the capability set advertised by each known peer.
type Registry struct {
	localDeviceID string
	local         map[string]bool

	mu    sync.RWMutex
	peers map[string]map[string]bool
}

// NewRegistry builds a Registry for localDeviceID with its own
// capability set.
func NewRegistry(localDeviceID string, localCapabilities []string) *Registry {
	local := make(map[string]bool, len(localCapabilities))
	for _, c := range localCapabilities {
		local[c] = true
	}
	return &Registry{
		localDeviceID: localDeviceID,
		local:         local,
		peers:         make(map[string]map[string]bool),
	}
}

// SetPeerCapabilities records (replacing any prior value) the
// capability set advertised by a peer.
func (r *Registry) SetPeerCapabilities(deviceID string, capabilities []string) {
	set := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		set[c] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[deviceID] = set
}

// RemovePeer drops a peer's capability record, e.g. on disconnect.
func (r *Registry) RemovePeer(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, deviceID)
}

// HasLocalCapability reports whether the local node can serve
// operation directly.
func (r *Registry) HasLocalCapability(operation string) bool {
	return r.local[operation]
}

// ResolveRoute returns the deviceId that should handle operation: the
// local node if it has the capability, otherwise the mesh peer
// advertising it with the lexicographically smallest deviceId (a
// deterministic tiebreak requiring no coordination between peers).
// ok is false if no known party can serve the operation.
func (r *Registry) ResolveRoute(operation string) (deviceID string, ok bool) {
	if r.HasLocalCapability(operation) {
		return r.localDeviceID, true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []string
	for peer, caps := range r.peers {
		if caps[operation] {
			candidates = append(candidates, peer)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Strings(candidates)
	return candidates[0], true
}

// FindPeerWithChannel resolves the party serving channel:name, local
// node included.
func (r *Registry) FindPeerWithChannel(name string) (deviceID string, ok bool) {
	return r.ResolveRoute("channel:" + name)
}

// FindPeerWithSkill resolves the party serving skill:name, local node
// included.
func (r *Registry) FindPeerWithSkill(name string) (deviceID string, ok bool) {
	return r.ResolveRoute("skill:" + name)
}

// FindPeersWithCapability lists every mesh peer advertising the exact
// literal capability string, in ascending deviceId order.
func (r *Registry) FindPeersWithCapability(capability string) []string {
	return r.PeersWithCapability(capability)
}

// PeersWithCapability lists every known peer (excluding the local
// node) advertising operation, in ascending deviceId order.
func (r *Registry) PeersWithCapability(operation string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for peer, caps := range r.peers {
		if caps[operation] {
			out = append(out, peer)
		}
	}
	sort.Strings(out)
	return out
}
