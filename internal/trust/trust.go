// Package trust manages the set of trusted peer devices: the only peers
// permitted to complete a handshake (spec §4.1).
package trust

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/clawmesh/clawmesh/internal/identity"
)

// Peer is a trusted-peer entry.
type Peer struct {
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	AddedAtIso  string `json:"addedAtIso"`
}

// PublicKeyBytes decodes the peer's hex public key, if present.
func (p Peer) PublicKeyBytes() (ed25519.PublicKey, error) {
	if p.PublicKey == "" {
		return nil, nil
	}
	return identity.ParsePublicKeyHex(p.PublicKey)
}

type fileFormat struct {
	Version int    `json:"version"`
	Peers   []Peer `json:"peers"`
}

const lockRetries = 8

// Store is a file-backed, lock-protected trusted-peer set.
type Store struct {
	path string
	lock *flock.Flock

	mu    sync.RWMutex
	peers map[string]Peer
}

// Load opens (creating if absent) the trust store at path.
func Load(path string) (*Store, error) {
	s := &Store{
		path:  path,
		lock:  flock.New(path + ".lock"),
		peers: make(map[string]Peer),
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			if err := s.persistLocked(); err != nil {
				return nil, err
			}
			return s, nil
		}
		return nil, fmt.Errorf("failed to stat trust store: %w", err)
	}

	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read trust store: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("failed to parse trust store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = make(map[string]Peer, len(ff.Peers))
	for _, p := range ff.Peers {
		s.peers[p.DeviceID] = p
	}
	return nil
}

// withLock acquires the advisory file lock with bounded retry and
// jittered backoff.
func (s *Store) withLock(fn func() error) error {
	var acquired bool
	var lastErr error
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < lockRetries; attempt++ {
		ok, err := s.lock.TryLock()
		if err != nil {
			lastErr = err
		} else if ok {
			acquired = true
			break
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		time.Sleep(backoff + jitter)
		backoff *= 2
	}
	if !acquired {
		if lastErr != nil {
			return fmt.Errorf("failed to acquire trust store lock: %w", lastErr)
		}
		return fmt.Errorf("failed to acquire trust store lock: timed out")
	}
	defer s.lock.Unlock()

	return fn()
}

// persistLocked writes the current in-memory set to disk atomically,
// under the file lock.
func (s *Store) persistLocked() error {
	return s.withLock(func() error {
		s.mu.RLock()
		peers := make([]Peer, 0, len(s.peers))
		for _, p := range s.peers {
			peers = append(peers, p)
		}
		s.mu.RUnlock()

		ff := fileFormat{Version: 1, Peers: peers}
		data, err := json.MarshalIndent(ff, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal trust store: %w", err)
		}

		dir := filepath.Dir(s.path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create trust store directory: %w", err)
		}

		tmp, err := os.CreateTemp(dir, ".trusted-peers-*.tmp")
		if err != nil {
			return fmt.Errorf("failed to create temp trust store file: %w", err)
		}
		tmpPath := tmp.Name()
		defer os.Remove(tmpPath)

		if err := tmp.Chmod(0600); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to chmod temp trust store file: %w", err)
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write temp trust store file: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("failed to close temp trust store file: %w", err)
		}

		return os.Rename(tmpPath, s.path)
	})
}

// Add inserts or updates a trusted peer. Idempotent by DeviceID.
func (s *Store) Add(p Peer) error {
	if p.DeviceID == "" {
		return fmt.Errorf("deviceId must not be empty")
	}
	if p.AddedAtIso == "" {
		p.AddedAtIso = time.Now().UTC().Format(time.RFC3339)
	}

	s.mu.Lock()
	s.peers[p.DeviceID] = p
	s.mu.Unlock()

	return s.persistLocked()
}

// Remove deletes a trusted peer, if present.
func (s *Store) Remove(deviceID string) error {
	s.mu.Lock()
	_, existed := s.peers[deviceID]
	delete(s.peers, deviceID)
	s.mu.Unlock()

	if !existed {
		return nil
	}
	return s.persistLocked()
}

// Contains reports whether deviceID is trusted.
func (s *Store) Contains(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.peers[deviceID]
	return ok
}

// Get returns the trusted peer entry for deviceID.
func (s *Store) Get(deviceID string) (Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[deviceID]
	return p, ok
}

// List returns a snapshot of all trusted peers.
func (s *Store) List() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}
