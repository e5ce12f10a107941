// Package store persists a warm-restart snapshot of the world model to
// disk, so a node doesn't start from an empty model after a restart.
package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"

	meshcontext "github.com/clawmesh/clawmesh/internal/context"
)

var (
	entriesBucket = []byte("world_model_entries")
	historyBucket = []byte("world_model_history")
	metaBucket    = []byte("meta")
)

const historyIndexKey = "next_index"

// SnapshotStore persists WorldModel entries and recent-frame history
// across restarts.
type SnapshotStore struct {
	db   *bbolt.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if absent) the snapshot database at path.
func Open(path string) (*SnapshotStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}

	s := &SnapshotStore{db: db, path: path}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SnapshotStore) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, historyBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// entryKeyBytes encodes a world-model composite key as a flat bucket
// key, since bbolt keys are byte strings.
func entryKeyBytes(sourceDeviceID string, kind meshcontext.Kind, identity string) []byte {
	return []byte(sourceDeviceID + "\x00" + string(kind) + "\x00" + identity)
}

// PersistEntry upserts one latest-wins world-model entry into the
// snapshot, overwriting any prior value for the same key.
func (s *SnapshotStore) PersistEntry(sourceDeviceID string, kind meshcontext.Kind, identity string, entry meshcontext.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal world model entry: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).Put(entryKeyBytes(sourceDeviceID, kind, identity), data)
	})
}

// LoadEntries reads every persisted world-model entry back.
func (s *SnapshotStore) LoadEntries() ([]meshcontext.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []meshcontext.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(_, v []byte) error {
			var e meshcontext.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to unmarshal world model entry: %w", err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// PersistFrame appends one frame to the persisted history log, keyed
// by a monotonically increasing index so ForEach iterates in arrival
// order.
func (s *SnapshotStore) PersistFrame(f meshcontext.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		idx, err := nextHistoryIndex(meta)
		if err != nil {
			return err
		}
		if err := tx.Bucket(historyBucket).Put(indexKeyBytes(idx), data); err != nil {
			return fmt.Errorf("failed to persist frame: %w", err)
		}
		return meta.Put([]byte(historyIndexKey), indexKeyBytes(idx+1))
	})
}

// LoadHistory reads the persisted frame history back, in arrival
// order.
func (s *SnapshotStore) LoadHistory() ([]meshcontext.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []meshcontext.Frame
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(historyBucket).ForEach(func(_, v []byte) error {
			var f meshcontext.Frame
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("failed to unmarshal frame: %w", err)
			}
			out = append(out, f)
			return nil
		})
	})
	return out, err
}

func nextHistoryIndex(meta *bbolt.Bucket) (uint64, error) {
	raw := meta.Get([]byte(historyIndexKey))
	if raw == nil {
		return 0, nil
	}
	idx, err := indexFromBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to read history index: %w", err)
	}
	return idx, nil
}

func indexKeyBytes(idx uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(idx & 0xff)
		idx >>= 8
	}
	return b
}

func indexFromBytes(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid index length %d", len(b))
	}
	var idx uint64
	for _, c := range b {
		idx = idx<<8 | uint64(c)
	}
	return idx, nil
}
