package context

import "sync"

// DefaultMaxHistory bounds the ring buffer of recent frames.
const DefaultMaxHistory = 1000

// Entry is a world-model record: the latest frame known for a key,
// plus how many frames have been ingested for that key (1 after the
// first).
type Entry struct {
	Frame       Frame
	UpdateCount int
}

// WorldModel is the latest-wins store fed by the Propagator: one entry
// per (sourceDeviceId, kind, identity), plus a bounded ring buffer of
// every ingested frame in arrival order.
type WorldModel struct {
	maxHistory int

	mu      sync.RWMutex
	entries map[key]*Entry
	seenIDs map[string]bool
	history []Frame
	nextIdx int
	full    bool
}

// NewWorldModel builds a WorldModel keeping at most maxHistory frames
// in its ring buffer (DefaultMaxHistory if maxHistory <= 0).
func NewWorldModel(maxHistory int) *WorldModel {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &WorldModel{
		maxHistory: maxHistory,
		entries:    make(map[key]*Entry),
		seenIDs:    make(map[string]bool),
		history:    make([]Frame, maxHistory),
	}
}

// Ingest deduplicates on frameId, upserts the latest-wins entry for
// the frame's composite key, and appends to the ring buffer. Returns
// false if the frame was already seen (a no-op).
func (w *WorldModel) Ingest(f Frame) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seenIDs[f.FrameID] {
		return false
	}
	w.seenIDs[f.FrameID] = true

	k := keyOf(f)
	if e, ok := w.entries[k]; ok {
		e.Frame = f
		e.UpdateCount++
	} else {
		w.entries[k] = &Entry{Frame: f, UpdateCount: 1}
	}

	w.history[w.nextIdx] = f
	w.nextIdx = (w.nextIdx + 1) % w.maxHistory
	if w.nextIdx == 0 {
		w.full = true
	}

	return true
}

// Get returns the latest entry for (sourceDeviceId, kind, identity).
func (w *WorldModel) Get(sourceDeviceID string, kind Kind, identity string) (Entry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entries[key{SourceDeviceID: sourceDeviceID, Kind: kind, Identity: identity}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// GetByKind returns every latest-wins entry of the given kind.
func (w *WorldModel) GetByKind(kind Kind) []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var out []Entry
	for k, e := range w.entries {
		if k.Kind == kind {
			out = append(out, *e)
		}
	}
	return out
}

// GetAll returns every latest-wins entry.
func (w *WorldModel) GetAll() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, *e)
	}
	return out
}

// GetRecentFrames returns up to limit of the most recently ingested
// frames, newest first.
func (w *WorldModel) GetRecentFrames(limit int) []Frame {
	w.mu.RLock()
	defer w.mu.RUnlock()

	size := w.nextIdx
	if w.full {
		size = w.maxHistory
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Frame, 0, limit)
	idx := w.nextIdx
	for i := 0; i < limit; i++ {
		idx = (idx - 1 + w.maxHistory) % w.maxHistory
		out = append(out, w.history[idx])
	}
	return out
}

// Size returns the number of latest-wins entries currently held.
func (w *WorldModel) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}
