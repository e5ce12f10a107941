package context

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxGossipHops bounds how many times a frame is re-emitted before
// propagation stops.
const MaxGossipHops = 3

// DefaultMaxSeenIDs bounds the propagator's seen-frame set.
const DefaultMaxSeenIDs = 5000

// trimFraction is the fraction of maxSeenIds kept after a trim.
const trimFraction = 0.75

// Emitter delivers a frame to every live session except skip (pass ""
// to mean no exclusion).
type Emitter interface {
	EmitFrame(ctx context.Context, f Frame, skipDeviceID string)
}

// Propagator implements the gossip broadcast/handleInbound contract:
// hop-limited re-emission into a bounded seen-set, with ingestion into
// a WorldModel.
type Propagator struct {
	selfDeviceID string
	maxSeenIDs   int
	world        *WorldModel
	emitter      Emitter

	mu      sync.Mutex
	seen    map[string]bool
	seenAge []string // insertion order, oldest first
}

// NewPropagator builds a Propagator for selfDeviceID, gossiping
// through emitter and ingesting into world.
func NewPropagator(selfDeviceID string, world *WorldModel, emitter Emitter) *Propagator {
	return &Propagator{
		selfDeviceID: selfDeviceID,
		maxSeenIDs:   DefaultMaxSeenIDs,
		world:        world,
		emitter:      emitter,
		seen:         make(map[string]bool),
	}
}

// Broadcast stamps a fresh frame (frameId, source, timestamp, hops=0),
// records it as seen, ingests it locally, and emits it to every
// session.
func (p *Propagator) Broadcast(ctx context.Context, f Frame) Frame {
	f.FrameID = uuid.NewString()
	f.SourceDeviceID = p.selfDeviceID
	f.TimestampMs = time.Now().UnixMilli()
	f.Hops = 0

	p.markSeen(f.FrameID)
	p.world.Ingest(f)
	p.emitter.EmitFrame(ctx, f, "")

	return f
}

// HandleInbound processes a frame received from fromDeviceID:
// idempotent on frameId, drops the node's own frames looping back,
// ingests into the world model, and re-emits to every session except
// the sender while hops remain under MaxGossipHops.
func (p *Propagator) HandleInbound(ctx context.Context, f Frame, fromDeviceID string) {
	p.mu.Lock()
	alreadySeen := p.seen[f.FrameID]
	p.mu.Unlock()
	if alreadySeen {
		return
	}

	if f.SourceDeviceID == p.selfDeviceID {
		p.markSeen(f.FrameID)
		return
	}

	p.markSeen(f.FrameID)
	p.world.Ingest(f)

	if f.Hops < MaxGossipHops {
		next := f
		next.Hops++
		p.emitter.EmitFrame(ctx, next, fromDeviceID)
	}
}

// BroadcastObservation builds and broadcasts an observation frame.
func (p *Propagator) BroadcastObservation(ctx context.Context, data map[string]any) Frame {
	return p.Broadcast(ctx, NewObservation(p.selfDeviceID, data))
}

// BroadcastHumanInput builds and broadcasts a human-input frame.
func (p *Propagator) BroadcastHumanInput(ctx context.Context, data map[string]any) Frame {
	return p.Broadcast(ctx, NewHumanInput(p.selfDeviceID, data))
}

// BroadcastInference builds and broadcasts an inference frame.
func (p *Propagator) BroadcastInference(ctx context.Context, data map[string]any) Frame {
	return p.Broadcast(ctx, NewInference(p.selfDeviceID, data))
}

// markSeen records frameId as seen, trimming the seen-set to the most
// recent trimFraction once it exceeds maxSeenIDs.
func (p *Propagator) markSeen(frameID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen[frameID] {
		return
	}
	p.seen[frameID] = true
	p.seenAge = append(p.seenAge, frameID)

	if len(p.seenAge) <= p.maxSeenIDs {
		return
	}

	keep := int(float64(p.maxSeenIDs) * trimFraction)
	drop := p.seenAge[:len(p.seenAge)-keep]
	for _, id := range drop {
		delete(p.seen, id)
	}
	p.seenAge = append([]string(nil), p.seenAge[len(p.seenAge)-keep:]...)
}
