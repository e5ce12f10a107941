// Package context implements bounded gossip of context frames and the
// latest-wins world model they feed.
package context

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clawmesh/clawmesh/internal/envelope"
)

// Kind names the conventional category of a context frame.
type Kind string

const (
	KindObservation      Kind = "observation"
	KindEvent            Kind = "event"
	KindHumanInput       Kind = "human_input"
	KindInference        Kind = "inference"
	KindCapabilityUpdate Kind = "capability_update"
)

// Frame is one piece of gossiped context: an observation, an event, a
// human input, an inference, or a capability update, tagged with
// trust evidence.
type Frame struct {
	FrameID        string          `json:"frameId"`
	SourceDeviceID string          `json:"sourceDeviceId"`
	Kind           Kind            `json:"kind"`
	Data           map[string]any  `json:"data,omitempty"`
	Trust          *envelope.Trust `json:"trust,omitempty"`
	TimestampMs    int64           `json:"timestamp"`
	Hops           int             `json:"hops"`
}

// key is the composite world-model key: latest-wins is scoped per
// (source, kind, identity) triple, where identity is derived from the
// frame's data rather than carried as a field on the wire.
type key struct {
	SourceDeviceID string
	Kind           Kind
	Identity       string
}

func keyOf(f Frame) key {
	return key{SourceDeviceID: f.SourceDeviceID, Kind: f.Kind, Identity: DeriveIdentity(f.Kind, f.Data)}
}

// DeriveIdentity computes the stable identity of a frame's data for
// world-model keying: for observation frames carrying both a zone and
// a metric, identity is the (zone, metric) pair; otherwise it is the
// canonical JSON of data with keys in sorted order (which is exactly
// what encoding/json produces for a map[string]any).
func DeriveIdentity(kind Kind, data map[string]any) string {
	if kind == KindObservation {
		zone, hasZone := data["zone"]
		metric, hasMetric := data["metric"]
		if hasZone && hasMetric {
			return fmt.Sprintf("%v|%v", zone, metric)
		}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(b)
}

// newFrame stamps a fresh frameId, source, timestamp and zero hop
// count onto a caller-built frame.
func newFrame(selfDeviceID string, kind Kind, data map[string]any, trust *envelope.Trust) Frame {
	return Frame{
		FrameID:        uuid.NewString(),
		SourceDeviceID: selfDeviceID,
		Kind:           kind,
		Data:           data,
		Trust:          trust,
		TimestampMs:    time.Now().UnixMilli(),
		Hops:           0,
	}
}

// NewObservation builds an observation frame, conventionally sourced
// from a sensor at T2.
func NewObservation(selfDeviceID string, data map[string]any) Frame {
	trust := &envelope.Trust{
		ActionType:        envelope.ActionObservation,
		EvidenceSources:   []string{"sensor"},
		EvidenceTrustTier: envelope.TierT2OperationalObservation,
	}
	return newFrame(selfDeviceID, KindObservation, data, trust)
}

// NewHumanInput builds a human-input frame, conventionally sourced
// from a human at T3.
func NewHumanInput(selfDeviceID string, data map[string]any) Frame {
	trust := &envelope.Trust{
		ActionType:        envelope.ActionCommunication,
		EvidenceSources:   []string{"human"},
		EvidenceTrustTier: envelope.TierT3VerifiedActionEvidence,
	}
	return newFrame(selfDeviceID, KindHumanInput, data, trust)
}

// NewInference builds an inference frame, conventionally sourced from
// an LLM at T0.
func NewInference(selfDeviceID string, data map[string]any) Frame {
	trust := &envelope.Trust{
		ActionType:        envelope.ActionCommunication,
		EvidenceSources:   []string{"llm"},
		EvidenceTrustTier: envelope.TierT0PlanningInference,
	}
	return newFrame(selfDeviceID, KindInference, data, trust)
}
