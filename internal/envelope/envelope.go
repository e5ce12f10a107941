// Package envelope defines the signed command envelope and the
// trust-tier policy that gates its forwarding and actuation.
package envelope

import (
	"sort"
)

// Tier is a trust tier on evidence quality, totally ordered
// T0 < T1 < T2 < T3.
type Tier string

const (
	TierT0PlanningInference      Tier = "T0_planning_inference"
	TierT1UnverifiedObservation  Tier = "T1_unverified_observation"
	TierT2OperationalObservation Tier = "T2_operational_observation"
	TierT3VerifiedActionEvidence Tier = "T3_verified_action_evidence"
)

var tierRank = map[Tier]int{
	TierT0PlanningInference:      0,
	TierT1UnverifiedObservation:  1,
	TierT2OperationalObservation: 2,
	TierT3VerifiedActionEvidence: 3,
}

func (t Tier) valid() bool {
	_, ok := tierRank[t]
	return ok
}

// less reports whether a ranks strictly below b.
func (a Tier) less(b Tier) bool { return tierRank[a] < tierRank[b] }

// ActionType classifies what a command does.
type ActionType string

const (
	ActionCommunication ActionType = "communication"
	ActionObservation   ActionType = "observation"
	ActionActuation     ActionType = "actuation"
)

func (a ActionType) valid() bool {
	switch a {
	case ActionCommunication, ActionObservation, ActionActuation:
		return true
	}
	return false
}

// Verification names what corroboration an actuation requires.
type Verification string

const (
	VerificationNone          Verification = "none"
	VerificationDevice        Verification = "device"
	VerificationHuman         Verification = "human"
	VerificationDeviceOrHuman Verification = "device_or_human"
)

func (v Verification) valid() bool {
	switch v {
	case VerificationNone, VerificationDevice, VerificationHuman, VerificationDeviceOrHuman:
		return true
	}
	return false
}

// Trust is the trust metadata block carried by a command envelope and,
// optionally, duplicated at the top level of a forward payload.
type Trust struct {
	ActionType            ActionType   `json:"action_type"`
	EvidenceTrustTier     Tier         `json:"evidence_trust_tier,omitempty"`
	MinimumTrustTier      Tier         `json:"minimum_trust_tier,omitempty"`
	VerificationRequired  Verification `json:"verification_required,omitempty"`
	VerificationSatisfied bool         `json:"verification_satisfied,omitempty"`
	EvidenceSources       []string     `json:"evidence_sources,omitempty"`
	ApprovedBy            []string     `json:"approved_by,omitempty"`
}

// Source identifies what originated a command.
type Source struct {
	NodeID string `json:"nodeId"`
	Role   string `json:"role,omitempty"`
}

// Target identifies what a command operates on.
type Target struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// Operation names what a command does to its target.
type Operation struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Command is the Command Envelope v1.
type Command struct {
	Version     int       `json:"version"`
	Kind        string    `json:"kind"`
	CommandID   string    `json:"commandId"`
	CreatedAtMs int64     `json:"createdAtMs"`
	Source      Source    `json:"source,omitempty"`
	Target      Target    `json:"target"`
	Operation   Operation `json:"operation"`
	Trust       *Trust    `json:"trust,omitempty"`
}

// DenialCode identifies a typed trust-policy refusal.
type DenialCode string

const (
	DenialInvalidTrustPolicy      DenialCode = "INVALID_TRUST_POLICY"
	DenialTrustMetadataRequired   DenialCode = "TRUST_METADATA_REQUIRED"
	DenialLLMOnlyActuationBlocked DenialCode = "LLM_ONLY_ACTUATION_BLOCKED"
	DenialInsufficientTrustTier   DenialCode = "INSUFFICIENT_TRUST_TIER"
	DenialVerificationRequired    DenialCode = "VERIFICATION_REQUIRED"
	DenialTrustEnvelopeMismatch   DenialCode = "TRUST_ENVELOPE_MISMATCH"
	DenialInvalidCommandEnvelope  DenialCode = "INVALID_COMMAND_ENVELOPE"
)

// Denial is a typed trust-policy refusal.
type Denial struct {
	Code    DenialCode
	Message string
}

func (d *Denial) Error() string { return string(d.Code) + ": " + d.Message }

// ErrorCode and ErrorMessage let transport.Conn thread this denial's
// code and message onto the wire as a structured frame error instead
// of flattening it through Error().
func (d *Denial) ErrorCode() string    { return string(d.Code) }
func (d *Denial) ErrorMessage() string { return d.Message }

func deny(code DenialCode, message string) *Denial {
	return &Denial{Code: code, Message: message}
}

// ValidateCommandEnvelope checks the envelope's required shape: a
// version/kind/commandId/createdAtMs that are present and well-formed,
// a target and operation, and — when a trust block is present — that
// every tier/verification enum is within its domain.
func ValidateCommandEnvelope(c Command) bool {
	if c.Version != 1 || c.Kind != "command" || c.CommandID == "" || c.CreatedAtMs == 0 {
		return false
	}
	if c.Target.Kind == "" || c.Target.Ref == "" || c.Operation.Name == "" {
		return false
	}
	if c.Trust != nil {
		if !c.Trust.ActionType.valid() {
			return false
		}
		if c.Trust.EvidenceTrustTier != "" && !c.Trust.EvidenceTrustTier.valid() {
			return false
		}
		if c.Trust.MinimumTrustTier != "" && !c.Trust.MinimumTrustTier.valid() {
			return false
		}
		if c.Trust.VerificationRequired != "" && !c.Trust.VerificationRequired.valid() {
			return false
		}
	}
	return true
}

// EvaluateForwardTrust applies the trust-tier policy to a command's
// trust block, returning nil when allowed or a typed Denial otherwise.
// A missing trust block is treated as legacy-allowed.
func EvaluateForwardTrust(c Command) *Denial {
	if c.Trust == nil {
		return nil
	}
	t := c.Trust

	if !t.ActionType.valid() {
		return deny(DenialInvalidTrustPolicy, "action_type outside its domain")
	}
	if t.EvidenceTrustTier != "" && !t.EvidenceTrustTier.valid() {
		return deny(DenialInvalidTrustPolicy, "evidence_trust_tier outside its domain")
	}
	if t.MinimumTrustTier != "" && !t.MinimumTrustTier.valid() {
		return deny(DenialInvalidTrustPolicy, "minimum_trust_tier outside its domain")
	}
	if t.VerificationRequired != "" && !t.VerificationRequired.valid() {
		return deny(DenialInvalidTrustPolicy, "verification_required outside its domain")
	}

	if t.ActionType != ActionActuation {
		return nil
	}

	if t.EvidenceTrustTier == "" || t.MinimumTrustTier == "" || t.VerificationRequired == "" {
		return deny(DenialTrustMetadataRequired, "actuation requires evidence_trust_tier, minimum_trust_tier and verification_required")
	}

	if allLLM(t.EvidenceSources) {
		return deny(DenialLLMOnlyActuationBlocked, "actuation evidence sourced entirely from an LLM")
	}

	if t.EvidenceTrustTier.less(t.MinimumTrustTier) {
		return deny(DenialInsufficientTrustTier, "evidence_trust_tier below minimum_trust_tier")
	}

	if t.VerificationRequired != VerificationNone && !t.VerificationSatisfied {
		return deny(DenialVerificationRequired, "verification_required but not satisfied")
	}

	return nil
}

func allLLM(sources []string) bool {
	if len(sources) == 0 {
		return false
	}
	for _, s := range sources {
		if s != "llm" {
			return false
		}
	}
	return true
}

// ResolveForwardTrust checks a forward's top-level Trust against the
// trust carried inside its command envelope, when both are present,
// and applies the policy. Returns the effective Trust block and nil on
// success, or a typed Denial.
func ResolveForwardTrust(c Command, topLevel *Trust) (*Trust, *Denial) {
	if !ValidateCommandEnvelope(c) {
		return nil, deny(DenialInvalidCommandEnvelope, "command envelope failed validation")
	}

	effective := c.Trust
	if topLevel != nil && c.Trust != nil {
		if !trustEqual(*c.Trust, *topLevel) {
			return nil, deny(DenialTrustEnvelopeMismatch, "command.trust and top-level trust disagree")
		}
		effective = topLevel
	} else if topLevel != nil {
		effective = topLevel
	}

	cc := c
	cc.Trust = effective
	if d := EvaluateForwardTrust(cc); d != nil {
		return nil, d
	}

	return effective, nil
}

// trustEqual compares two Trust blocks canonically: evidence_sources
// and approved_by are compared as sorted sets, not ordered lists.
func trustEqual(a, b Trust) bool {
	if a.ActionType != b.ActionType ||
		a.EvidenceTrustTier != b.EvidenceTrustTier ||
		a.MinimumTrustTier != b.MinimumTrustTier ||
		a.VerificationRequired != b.VerificationRequired ||
		a.VerificationSatisfied != b.VerificationSatisfied {
		return false
	}
	return sortedEqual(a.EvidenceSources, b.EvidenceSources) && sortedEqual(a.ApprovedBy, b.ApprovedBy)
}

func sortedEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := append([]string(nil), a...), append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}
