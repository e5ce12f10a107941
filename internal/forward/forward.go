// Package forward implements one-hop message forwarding between mesh
// peers, gated by the command-envelope trust policy.
package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clawmesh/clawmesh/internal/envelope"
)

// Request is the forwardMessageToPeer input.
type Request struct {
	PeerDeviceID    string
	Channel         string
	To              string
	Message         string
	MediaURL        string
	AccountID       string
	OriginGatewayID string
	IdempotencyKey  string
	CommandDraft    *envelope.Command
	Command         *envelope.Command
	Trust           *envelope.Trust
}

// Result is the forwardMessageToPeer output.
type Result struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Invoker sends a method call to a peer and waits for its result,
// matching session.Registry.Invoke's shape without importing it
// (keeps this package transport-agnostic for testing).
type Invoker interface {
	Invoke(ctx context.Context, deviceID, requestID string, payload []byte) ([]byte, error)
}

const defaultForwardTimeout = 30 * time.Second

// Payload is the on-the-wire shape of a mesh.message.forward call.
type Payload struct {
	Channel         string            `json:"channel"`
	To              string            `json:"to"`
	Message         string            `json:"message,omitempty"`
	MediaURL        string            `json:"mediaUrl,omitempty"`
	AccountID       string            `json:"accountId,omitempty"`
	OriginGatewayID string            `json:"originGatewayId"`
	IdempotencyKey  string            `json:"idempotencyKey"`
	Command         *envelope.Command `json:"command,omitempty"`
	Trust           *envelope.Trust   `json:"trust,omitempty"`
}

// ForwardMessageToPeer materializes the envelope, derives the
// top-level trust block, assigns an idempotencyKey if absent, and
// invokes mesh.message.forward on the target peer.
func ForwardMessageToPeer(ctx context.Context, invoker Invoker, req Request) Result {
	cmd := req.Command
	if cmd == nil && req.CommandDraft != nil {
		materialized := *req.CommandDraft
		materialized.Version = 1
		materialized.Kind = "command"
		materialized.CommandID = uuid.NewString()
		materialized.CreatedAtMs = time.Now().UnixMilli()
		cmd = &materialized
	}

	trust := req.Trust
	if trust == nil && cmd != nil {
		trust = cmd.Trust
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	// Evaluate the same trust policy the receiver will apply, here at
	// the sender, before any network use (spec §4.6: evaluated twice,
	// fail fast on the sending side).
	if cmd != nil {
		if _, denial := envelope.ResolveForwardTrust(*cmd, trust); denial != nil {
			return Result{OK: false, Error: denial.Error()}
		}
	}

	payload := Payload{
		Channel:         req.Channel,
		To:              req.To,
		Message:         req.Message,
		MediaURL:        req.MediaURL,
		AccountID:       req.AccountID,
		OriginGatewayID: req.OriginGatewayID,
		IdempotencyKey:  idempotencyKey,
		Command:         cmd,
		Trust:           trust,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{OK: false, Error: fmt.Sprintf("failed to marshal forward payload: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, defaultForwardTimeout)
	defer cancel()

	respBody, err := invoker.Invoke(ctx, req.PeerDeviceID, uuid.NewString(), body)
	if err != nil {
		return Result{OK: false, Error: err.Error()}
	}

	// A nil error means the receiver accepted the forward; its reply is
	// {messageId, channel}.
	var resp struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Result{OK: false, Error: fmt.Sprintf("failed to parse forward response: %v", err)}
	}
	return Result{OK: true, MessageID: resp.MessageID}
}

// HandlerErrorCode identifies a typed mesh.message.forward receiver
// failure that is not an envelope.DenialCode.
type HandlerErrorCode string

const (
	ErrInvalidParams  HandlerErrorCode = "INVALID_PARAMS"
	ErrLoopDetected   HandlerErrorCode = "LOOP_DETECTED"
	ErrDeliveryFailed HandlerErrorCode = "DELIVERY_FAILED"
)

// HandlerError is a typed receiver-handler failure, either one of the
// codes above or an envelope.DenialCode surfaced from trust policy.
type HandlerError struct {
	Code    string
	Message string
}

func (e *HandlerError) Error() string { return e.Code + ": " + e.Message }

// ErrorCode and ErrorMessage let transport.Conn thread this error's
// code and message onto the wire as a structured frame error instead
// of flattening it through Error().
func (e *HandlerError) ErrorCode() string    { return e.Code }
func (e *HandlerError) ErrorMessage() string { return e.Message }

// Sink performs the actual local side effect of an accepted forward,
// returning the id assigned to the delivered message.
type Sink func(ctx context.Context, payload Payload) (messageID string, err error)

// HandleForward is the mesh.message.forward receiver handler: it
// validates required fields, rejects loops (origin equals self — no
// TTL counter on commands), enforces envelope consistency and trust
// policy, and on acceptance invokes sink.
func HandleForward(ctx context.Context, localDeviceID string, payload Payload, sink Sink) (messageID, channel string, err error) {
	if payload.Channel == "" || payload.To == "" || payload.OriginGatewayID == "" {
		return "", "", &HandlerError{Code: string(ErrInvalidParams), Message: "channel, to and originGatewayId are required"}
	}

	if payload.OriginGatewayID == localDeviceID {
		return "", "", &HandlerError{Code: string(ErrLoopDetected), Message: "forward originated from this node"}
	}

	if payload.Command != nil {
		if _, denial := envelope.ResolveForwardTrust(*payload.Command, payload.Trust); denial != nil {
			return "", "", &HandlerError{Code: string(denial.Code), Message: denial.Message}
		}
	}

	id, err := sink(ctx, payload)
	if err != nil {
		return "", "", &HandlerError{Code: string(ErrDeliveryFailed), Message: err.Error()}
	}

	return id, payload.Channel, nil
}
