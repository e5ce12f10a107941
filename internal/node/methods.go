package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawmesh/clawmesh/internal/forward"
	"github.com/clawmesh/clawmesh/internal/session"
	"github.com/clawmesh/clawmesh/internal/transport"
	"github.com/clawmesh/clawmesh/internal/trust"
)

// methodInvoker adapts a session.Registry into a forward.Invoker by
// wrapping the outbound payload as a proper req Frame: Registry.Invoke
// (and the Hub.Send it drives) deliver whatever bytes they are given
// straight to the wire, so the method name has to be folded in here
// rather than left for the registry to guess.
type methodInvoker struct {
	sessions *session.Registry
	method   string
}

func (m methodInvoker) Invoke(ctx context.Context, deviceID, requestID string, payload []byte) ([]byte, error) {
	frame, err := transport.Encode(transport.Frame{Type: transport.FrameRequest, ID: requestID, Method: m.method, Payload: payload})
	if err != nil {
		return nil, err
	}
	return m.sessions.Invoke(ctx, deviceID, requestID, frame)
}

// RPCError is a typed, wire-visible method failure.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string { return e.Code + ": " + e.Message }

// ErrorCode and ErrorMessage let transport.Conn thread this error's
// code and message onto the wire as a structured frame error instead
// of flattening it through Error().
func (e *RPCError) ErrorCode() string    { return e.Code }
func (e *RPCError) ErrorMessage() string { return e.Message }

func rpcErr(code, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (r *Runtime) buildMethodTable() map[string]MethodHandler {
	return map[string]MethodHandler{
		"mesh.peers":           r.handleMeshPeers,
		"mesh.status":          r.handleMeshStatus,
		"mesh.trust.list":      r.handleTrustList,
		"mesh.trust.add":       r.handleTrustAdd,
		"mesh.trust.remove":    r.handleTrustRemove,
		"mesh.message.forward": r.handleMessageForward,
	}
}

// Dispatch routes an inbound req frame's method to its handler,
// returning RPCError for UNKNOWN_METHOD when unrecognized.
func (r *Runtime) Dispatch(ctx context.Context, fromDeviceID, method string, params []byte) (any, error) {
	h, ok := r.methods[method]
	if !ok {
		return nil, rpcErr("UNKNOWN_METHOD", "no handler registered for %s", method)
	}
	return h(ctx, fromDeviceID, params)
}

type peerView struct {
	DeviceID      string   `json:"deviceId"`
	DisplayName   string   `json:"displayName,omitempty"`
	Outbound      bool     `json:"outbound"`
	Capabilities  []string `json:"capabilities,omitempty"`
	ConnectedAtMs int64    `json:"connectedAtMs"`
}

func (r *Runtime) peerViewOf(s *session.Session) peerView {
	var displayName string
	if p, ok := r.trust.Get(s.DeviceID); ok {
		displayName = p.DisplayName
	}
	return peerView{
		DeviceID:      s.DeviceID,
		DisplayName:   displayName,
		Outbound:      s.Outbound,
		Capabilities:  s.Capabilities,
		ConnectedAtMs: s.ConnectedAt.UnixMilli(),
	}
}

func (r *Runtime) handleMeshPeers(ctx context.Context, fromDeviceID string, params []byte) (any, error) {
	var out []peerView
	for _, s := range r.sessions.ListConnected() {
		out = append(out, r.peerViewOf(s))
	}
	return map[string]any{"peers": out}, nil
}

func (r *Runtime) handleMeshStatus(ctx context.Context, fromDeviceID string, params []byte) (any, error) {
	sessions := r.sessions.ListConnected()
	peers := make([]peerView, 0, len(sessions))
	for _, s := range sessions {
		peers = append(peers, r.peerViewOf(s))
	}
	return map[string]any{
		"localDeviceId":  r.identity.DeviceID,
		"connectedPeers": len(sessions),
		"peers":          peers,
	}, nil
}

type trustParams struct {
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
}

func (r *Runtime) handleTrustList(ctx context.Context, fromDeviceID string, params []byte) (any, error) {
	return map[string]any{"peers": r.trust.List()}, nil
}

func (r *Runtime) handleTrustAdd(ctx context.Context, fromDeviceID string, params []byte) (any, error) {
	var p trustParams
	if err := json.Unmarshal(params, &p); err != nil || p.DeviceID == "" {
		return nil, rpcErr("INVALID_PARAMS", "deviceId is required")
	}
	if err := r.trust.Add(trust.Peer{DeviceID: p.DeviceID, DisplayName: p.DisplayName, PublicKey: p.PublicKey}); err != nil {
		return nil, rpcErr("INTERNAL_ERROR", "%v", err)
	}
	return map[string]any{"added": true, "deviceId": p.DeviceID}, nil
}

func (r *Runtime) handleTrustRemove(ctx context.Context, fromDeviceID string, params []byte) (any, error) {
	var p trustParams
	if err := json.Unmarshal(params, &p); err != nil || p.DeviceID == "" {
		return nil, rpcErr("INVALID_PARAMS", "deviceId is required")
	}
	if err := r.trust.Remove(p.DeviceID); err != nil {
		return nil, rpcErr("INTERNAL_ERROR", "%v", err)
	}
	return map[string]any{"removed": true, "deviceId": p.DeviceID}, nil
}

func (r *Runtime) handleMessageForward(ctx context.Context, fromDeviceID string, params []byte) (any, error) {
	var payload forward.Payload
	if err := json.Unmarshal(params, &payload); err != nil {
		return nil, rpcErr("INVALID_PARAMS", "malformed forward payload: %v", err)
	}

	msgID, channel, err := forward.HandleForward(ctx, r.identity.DeviceID, payload, r.deliverForward)
	if err != nil {
		if herr, ok := err.(*forward.HandlerError); ok {
			return nil, &RPCError{Code: herr.Code, Message: herr.Message}
		}
		return nil, rpcErr("INTERNAL_ERROR", "%v", err)
	}

	return map[string]any{"messageId": msgID, "channel": channel}, nil
}

// deliverForward is the default forward sink: it resolves the route
// for the target channel and invokes mesh.message.forward on the next
// hop, or applies the command locally if this node can serve it.
func (r *Runtime) deliverForward(ctx context.Context, payload forward.Payload) (string, error) {
	if r.caps.HasLocalCapability("channel:" + payload.Channel) {
		return localDeliveryID(), nil
	}

	deviceID, ok := r.caps.ResolveRoute("channel:" + payload.Channel)
	if !ok {
		return "", fmt.Errorf("no capable party for channel %s", payload.Channel)
	}

	req := forward.Request{
		PeerDeviceID:    deviceID,
		Channel:         payload.Channel,
		To:              payload.To,
		Message:         payload.Message,
		MediaURL:        payload.MediaURL,
		AccountID:       payload.AccountID,
		OriginGatewayID: r.identity.DeviceID,
		Command:         payload.Command,
		Trust:           payload.Trust,
	}

	res := forward.ForwardMessageToPeer(ctx, methodInvoker{sessions: r.sessions, method: "mesh.message.forward"}, req)
	if !res.OK {
		return "", fmt.Errorf("%s", res.Error)
	}
	return res.MessageID, nil
}

func localDeliveryID() string {
	return fmt.Sprintf("local-%d", time.Now().UnixNano())
}
