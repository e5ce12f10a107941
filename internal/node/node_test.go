package node

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/clawmesh/clawmesh/internal/discovery"
	"github.com/clawmesh/clawmesh/internal/envelope"
	"github.com/clawmesh/clawmesh/internal/forward"
	"github.com/clawmesh/clawmesh/internal/identity"
	"github.com/clawmesh/clawmesh/internal/trust"
)

func newTestRuntime(t *testing.T, caps []string) (*Runtime, *identity.Identity, *trust.Store) {
	t.Helper()
	dir := t.TempDir()

	id, err := identity.LoadOrCreate(filepath.Join(dir, "identity.pem"))
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	trustStore, err := trust.Load(filepath.Join(dir, "trusted-peers.json"))
	if err != nil {
		t.Fatalf("trust.Load: %v", err)
	}

	r := New(id, trustStore, nil, Options{ListenAddr: "127.0.0.1:0", Capabilities: caps})
	return r, id, trustStore
}

func TestMeshStatusReportsLocalDeviceAndNoPeers(t *testing.T) {
	r, id, _ := newTestRuntime(t, nil)

	out, err := r.Dispatch(context.Background(), "", "mesh.status", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	m := out.(map[string]any)
	if m["localDeviceId"] != id.DeviceID {
		t.Fatalf("localDeviceId = %v, want %s", m["localDeviceId"], id.DeviceID)
	}
	if m["connectedPeers"] != 0 {
		t.Fatalf("connectedPeers = %v, want 0", m["connectedPeers"])
	}
}

func TestMeshPeersEmptyWithNoSessions(t *testing.T) {
	r, _, _ := newTestRuntime(t, nil)

	out, err := r.Dispatch(context.Background(), "", "mesh.peers", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	m := out.(map[string]any)
	if peers := m["peers"].([]peerView); len(peers) != 0 {
		t.Fatalf("expected no peers, got %v", peers)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	r, _, _ := newTestRuntime(t, nil)

	_, err := r.Dispatch(context.Background(), "", "mesh.bogus", nil)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok || rpcErr.Code != "UNKNOWN_METHOD" {
		t.Fatalf("err = %v, want UNKNOWN_METHOD", err)
	}
}

func TestTrustAddListRemoveRoundTrip(t *testing.T) {
	r, _, trustStore := newTestRuntime(t, nil)

	addParams, _ := json.Marshal(trustParams{DeviceID: "peer-a", DisplayName: "Peer A"})
	if _, err := r.Dispatch(context.Background(), "", "mesh.trust.add", addParams); err != nil {
		t.Fatalf("mesh.trust.add: %v", err)
	}
	if !trustStore.Contains("peer-a") {
		t.Fatal("expected peer-a to be trusted after add")
	}

	listOut, err := r.Dispatch(context.Background(), "", "mesh.trust.list", nil)
	if err != nil {
		t.Fatalf("mesh.trust.list: %v", err)
	}
	peers := listOut.(map[string]any)["peers"].([]trust.Peer)
	if len(peers) != 1 || peers[0].DeviceID != "peer-a" {
		t.Fatalf("unexpected trust list: %+v", peers)
	}

	removeParams, _ := json.Marshal(trustParams{DeviceID: "peer-a"})
	if _, err := r.Dispatch(context.Background(), "", "mesh.trust.remove", removeParams); err != nil {
		t.Fatalf("mesh.trust.remove: %v", err)
	}
	if trustStore.Contains("peer-a") {
		t.Fatal("expected peer-a to be gone after remove")
	}
}

func TestTrustAddRejectsMissingDeviceID(t *testing.T) {
	r, _, _ := newTestRuntime(t, nil)

	_, err := r.Dispatch(context.Background(), "", "mesh.trust.add", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for missing deviceId")
	}
	if rpcErr, ok := err.(*RPCError); !ok || rpcErr.Code != "INVALID_PARAMS" {
		t.Fatalf("err = %v, want INVALID_PARAMS", err)
	}
}

func TestMessageForwardDetectsLoop(t *testing.T) {
	r, id, _ := newTestRuntime(t, nil)

	payload := forward.Payload{
		Channel:         "telegram",
		To:              "user-1",
		Message:         "hi",
		OriginGatewayID: id.DeviceID,
		IdempotencyKey:  "idem-1",
	}
	params, _ := json.Marshal(payload)

	_, err := r.Dispatch(context.Background(), "peer-x", "mesh.message.forward", params)
	if err == nil {
		t.Fatal("expected loop detection error")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok || rpcErr.Code != "LOOP_DETECTED" {
		t.Fatalf("err = %v, want LOOP_DETECTED", err)
	}
}

func TestMessageForwardDeliversLocallyWhenCapable(t *testing.T) {
	r, _, _ := newTestRuntime(t, []string{"channel:telegram"})

	payload := forward.Payload{
		Channel:         "telegram",
		To:              "user-1",
		Message:         "hi",
		OriginGatewayID: "origin-device",
		IdempotencyKey:  "idem-1",
	}
	params, _ := json.Marshal(payload)

	out, err := r.Dispatch(context.Background(), "origin-device", "mesh.message.forward", params)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	m := out.(map[string]any)
	if m["channel"] != "telegram" {
		t.Fatalf("channel = %v, want telegram", m["channel"])
	}
	if m["messageId"] == "" {
		t.Fatal("expected a non-empty messageId")
	}
}

func TestMessageForwardDeniedByTrustPolicy(t *testing.T) {
	r, _, _ := newTestRuntime(t, []string{"channel:telegram"})

	cmd := &envelope.Command{
		Version:     1,
		Kind:        "command",
		CommandID:   "cmd-1",
		CreatedAtMs: time.Now().UnixMilli(),
		Target:      envelope.Target{Kind: "actuator", Ref: "door-lock"},
		Operation:   envelope.Operation{Name: "unlock"},
		Trust: &envelope.Trust{
			ActionType:           envelope.ActionActuation,
			EvidenceTrustTier:    envelope.TierT1UnverifiedObservation,
			MinimumTrustTier:     envelope.TierT2OperationalObservation,
			VerificationRequired: envelope.VerificationNone,
			EvidenceSources:      []string{"sensor"},
		},
	}
	payload := forward.Payload{
		Channel:         "telegram",
		To:              "user-1",
		OriginGatewayID: "origin-device",
		IdempotencyKey:  "idem-1",
		Command:         cmd,
		Trust:           cmd.Trust,
	}
	params, _ := json.Marshal(payload)

	_, err := r.Dispatch(context.Background(), "origin-device", "mesh.message.forward", params)
	if err == nil {
		t.Fatal("expected trust-policy denial")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok || rpcErr.Code != string(envelope.DenialInsufficientTrustTier) {
		t.Fatalf("err = %v, want %s", err, envelope.DenialInsufficientTrustTier)
	}
}

func TestRuntimeLifecycleReachesServingThenStopped(t *testing.T) {
	r, _, _ := newTestRuntime(t, nil)

	if r.State() != StateInit {
		t.Fatalf("initial state = %s, want init", r.State())
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if r.State() != StateServing {
		t.Fatalf("state after Start = %s, want serving", r.State())
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("state after Stop = %s, want stopped", r.State())
	}
}

// TestMutuallyTrustedPeersCompleteHandshakeAndExchangeStatus exercises
// the full accept/connect path: node B dials node A over a real
// listening socket, both sides complete the signed Ed25519 handshake,
// and A can invoke mesh.status on B over the resulting session.
func TestMutuallyTrustedPeersCompleteHandshakeAndExchangeStatus(t *testing.T) {
	nodeA, idA, trustA := newTestRuntime(t, nil)
	nodeB, idB, trustB := newTestRuntime(t, nil)

	if err := trustA.Add(trust.Peer{DeviceID: idB.DeviceID}); err != nil {
		t.Fatalf("trustA.Add: %v", err)
	}
	if err := trustB.Add(trust.Peer{DeviceID: idA.DeviceID}); err != nil {
		t.Fatalf("trustB.Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := nodeA.Start(ctx); err != nil {
		t.Fatalf("nodeA.Start: %v", err)
	}
	defer nodeA.Stop(context.Background())

	host, portStr, err := net.SplitHostPort(nodeA.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}

	nodeB.connectOutbound(ctx, discovery.Peer{DeviceID: idA.DeviceID, Host: host, Port: port})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := nodeA.sessions.ByDeviceID(idB.DeviceID); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := nodeA.sessions.ByDeviceID(idB.DeviceID); !ok {
		t.Fatal("expected nodeA to have registered a session for nodeB")
	}
	if _, ok := nodeB.sessions.ByDeviceID(idA.DeviceID); !ok {
		t.Fatal("expected nodeB to have registered a session for nodeA")
	}

	result, err := nodeA.sessions.Invoke(ctx, idB.DeviceID, "status-1", mustEncodeRequest(t, "status-1", "mesh.status"))
	if err != nil {
		t.Fatalf("Invoke mesh.status: %v", err)
	}

	var status map[string]any
	if err := json.Unmarshal(result, &status); err != nil {
		t.Fatalf("unmarshal status result: %v", err)
	}
	if status["localDeviceId"] != idB.DeviceID {
		t.Fatalf("localDeviceId = %v, want %s", status["localDeviceId"], idB.DeviceID)
	}
}

// TestHandshakeExchangesCapabilities verifies that the capability list
// carried on the signed Hello is recorded in the accepting side's
// capability registry immediately, without waiting for a later
// capability_update gossip frame: this is what lets A's mesh-fallback
// routing find B's actuator right after they connect.
func TestHandshakeExchangesCapabilities(t *testing.T) {
	nodeA, idA, trustA := newTestRuntime(t, nil)
	nodeB, idB, trustB := newTestRuntime(t, []string{"actuator:mock"})

	if err := trustA.Add(trust.Peer{DeviceID: idB.DeviceID}); err != nil {
		t.Fatalf("trustA.Add: %v", err)
	}
	if err := trustB.Add(trust.Peer{DeviceID: idA.DeviceID}); err != nil {
		t.Fatalf("trustB.Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := nodeA.Start(ctx); err != nil {
		t.Fatalf("nodeA.Start: %v", err)
	}
	defer nodeA.Stop(context.Background())

	host, portStr, err := net.SplitHostPort(nodeA.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}

	nodeB.connectOutbound(ctx, discovery.Peer{DeviceID: idA.DeviceID, Host: host, Port: port})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := nodeA.caps.ResolveRoute("actuator:mock"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	deviceID, ok := nodeA.caps.ResolveRoute("actuator:mock")
	if !ok || deviceID != idB.DeviceID {
		t.Fatalf("ResolveRoute(\"actuator:mock\") = (%q, %v), want (%s, true)", deviceID, ok, idB.DeviceID)
	}
}

func mustEncodeRequest(t *testing.T, id, method string) []byte {
	t.Helper()
	data, err := encodeRequestFrame(id, method)
	if err != nil {
		t.Fatalf("encodeRequestFrame: %v", err)
	}
	return data
}
