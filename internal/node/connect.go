package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	meshcontext "github.com/clawmesh/clawmesh/internal/context"
	"github.com/clawmesh/clawmesh/internal/discovery"
	"github.com/clawmesh/clawmesh/internal/handshake"
	"github.com/clawmesh/clawmesh/internal/session"
	"github.com/clawmesh/clawmesh/internal/transport"
)

// acceptInbound is the transport.AcceptFunc for a freshly-upgraded
// server-side connection: it challenges the connecting peer, verifies
// its Hello, answers with its own, and on success registers the
// session.
func (r *Runtime) acceptInbound(ws *websocket.Conn, remoteAddr string) {
	nonce, err := handshake.NewNonce()
	if err != nil {
		log.Printf("node: failed to generate handshake nonce for %s: %v", remoteAddr, err)
		ws.Close()
		return
	}

	if err := ws.WriteJSON(handshake.Challenge{Nonce: nonce}); err != nil {
		ws.Close()
		return
	}

	var hello handshake.Hello
	if err := ws.ReadJSON(&hello); err != nil {
		log.Printf("node: handshake read failed from %s: %v", remoteAddr, err)
		ws.Close()
		return
	}

	if err := handshake.Verify(hello, r.trust, nonce); err != nil {
		log.Printf("node: rejected handshake from %s: %v", remoteAddr, err)
		ws.Close()
		return
	}

	reply := handshake.BuildHello(r.identity, "", r.opts.DisplayName, r.opts.Capabilities)
	if err := ws.WriteJSON(reply); err != nil {
		ws.Close()
		return
	}

	r.registerConn(ws, hello.DeviceID, false, hello.Capabilities)
}

// connectOutbound dials a discovered or statically configured peer,
// performs the connecting side of the handshake, and registers the
// session on success.
func (r *Runtime) connectOutbound(ctx context.Context, p discovery.Peer) {
	if !r.trust.Contains(p.DeviceID) {
		return
	}
	if _, ok := r.sessions.ByDeviceID(p.DeviceID); ok {
		return
	}

	url := fmt.Sprintf("ws://%s:%d%s", p.Host, p.Port, transport.UpgradePath)
	ws, err := transport.Dial(url)
	if err != nil {
		log.Printf("node: failed to dial peer %s at %s: %v", p.DeviceID, url, err)
		return
	}

	if err := handshake.CheckTLSFingerprint(p.TLSFingerprint, transport.PeerCertificateFingerprint(ws)); err != nil {
		log.Printf("node: rejected peer %s: %v", p.DeviceID, err)
		ws.Close()
		return
	}

	var challenge handshake.Challenge
	if err := ws.ReadJSON(&challenge); err != nil {
		log.Printf("node: failed to read challenge from %s: %v", p.DeviceID, err)
		ws.Close()
		return
	}

	hello := handshake.BuildHello(r.identity, challenge.Nonce, r.opts.DisplayName, r.opts.Capabilities)
	if err := ws.WriteJSON(hello); err != nil {
		ws.Close()
		return
	}

	var remoteHello handshake.Hello
	if err := ws.ReadJSON(&remoteHello); err != nil {
		log.Printf("node: failed to read peer hello from %s: %v", p.DeviceID, err)
		ws.Close()
		return
	}

	if err := handshake.Verify(remoteHello, r.trust, ""); err != nil {
		log.Printf("node: rejected peer hello from %s: %v", p.DeviceID, err)
		ws.Close()
		return
	}

	if remoteHello.DeviceID != p.DeviceID {
		log.Printf("node: peer at %s claimed deviceId %s, expected %s", url, remoteHello.DeviceID, p.DeviceID)
		ws.Close()
		return
	}

	r.registerConn(ws, remoteHello.DeviceID, true, remoteHello.Capabilities)
}

// registerConn wraps ws as a framed transport.Conn bound to deviceID,
// installs it into the hub and session registry, and starts its read
// loop. A pre-existing session for deviceID is evicted, matching the
// dual-indexed registry's reconnect-supersedes-old-connection policy.
// The peer's handshake-advertised capability set is recorded on the
// session and in the capability registry so routing can see it
// immediately, without waiting for a later capability_update frame.
func (r *Runtime) registerConn(ws *websocket.Conn, deviceID string, outbound bool, capabilities []string) {
	connID := uuid.NewString()

	conn := transport.NewConn(connID, ws,
		func(ctx context.Context, method string, payload []byte) ([]byte, error) {
			result, err := r.Dispatch(ctx, deviceID, method, payload)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		},
		func(event string, payload []byte) {
			r.handleInboundEvent(deviceID, event, payload)
		},
		func(id string, payload []byte, ok bool, ferr *transport.FrameError) {
			var rpcErr error
			if !ok {
				if ferr != nil {
					rpcErr = &RPCError{Code: ferr.Code, Message: ferr.Message}
				} else {
					rpcErr = fmt.Errorf("rpc failed with no error detail")
				}
			}
			r.sessions.HandleRPCResult(id, payload, rpcErr)
		},
	)

	r.hub.Add(conn)
	evicted := r.sessions.Put(&session.Session{
		DeviceID:     deviceID,
		ConnID:       connID,
		ConnectedAt:  nowUTC(),
		Outbound:     outbound,
		Capabilities: capabilities,
	})
	if evicted != "" {
		if old, ok := r.hub.Get(evicted); ok {
			old.Close()
		}
		r.hub.Remove(evicted)
	}
	r.caps.SetPeerCapabilities(deviceID, capabilities)

	go func() {
		ctx := context.Background()
		err := conn.ReadLoop(ctx)
		log.Printf("node: connection to %s closed: %v", deviceID, err)
		r.sessions.Remove(connID)
		r.hub.Remove(connID)
		r.caps.RemovePeer(deviceID)
	}()
}

func (r *Runtime) handleInboundEvent(fromDeviceID, event string, payload []byte) {
	if event != "context.frame" {
		return
	}
	var f meshcontext.Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		log.Printf("node: malformed context frame from %s: %v", fromDeviceID, err)
		return
	}
	r.prop.HandleInbound(context.Background(), f, fromDeviceID)

	if f.Kind == meshcontext.KindCapabilityUpdate {
		r.caps.SetPeerCapabilities(f.SourceDeviceID, capabilitiesFromData(f.Data))
	}
}

// capabilitiesFromData extracts a capability_update frame's "capabilities"
// field as a string slice, tolerating the []any shape JSON decoding into
// map[string]any produces.
func capabilitiesFromData(data map[string]any) []string {
	raw, ok := data["capabilities"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// runDiscovery consumes the configured discovery backends and dials
// newly discovered peers that are already trusted, breaking the
// simultaneous-discovery tie with handshake.Initiator so only one side
// of a pair opens the connection.
func (r *Runtime) runDiscovery(ctx context.Context) {
	var backends []discovery.Backend
	if r.opts.DiscoveryEnabled {
		host, port := splitListenAddr(r.opts.ListenAddr)
		backends = append(backends, &discovery.MulticastBackend{
			DeviceID: r.identity.DeviceID,
			Host:     host,
			Port:     port,
		})
	}

	mux := discovery.NewMultiplexer(r.identity.DeviceID, backends...)
	events, err := mux.Start(ctx)
	if err != nil {
		log.Printf("node: failed to start discovery: %v", err)
		return
	}

	for ev := range events {
		if ev.Kind != discovery.PeerDiscovered {
			continue
		}
		if !r.trust.Contains(ev.Peer.DeviceID) {
			continue
		}
		if !handshake.Initiator(r.identity.DeviceID, ev.Peer.DeviceID) {
			continue
		}
		go r.connectOutbound(ctx, ev.Peer)
	}
}
