// Package node wires the mesh fabric's components into a running
// gateway: listener, outbound clients, method dispatch, and the
// trust/session/capability/world-model registries.
package node

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/clawmesh/clawmesh/internal/capability"
	meshcontext "github.com/clawmesh/clawmesh/internal/context"
	"github.com/clawmesh/clawmesh/internal/discovery"
	"github.com/clawmesh/clawmesh/internal/identity"
	"github.com/clawmesh/clawmesh/internal/session"
	"github.com/clawmesh/clawmesh/internal/store"
	"github.com/clawmesh/clawmesh/internal/transport"
	"github.com/clawmesh/clawmesh/internal/trust"
)

// State names the runtime's lifecycle stage.
type State string

const (
	StateInit     State = "init"
	StateListening State = "listening"
	StateServing   State = "serving"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
)

// Options configures a Runtime.
type Options struct {
	ListenAddr       string
	DisplayName      string
	Capabilities     []string
	DiscoveryEnabled bool
	StaticPeers      []discovery.Peer
}

// Runtime is one running mesh node: it owns the listening socket, the
// outbound peer clients, the method dispatch table, and the trust,
// session, capability and world-model registries.
type Runtime struct {
	opts     Options
	identity *identity.Identity
	trust    *trust.Store
	caps     *capability.Registry
	sessions *session.Registry
	hub      *transport.Hub
	world    *meshcontext.WorldModel
	prop     *meshcontext.Propagator
	snapshot *store.SnapshotStore

	mu    sync.Mutex
	state State

	httpServer *http.Server
	methods    map[string]MethodHandler
	listenAddr net.Addr

	stopCh chan struct{}
}

// MethodHandler serves one RPC method call.
type MethodHandler func(ctx context.Context, fromDeviceID string, params []byte) (result any, rpcErr error)

// New builds a Runtime. snapshot may be nil to skip warm-restart
// persistence.
func New(id *identity.Identity, trustStore *trust.Store, snapshot *store.SnapshotStore, opts Options) *Runtime {
	hub := transport.NewHub()
	sessions := session.NewRegistry(hub)
	world := meshcontext.NewWorldModel(meshcontext.DefaultMaxHistory)

	r := &Runtime{
		opts:     opts,
		identity: id,
		trust:    trustStore,
		caps:     capability.NewRegistry(id.DeviceID, opts.Capabilities),
		sessions: sessions,
		hub:      hub,
		world:    world,
		snapshot: snapshot,
		state:    StateInit,
		stopCh:   make(chan struct{}),
	}
	r.prop = meshcontext.NewPropagator(id.DeviceID, world, r)
	r.methods = r.buildMethodTable()

	if snapshot != nil {
		r.restoreSnapshot()
	}

	return r
}

func (r *Runtime) restoreSnapshot() {
	entries, err := r.snapshot.LoadEntries()
	if err != nil {
		log.Printf("node: failed to restore world model snapshot: %v", err)
		return
	}
	for _, e := range entries {
		r.world.Ingest(e.Frame)
	}
}

// State returns the runtime's current lifecycle stage.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Start opens the WebSocket upgrade listener (state listening),
// connects to configured static peers, begins mDNS discovery if
// enabled, and returns in the serving state.
func (r *Runtime) Start(ctx context.Context) error {
	if r.State() != StateInit {
		return fmt.Errorf("runtime already started")
	}

	router := transport.NewRouter(r.acceptInbound)
	r.httpServer = &http.Server{Addr: r.opts.ListenAddr, Handler: router}

	ln, err := newListener(r.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind listen address: %w", err)
	}
	r.listenAddr = ln.Addr()

	go func() {
		if err := r.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("node: listener stopped: %v", err)
		}
	}()

	r.setState(StateListening)

	for _, p := range r.opts.StaticPeers {
		go r.connectOutbound(ctx, p)
	}

	if r.opts.DiscoveryEnabled {
		go r.runDiscovery(ctx)
	}

	r.setState(StateServing)
	return nil
}

// Stop tears the runtime down: closes the listener and every live
// session, failing their pending RPCs.
func (r *Runtime) Stop(ctx context.Context) error {
	r.setState(StateStopping)
	close(r.stopCh)

	if r.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("node: error shutting down listener: %v", err)
		}
	}

	for _, s := range r.sessions.ListConnected() {
		if c, ok := r.hub.Get(s.ConnID); ok {
			c.Close()
		}
	}

	r.setState(StateStopped)
	return nil
}

// EmitFrame implements meshcontext.Emitter: broadcast an event frame
// to every live session except skipDeviceID.
func (r *Runtime) EmitFrame(ctx context.Context, f meshcontext.Frame, skipDeviceID string) {
	if r.snapshot != nil {
		if err := r.snapshot.PersistFrame(f); err != nil {
			log.Printf("node: failed to persist frame: %v", err)
		}
		identity := meshcontext.DeriveIdentity(f.Kind, f.Data)
		if e, ok := r.world.Get(f.SourceDeviceID, f.Kind, identity); ok {
			if err := r.snapshot.PersistEntry(f.SourceDeviceID, f.Kind, identity, e); err != nil {
				log.Printf("node: failed to persist world model entry: %v", err)
			}
		}
	}

	payload, err := envFrame(f)
	if err != nil {
		log.Printf("node: failed to encode context frame: %v", err)
		return
	}

	for _, s := range r.sessions.ListConnected() {
		if s.DeviceID == skipDeviceID {
			continue
		}
		_ = r.sessions.SendEvent(ctx, s.DeviceID, payload)
	}
}

func envFrame(f meshcontext.Frame) ([]byte, error) {
	return transport.Encode(transport.Frame{Type: transport.FrameEvent, Event: "context.frame", Payload: mustJSON(f)})
}

// DeviceID returns the local node's stable identity.
func (r *Runtime) DeviceID() string { return r.identity.DeviceID }

// Addr returns the runtime's bound listen address, valid once Start
// has returned successfully.
func (r *Runtime) Addr() net.Addr { return r.listenAddr }

// Propagator exposes the context gossip propagator for callers that
// want to originate frames (e.g. a host application feeding sensor
// readings in).
func (r *Runtime) Propagator() *meshcontext.Propagator { return r.prop }

// WorldModel exposes the latest-wins store for read access.
func (r *Runtime) WorldModel() *meshcontext.WorldModel { return r.world }

// Capabilities exposes the capability registry for route resolution.
func (r *Runtime) Capabilities() *capability.Registry { return r.caps }
