// Command meshnode runs one clawmesh gateway node: it loads the local
// identity and trust store, joins the mesh via static peers and/or
// mDNS discovery, and serves the mesh RPC methods until signalled to
// stop.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/clawmesh/clawmesh/internal/config"
	"github.com/clawmesh/clawmesh/internal/identity"
	"github.com/clawmesh/clawmesh/internal/node"
	"github.com/clawmesh/clawmesh/internal/store"
	"github.com/clawmesh/clawmesh/internal/trust"
)

func main() {
	configPath := flag.String("config", "", "path to clawmesh.yaml (defaults applied if omitted)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("meshnode: failed to load config: %v", err)
		}
		cfg = loaded
	}

	id, err := identity.LoadOrCreate(cfg.IdentityPath)
	if err != nil {
		log.Fatalf("meshnode: failed to load identity: %v", err)
	}
	log.Printf("meshnode: device %s (%s)", cfg.DeviceName, id.DeviceID)

	trustStore, err := trust.Load(cfg.TrustStorePath)
	if err != nil {
		log.Fatalf("meshnode: failed to load trust store: %v", err)
	}

	var snapshot *store.SnapshotStore
	if cfg.SnapshotPath != "" {
		snapshot, err = store.Open(cfg.SnapshotPath)
		if err != nil {
			log.Fatalf("meshnode: failed to open world model snapshot: %v", err)
		}
		defer snapshot.Close()
	}

	rt := node.New(id, trustStore, snapshot, node.Options{
		ListenAddr:       cfg.ListenAddr,
		DisplayName:      cfg.DeviceName,
		Capabilities:     cfg.Capabilities,
		DiscoveryEnabled: cfg.Discovery.Enabled,
		StaticPeers:      cfg.Discovery.Peers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		log.Fatalf("meshnode: failed to start: %v", err)
	}
	log.Printf("meshnode: listening on %s", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("meshnode: shutting down")
	stopCtx, stopCancel := context.WithCancel(context.Background())
	defer stopCancel()
	if err := rt.Stop(stopCtx); err != nil {
		log.Printf("meshnode: error during shutdown: %v", err)
	}
}
