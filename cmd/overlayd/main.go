// Command overlayd boots one participant in the Kademlia/ledger overlay
// network, wiring identity, routing, transport, the Kademlia node, the
// ledger, and the two-phase-commit transaction protocol together, then
// driving Join when a bootstrap peer is configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dufferzafar/distributed-ledger/internal/identity"
	"github.com/dufferzafar/distributed-ledger/internal/nodeconfig"
	"github.com/dufferzafar/distributed-ledger/internal/overlay"
	"github.com/dufferzafar/distributed-ledger/internal/peerstore"
	"github.com/dufferzafar/distributed-ledger/internal/statusapi"
	"github.com/dufferzafar/distributed-ledger/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir       = flag.String("data-dir", "~/.overlayd", "Data directory")
		listenAddr    = flag.String("listen", "", "UDP listen address, overrides config")
		statusAddr    = flag.String("status", "127.0.0.1:8090", "Status API address (HTTP + websocket)")
		bootstrapID   = flag.String("bootstrap-id", "", "Bootstrap node id (hex), overrides config")
		bootstrapAddr = flag.String("bootstrap-addr", "", "Bootstrap node UDP address, overrides config")
		logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion   = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("overlayd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := nodeconfig.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	if *listenAddr != "" {
		cfg.Network.ListenAddr = *listenAddr
	}
	if *bootstrapID != "" {
		cfg.Network.BootstrapID = *bootstrapID
	}
	if *bootstrapAddr != "" {
		cfg.Network.BootstrapAddr = *bootstrapAddr
	}
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = *dataDir

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", nodeconfig.ConfigPath(*dataDir))

	store, err := peerstore.Open(*dataDir)
	if err != nil {
		log.Fatal("failed to open peer store", "error", err)
	}
	defer store.Close()

	n, err := overlay.New(cfg, log)
	if err != nil {
		log.Fatal("failed to create node", "error", err)
	}
	n.Start()

	if err := seedFromCache(n, store); err != nil {
		log.Warn("failed to seed routing table from peer cache", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Network.BootstrapID != "" && cfg.Network.BootstrapAddr != "" {
		var id identity.NodeID
		if err := id.UnmarshalJSON([]byte(`"` + cfg.Network.BootstrapID + `"`)); err != nil {
			log.Fatal("invalid bootstrap-id", "error", err)
		}
		joinCtx, joinCancel := context.WithTimeout(ctx, 30*time.Second)
		err := n.Join(joinCtx, id, cfg.Network.BootstrapAddr)
		joinCancel()
		if err != nil {
			log.Error("join failed, continuing as an isolated root", "error", err)
		} else {
			log.Info("joined network via bootstrap", "bootstrap", cfg.Network.BootstrapAddr)
		}
	} else {
		log.Info("no bootstrap configured, starting as a root node")
	}

	hub := statusapi.NewHub(log)
	go hub.Run()

	snapshot := func() statusapi.Snapshot {
		balance := n.Ledger().Balance(n.Self())
		busy, _ := n.TxProtocol().IsBusy()
		return statusapi.Snapshot{
			SelfID:        n.Self().String(),
			PeerCount:     n.Table().Size(),
			LedgerSize:    len(n.Ledger().Records()),
			Balance:       balance,
			Busy:          busy,
			UptimeSeconds: int64(n.Uptime().Seconds()),
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/status", statusapi.StatusHandler(snapshot))
	mux.Handle("/ws", http.HandlerFunc(hub.ServeHTTP))
	httpServer := &http.Server{Addr: *statusAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("status API server error", "error", err)
		}
	}()

	printBanner(log, n, *statusAddr)

	go statusTicker(ctx, hub, snapshot)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	httpServer.Shutdown(shutdownCtx)
	shutdownCancel()

	if err := savePeerCache(n, store); err != nil {
		log.Error("error saving peer cache", "error", err)
	}
	if err := n.Stop(); err != nil {
		log.Error("error during shutdown", "error", err)
	}
	log.Info("goodbye!")
}

func seedFromCache(n *overlay.Node, store *peerstore.Store) error {
	records, err := store.Recent(7*24*time.Hour, 100)
	if err != nil {
		return err
	}
	for _, r := range records {
		n.Table().UpdatePeer(r.ID, r.Addr)
	}
	return nil
}

func savePeerCache(n *overlay.Node, store *peerstore.Store) error {
	var firstErr error
	for _, p := range n.Table().AllPeers() {
		if err := store.Save(p.ID, p.Addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func statusTicker(ctx context.Context, hub *statusapi.Hub, snapshot statusapi.SnapshotFunc) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hub.Broadcast(statusapi.EventStatus, snapshot())
		}
	}
}

func printBanner(log *logging.Logger, n *overlay.Node, statusAddr string) {
	log.Info("")
	log.Info("=================================================")
	log.Info("  overlayd — Kademlia DHT + ledger overlay node")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Node id: %s", n.Self())
	log.Infof("  UDP addr: %s", n.Addr())
	log.Infof("  Status API: http://%s/status", statusAddr)
	log.Infof("  Status WS:  ws://%s/ws", statusAddr)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
	fmt.Fprintln(os.Stderr)
}
