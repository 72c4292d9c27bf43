// Package overlay implements the node boot/coordination layer that wires
// identity, routing, transport, the Kademlia node, the ledger, and the
// transaction protocol together, and drives the join sequence. It follows
// the usual Start/Stop lifecycle idiom, with background goroutines tracked
// by a WaitGroup.
package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dufferzafar/distributed-ledger/internal/identity"
	"github.com/dufferzafar/distributed-ledger/internal/kad"
	"github.com/dufferzafar/distributed-ledger/internal/ledger"
	"github.com/dufferzafar/distributed-ledger/internal/nodeconfig"
	"github.com/dufferzafar/distributed-ledger/internal/routing"
	"github.com/dufferzafar/distributed-ledger/internal/transport"
	"github.com/dufferzafar/distributed-ledger/internal/txproto"
	"github.com/dufferzafar/distributed-ledger/pkg/logging"
)

// Node is one running participant: its identity and key material, the
// datagram transport, the Kademlia routing/lookup layer, the ledger, and
// the 2PC transaction protocol, plus the lifecycle gluing them together.
type Node struct {
	self identity.NodeID
	keys *identity.KeyPair

	tr     *transport.Transport
	kad    *kad.Node
	ledger *ledger.Ledger
	tx     *txproto.Protocol
	log    *logging.Logger

	cfg *nodeconfig.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startedAt time.Time
}

// New constructs a Node from cfg: generates (or could, in a future
// revision, load) identity and key material, binds the UDP transport, and
// wires the routing table, Kademlia layer, ledger, and transaction
// protocol on top of it. Call Start to begin serving.
func New(cfg *nodeconfig.Config, log *logging.Logger) (*Node, error) {
	if log == nil {
		log = logging.GetDefault()
	}

	self, err := identity.Random()
	if err != nil {
		return nil, fmt.Errorf("overlay: generate identity: %w", err)
	}
	keys, err := identity.GenKeyPair()
	if err != nil {
		return nil, fmt.Errorf("overlay: generate keypair: %w", err)
	}

	tr, err := transport.New(transport.Config{
		ListenAddr:   cfg.Network.ListenAddr,
		ReplyTimeout: cfg.Network.ReplyTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("overlay: bind transport: %w", err)
	}

	kadNode := kad.New(self, cfg.Routing.K, cfg.Routing.Alpha, tr, log)
	led := ledger.NewLedger(self, cfg.Ledger.GenesisAmount)

	tx := txproto.New(txproto.Config{
		Self:         self,
		SelfAddr:     string(tr.LocalAddr()),
		Keys:         keys,
		Kad:          kadNode,
		Ledger:       led,
		Tr:           tr,
		Log:          log,
		SeenCapacity: cfg.Routing.SeenCapacity,
	})
	tr.OnBroadcast(tx.HandleBroadcast)

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		self:   self,
		keys:   keys,
		tr:     tr,
		kad:    kadNode,
		ledger: led,
		tx:     tx,
		log:    log.Component("overlay"),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Self returns the node's NodeId.
func (n *Node) Self() identity.NodeID { return n.self }

// Addr returns the node's bound UDP address.
func (n *Node) Addr() transport.Addr { return n.tr.LocalAddr() }

// Keys returns the node's ECDSA keypair.
func (n *Node) Keys() *identity.KeyPair { return n.keys }

// Kad exposes the Kademlia layer (component D), used by the CLI/status
// API and by tests driving lookups directly.
func (n *Node) Kad() *kad.Node { return n.kad }

// Ledger exposes the node's transaction ledger (component E).
func (n *Node) Ledger() *ledger.Ledger { return n.ledger }

// TxProtocol exposes the 2PC transaction protocol (component F).
func (n *Node) TxProtocol() *txproto.Protocol { return n.tx }

// Table exposes the routing table (component B).
func (n *Node) Table() *routing.Table { return n.kad.Table() }

// Uptime reports how long Start has been running.
func (n *Node) Uptime() time.Duration {
	if n.startedAt.IsZero() {
		return 0
	}
	return time.Since(n.startedAt)
}

// Start launches the transport's read loop and the 2PC driver.
func (n *Node) Start() {
	n.startedAt = time.Now()
	n.tr.Start()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.tx.RunDriver(n.ctx)
	}()

	n.log.Info("node started", "id", n.self, "addr", n.tr.LocalAddr())
}

// Stop cancels the background driver and closes the transport, blocking
// until both have exited.
func (n *Node) Stop() error {
	n.cancel()
	n.wg.Wait()
	err := n.tr.Stop()
	n.log.Info("node stopped")
	return err
}

// Join performs the full bootstrap sequence of spec.md §4.D/§4.F's Join:
// ping the known bootstrap node, run an iterative lookup of one's own id
// (populating the routing table), ping every resulting neighbor, announce
// this node's (addr, pub) under its own id if not already stored, then
// integrate with the ledger — push this node's genesis to the bootstrapper,
// adopt the bootstrapper's ledger, and gossip this node's genesis to the
// rest of the network.
func (n *Node) Join(ctx context.Context, bootstrapID identity.NodeID, bootstrapAddr string) error {
	if err := n.kad.Bootstrap(ctx, bootstrapID, bootstrapAddr); err != nil {
		return fmt.Errorf("overlay: join: ping bootstrap: %w", err)
	}
	if _, err := n.kad.LookupNode(ctx, n.self); err != nil {
		return fmt.Errorf("overlay: join: lookup_node(self): %w", err)
	}
	if err := n.kad.PingAllNeighbors(ctx); err != nil {
		n.log.Debug("join: some neighbors unreachable during ping sweep", "error", err)
	}

	if _, err := n.kad.Get(ctx, n.self); err != nil {
		payload, perr := n.tx.AnnouncePayload()
		if perr != nil {
			return fmt.Errorf("overlay: join: build announce payload: %w", perr)
		}
		if _, err := n.kad.Put(ctx, n.self, payload); err != nil {
			return fmt.Errorf("overlay: join: announce self: %w", err)
		}
	}

	genesis := n.ledger.Records()[0]
	if err := n.tx.PushGenesis(ctx, transport.Addr(bootstrapAddr), genesis); err != nil {
		return fmt.Errorf("overlay: join: push genesis to bootstrapper: %w", err)
	}

	bootstrapLedger, err := n.tx.GetLedger(ctx, transport.Addr(bootstrapAddr))
	if err != nil {
		return fmt.Errorf("overlay: join: fetch bootstrapper ledger: %w", err)
	}
	for _, tx := range bootstrapLedger {
		n.ledger.AddTx(tx)
	}

	if err := n.tx.BroadcastGenesis(genesis); err != nil {
		n.log.Warn("join: failed to gossip genesis", "error", err)
	}

	return nil
}
