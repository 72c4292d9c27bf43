// Package kad implements the Kademlia DHT node layer: the remote procedures
// (ping/store/find_node/find_value) and the iterative lookup_node/put/get/
// join operations built on top of them, following the usual registered-
// handler-map plus RPC-client idiom.
package kad

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dufferzafar/distributed-ledger/internal/identity"
	"github.com/dufferzafar/distributed-ledger/internal/routing"
	"github.com/dufferzafar/distributed-ledger/internal/transport"
	"github.com/dufferzafar/distributed-ledger/pkg/logging"
)

// DefaultAlpha is the lookup parallelism factor (spec §4.D).
const DefaultAlpha = 3

// ErrNoPeersAvailable is raised when a lookup has no seed peers to start
// from, mirroring lookup_node's KeyError(hashed_key, 'No peers available.').
var ErrNoPeersAvailable = errors.New("kad: no peers available to start lookup")

// ErrValueNotFound is raised when a value lookup exhausts every reachable
// peer without a hit, mirroring lookup_node's second KeyError.
var ErrValueNotFound = errors.New("kad: value not found among any available peers")

// Node is the Kademlia layer for one participant: its identity, routing
// table, local key/value storage, and the RPCs/lookups built over the
// transport.
type Node struct {
	self  identity.NodeID
	k     int
	alpha int

	table *routing.Table
	tr    *transport.Transport
	log   *logging.Logger

	storageMu sync.RWMutex
	storage   map[identity.NodeID]string
}

// New constructs a Node and wires its handlers onto tr. Call Start (on tr)
// separately once every layer has finished registering handlers.
func New(self identity.NodeID, k, alpha int, tr *transport.Transport, log *logging.Logger) *Node {
	if k <= 0 {
		k = routing.DefaultK
	}
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	if log == nil {
		log = logging.GetDefault()
	}

	n := &Node{
		self:    self,
		k:       k,
		alpha:   alpha,
		table:   routing.New(self, k),
		tr:      tr,
		log:     log.Component("kad"),
		storage: make(map[identity.NodeID]string),
	}
	n.registerHandlers()
	return n
}

// Self returns the node's own identifier.
func (n *Node) Self() identity.NodeID { return n.self }

// Table exposes the routing table for the overlay and txproto layers (e.g.
// to list neighbors for gossip flooding).
func (n *Node) Table() *routing.Table { return n.table }

func (n *Node) registerHandlers() {
	n.tr.RegisterHandler(procPing, n.handlePing)
	n.tr.RegisterHandler(procStore, n.handleStore)
	n.tr.RegisterHandler(procFindNode, n.handleFindNode)
	n.tr.RegisterHandler(procFindValue, n.handleFindValue)
}

func (n *Node) handlePing(from transport.Addr, raw json.RawMessage) (interface{}, error) {
	var args pingArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	n.table.UpdatePeer(args.PeerID, string(from))
	n.log.Debug("handling ping", "from", from, "peer", args.PeerID)
	return pingReply{PeerID: n.self}, nil
}

func (n *Node) handleStore(from transport.Addr, raw json.RawMessage) (interface{}, error) {
	var args storeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	n.table.UpdatePeer(args.PeerID, string(from))
	n.log.Debug("handling store", "from", from, "key", args.Key)

	n.storageMu.Lock()
	n.storage[args.Key] = args.Value
	n.storageMu.Unlock()
	return storeReply{PeerID: n.self, OK: true}, nil
}

func (n *Node) handleFindNode(from transport.Addr, raw json.RawMessage) (interface{}, error) {
	var args findNodeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	n.table.UpdatePeer(args.PeerID, string(from))
	n.log.Debug("handling find_node", "from", from, "key", args.Key)

	peers := n.table.FindClosestPeers(args.Key, args.PeerID, n.k)
	return findNodeReply{PeerID: n.self, Peers: peers}, nil
}

func (n *Node) handleFindValue(from transport.Addr, raw json.RawMessage) (interface{}, error) {
	var args findValueArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	n.table.UpdatePeer(args.PeerID, string(from))
	n.log.Debug("handling find_value", "from", from, "key", args.Key)

	n.storageMu.RLock()
	v, ok := n.storage[args.Key]
	n.storageMu.RUnlock()
	if ok {
		return findValueReply{PeerID: n.self, Found: true, Value: v}, nil
	}
	peers := n.table.FindClosestPeers(args.Key, args.PeerID, n.k)
	return findValueReply{PeerID: n.self, Found: false, Peers: peers}, nil
}

// --- RPC clients ---

func (n *Node) ping(ctx context.Context, peer routing.Peer) error {
	raw, err := n.tr.Request(ctx, transport.Addr(peer.Addr), procPing, pingArgs{PeerID: n.self})
	if err != nil {
		return err
	}
	var reply pingReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return err
	}
	n.table.UpdatePeer(reply.PeerID, peer.Addr)
	return nil
}

func (n *Node) store(ctx context.Context, peer routing.Peer, key identity.NodeID, value string) (bool, error) {
	raw, err := n.tr.Request(ctx, transport.Addr(peer.Addr), procStore, storeArgs{PeerID: n.self, Key: key, Value: value})
	if err != nil {
		return false, err
	}
	var reply storeReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return false, err
	}
	n.table.UpdatePeer(reply.PeerID, peer.Addr)
	return reply.OK, nil
}

func (n *Node) findNode(ctx context.Context, peer routing.Peer, key identity.NodeID) ([]routing.Peer, error) {
	raw, err := n.tr.Request(ctx, transport.Addr(peer.Addr), procFindNode, findNodeArgs{PeerID: n.self, Key: key})
	if err != nil {
		return nil, err
	}
	var reply findNodeReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}
	n.table.UpdatePeer(reply.PeerID, peer.Addr)
	return reply.Peers, nil
}

func (n *Node) findValue(ctx context.Context, peer routing.Peer, key identity.NodeID) (found bool, value string, peers []routing.Peer, err error) {
	raw, err := n.tr.Request(ctx, transport.Addr(peer.Addr), procFindValue, findValueArgs{PeerID: n.self, Key: key})
	if err != nil {
		return false, "", nil, err
	}
	var reply findValueReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return false, "", nil, err
	}
	n.table.UpdatePeer(reply.PeerID, peer.Addr)
	return reply.Found, reply.Value, reply.Peers, nil
}

// --- Iterative lookup, put/get, join ---

// lookupNode is the iterative node-lookup algorithm shared by LookupNode and
// Get, mirroring kademlia_dht.py's lookup_node with its contacted/dead sets
// and alpha-wide fan-out per round.
func (n *Node) lookupNode(ctx context.Context, key identity.NodeID, wantValue bool) (found bool, value string, peers []routing.Peer, err error) {
	seed := n.table.FindClosestPeers(key, identity.Zero, n.k)
	if len(seed) == 0 {
		return false, "", nil, ErrNoPeersAvailable
	}

	candidates := make(map[identity.NodeID]routing.Peer, len(seed))
	for _, p := range seed {
		candidates[p.ID] = p
	}
	contacted := make(map[identity.NodeID]struct{})
	dead := make(map[identity.NodeID]struct{})

	distanceTo := func(id identity.NodeID) identity.NodeID { return identity.Distance(id, key) }

	for {
		var uncontacted []routing.Peer
		for id, p := range candidates {
			if _, done := contacted[id]; !done {
				uncontacted = append(uncontacted, p)
			}
		}
		if len(uncontacted) == 0 {
			break
		}

		sort.Slice(uncontacted, func(i, j int) bool {
			return distanceTo(uncontacted[i].ID).Less(distanceTo(uncontacted[j].ID))
		})
		if len(uncontacted) > n.alpha {
			uncontacted = uncontacted[:n.alpha]
		}

		for _, peer := range uncontacted {
			contacted[peer.ID] = struct{}{}

			var contacts []routing.Peer
			if wantValue {
				gotValue, val, c, rpcErr := n.findValue(ctx, peer, key)
				if rpcErr != nil {
					if errors.Is(rpcErr, transport.ErrTimeout) {
						n.table.ForgetPeer(peer.ID)
						dead[peer.ID] = struct{}{}
						continue
					}
					return false, "", nil, rpcErr
				}
				if gotValue {
					return true, val, nil, nil
				}
				contacts = c
			} else {
				c, rpcErr := n.findNode(ctx, peer, key)
				if rpcErr != nil {
					if errors.Is(rpcErr, transport.ErrTimeout) {
						n.table.ForgetPeer(peer.ID)
						dead[peer.ID] = struct{}{}
						continue
					}
					return false, "", nil, rpcErr
				}
				contacts = c
			}

			for _, c := range contacts {
				if c.ID == n.self {
					continue
				}
				if _, known := candidates[c.ID]; !known {
					candidates[c.ID] = c
				}
			}
		}
	}

	if wantValue {
		return false, "", nil, ErrValueNotFound
	}

	var live []routing.Peer
	for id, p := range candidates {
		if _, d := dead[id]; !d {
			live = append(live, p)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return distanceTo(live[i].ID).Less(distanceTo(live[j].ID))
	})
	if len(live) > n.k {
		live = live[:n.k]
	}
	return false, "", live, nil
}

// LookupNode returns up to k peers closest to key, reachable from the
// current routing table via iterative lookup.
func (n *Node) LookupNode(ctx context.Context, key identity.NodeID) ([]routing.Peer, error) {
	_, _, peers, err := n.lookupNode(ctx, key, false)
	return peers, err
}

// Put stores value under key on the peers closest to key, returning how
// many of them acknowledged the store. Mirrors kademlia_dht.py's put.
func (n *Node) Put(ctx context.Context, key identity.NodeID, value string) (int, error) {
	peers, err := n.LookupNode(ctx, key)
	if err != nil {
		return 0, err
	}

	successes := 0
	for _, peer := range peers {
		ok, err := n.store(ctx, peer, key, value)
		if err == nil && ok {
			successes++
		}
	}
	return successes, nil
}

// Get retrieves the value stored under key, checking local storage first
// and falling back to an iterative value lookup. Mirrors kademlia_dht.py's
// get.
func (n *Node) Get(ctx context.Context, key identity.NodeID) (string, error) {
	n.storageMu.RLock()
	v, ok := n.storage[key]
	n.storageMu.RUnlock()
	if ok {
		return v, nil
	}
	found, value, _, err := n.lookupNode(ctx, key, true)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrValueNotFound
	}
	return value, nil
}

// PingAllNeighbors pings every peer currently in the routing table,
// refreshing liveness and last-seen address. Mirrors ping_all_neighbors.
func (n *Node) PingAllNeighbors(ctx context.Context) error {
	var firstErr error
	for _, peer := range n.table.AllPeers() {
		if err := n.ping(ctx, peer); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ping %s: %w", peer.ID, err)
		}
	}
	return firstErr
}

// Join performs the standard Kademlia join sequence: look up one's own id
// (populating the routing table with every node the bootstrap peers know
// about along the way), then ping every resulting neighbor. Mirrors
// kademlia_dht.py's join.
func (n *Node) Join(ctx context.Context) error {
	if _, err := n.LookupNode(ctx, n.self); err != nil {
		return err
	}
	return n.PingAllNeighbors(ctx)
}

// Bootstrap seeds the routing table with a known peer before Join runs —
// the source instead expects the bootstrap peer to already be present via
// some out-of-band mechanism; this is the explicit Go equivalent.
func (n *Node) Bootstrap(ctx context.Context, peerID identity.NodeID, addr string) error {
	n.table.UpdatePeer(peerID, addr)
	return n.ping(ctx, routing.Peer{ID: peerID, Addr: addr})
}
