// Package routing implements the Kademlia k-bucket routing table: 160
// buckets plus 160 replacement caches, keyed by XOR distance from the local
// NodeId. Grounded on the source's kademlia/routing_table.py, with one
// deliberate deviation from it: the replacement cache here is bounded (see
// REDESIGN FLAGS / Open Question 3 in spec.md §9), where the original lets
// it grow without bound.
package routing

import "github.com/dufferzafar/distributed-ledger/internal/identity"

// Peer is a routing-table entry: a NodeId and the address last seen
// speaking for it. Addresses are never authoritative — update_peer
// overwrites the address whenever the same NodeId is seen from somewhere
// new (spec §3 "PeerAddress").
type Peer struct {
	ID   identity.NodeID `json:"id"`
	Addr string          `json:"addr"`
}
