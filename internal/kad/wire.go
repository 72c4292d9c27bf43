package kad

import (
	"github.com/dufferzafar/distributed-ledger/internal/identity"
	"github.com/dufferzafar/distributed-ledger/internal/routing"
)

// Procedure names registered on the transport, matching the source's
// @remote-decorated method names in kademlia_dht.py.
const (
	procPing      = "ping"
	procStore     = "store"
	procFindNode  = "find_node"
	procFindValue = "find_value"
)

type pingArgs struct {
	PeerID identity.NodeID `json:"peer_id"`
}

type pingReply struct {
	PeerID identity.NodeID `json:"peer_id"`
}

type storeArgs struct {
	PeerID identity.NodeID `json:"peer_id"`
	Key    identity.NodeID `json:"key"`
	Value  string          `json:"value"`
}

type storeReply struct {
	PeerID identity.NodeID `json:"peer_id"`
	OK     bool            `json:"ok"`
}

type findNodeArgs struct {
	PeerID identity.NodeID `json:"peer_id"`
	Key    identity.NodeID `json:"key"`
}

type findNodeReply struct {
	PeerID identity.NodeID `json:"peer_id"`
	Peers  []routing.Peer  `json:"peers"`
}

type findValueArgs struct {
	PeerID identity.NodeID `json:"peer_id"`
	Key    identity.NodeID `json:"key"`
}

type findValueReply struct {
	PeerID identity.NodeID `json:"peer_id"`
	Found  bool            `json:"found"`
	Value  string          `json:"value,omitempty"`
	Peers  []routing.Peer  `json:"peers,omitempty"`
}
