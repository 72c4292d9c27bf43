package txproto

import (
	"encoding/json"

	"github.com/dufferzafar/distributed-ledger/internal/ledger"
	"github.com/dufferzafar/distributed-ledger/internal/transport"
)

// HandleBroadcast implements the gossip flood of spec.md §4.F: a node
// receiving a broadcast it has not forwarded before records the msg_id,
// re-floods it to every peer in its routing table, and only then dispatches
// the named procedure locally. Duplicates are silently dropped. Wired as
// the node's single transport.BroadcastHandler (internal/overlay).
func (p *Protocol) HandleBroadcast(from transport.Addr, msgID, procedure string, args json.RawMessage) {
	if !p.seen.addIfNew(msgID) {
		return
	}

	peers := p.kad.Table().AllPeers()
	addrs := make([]transport.Addr, 0, len(peers))
	for _, peer := range peers {
		addrs = append(addrs, transport.Addr(peer.Addr))
	}
	if err := p.tr.BroadcastWithID(addrs, msgID, procedure, args); err != nil {
		p.log.Debug("broadcast: re-flood failed", "procedure", procedure, "error", err)
	}

	p.dispatchBroadcast(procedure, args)
}

// dispatchBroadcast runs the broadcast's procedure against local state,
// exactly as if it had arrived as a direct request, but without a reply —
// spec §4.C's "deliver to the broadcast-handling hook of the upper layer".
func (p *Protocol) dispatchBroadcast(procedure string, args json.RawMessage) {
	switch procedure {
	case procCommitTx:
		var a commitArgs
		if err := json.Unmarshal(args, &a); err != nil {
			p.log.Debug("broadcast commit_tx: malformed args", "error", err)
			return
		}
		p.ProcessCommit(a.Txs, a.Signature, a.SenderPub)
	case procAddTxToLedger:
		var a addTxArgs
		if err := json.Unmarshal(args, &a); err != nil {
			p.log.Debug("broadcast add_tx_to_ledger: malformed args", "error", err)
			return
		}
		p.ledger.AddTx(a.Tx)
	default:
		p.log.Debug("broadcast: unknown procedure, dropping", "procedure", procedure)
	}
}

// broadcastGenesis floods this node's genesis transaction to the network
// under a fresh msg_id, the last step of Join's ledger-bootstrap sequence.
func (p *Protocol) broadcastGenesis(genesis *ledger.Transaction) error {
	peers := p.kad.Table().AllPeers()
	addrs := make([]transport.Addr, 0, len(peers))
	for _, peer := range peers {
		addrs = append(addrs, transport.Addr(peer.Addr))
	}
	return p.tr.Broadcast(addrs, procAddTxToLedger, addTxArgs{CallerID: p.self, Tx: genesis})
}
