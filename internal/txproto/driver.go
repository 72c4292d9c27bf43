package txproto

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dufferzafar/distributed-ledger/internal/identity"
	"github.com/dufferzafar/distributed-ledger/internal/ledger"
	"github.com/dufferzafar/distributed-ledger/internal/transport"
)

// DefaultDriverInterval is how often the 2PC driver inspects the busy flag,
// matching the source's asyncio loop's `await asyncio.sleep(1)` polling
// cadence (spec §4.F, flagged for redesign in spec §9 but kept as a simple
// ticker rather than a condition-variable wakeup — see DESIGN.md).
const DefaultDriverInterval = time.Second

// RunDriver runs the periodic two-phase-commit driver until ctx is
// cancelled. Only one tick's worth of work runs at a time: a tick that is
// still resolving RPCs is not overlapped by the next ticker fire.
func (p *Protocol) RunDriver(ctx context.Context) {
	p.RunDriverEvery(ctx, DefaultDriverInterval)
}

// RunDriverEvery is RunDriver with an explicit interval, exposed for tests.
func (p *Protocol) RunDriverEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var mu sync.Mutex
	running := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			if running {
				mu.Unlock()
				continue
			}
			running = true
			mu.Unlock()

			go func() {
				defer func() {
					mu.Lock()
					running = false
					mu.Unlock()
				}()
				p.tick(ctx)
			}()
		}
	}
}

// tick runs one driver pass: a no-op unless this node is busy AND is the
// sender of txs[0] (spec §4.F — receiver/witness roles are purely passive,
// driven by incoming RPCs, not by this loop).
func (p *Protocol) tick(ctx context.Context) {
	busy, txs := p.IsBusy()
	if !busy || len(txs) == 0 {
		return
	}
	lead := txs[0]
	if lead.Sender == nil || *lead.Sender != p.self {
		return
	}

	p.runTwoPhaseCommit(ctx, txs)
}

// runTwoPhaseCommit executes phase 1 (reserve receiver + witness) and phase
// 2 (commit or abort) of the sender-driven 2PC round, mirroring node.py's
// driver coroutine.
func (p *Protocol) runTwoPhaseCommit(ctx context.Context, txs []*ledger.Transaction) {
	lead := txs[0]
	receiverID := lead.Receiver
	witnessID := *lead.Witness

	receiverAddr, err := p.resolveAddr(ctx, receiverID)
	if err != nil {
		p.log.Warn("2pc: could not resolve receiver address", "receiver", receiverID, "error", err)
		return
	}
	witnessAddr, err := p.resolveAddr(ctx, witnessID)
	if err != nil {
		p.log.Warn("2pc: could not resolve witness address", "witness", witnessID, "error", err)
		return
	}

	// Phase 1: reserve both participants. The source issues these
	// sequentially; spec §4.F explicitly allows a concurrent
	// implementation, so the two become_* calls race here.
	var receiverReply, witnessReply string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		receiverReply, _ = p.becomeReceiver(ctx, receiverAddr, txs)
	}()
	go func() {
		defer wg.Done()
		witnessReply, _ = p.becomeWitness(ctx, witnessAddr, txs)
	}()
	wg.Wait()

	if receiverReply != MsgYes || witnessReply != MsgYes {
		p.log.Info("2pc: a participant is busy, aborting", "tx_id", lead.ID)
		p.abortAll(ctx, receiverAddr, witnessAddr, txs)
		return
	}

	// Phase 2: sign and commit, sequentially per spec (receiver then
	// witness), then self, then gossip the commit to the rest of the
	// network.
	digest, err := canonicalize(txs)
	if err != nil {
		p.log.Error("2pc: failed to canonicalize txs", "error", err)
		p.abortAll(ctx, receiverAddr, witnessAddr, txs)
		return
	}
	sig := identity.Sign(p.keys.Private, digest)
	pubHex := p.keys.PublicHex()

	receiverCommit, err := p.commitTx(ctx, receiverAddr, txs, sig, pubHex)
	if err != nil || receiverCommit != MsgCommitted {
		p.log.Info("2pc: receiver aborted commit", "tx_id", lead.ID, "reply", receiverCommit)
		p.abortAll(ctx, receiverAddr, witnessAddr, txs)
		return
	}
	witnessCommit, err := p.commitTx(ctx, witnessAddr, txs, sig, pubHex)
	if err != nil || witnessCommit != MsgCommitted {
		p.log.Info("2pc: witness aborted commit", "tx_id", lead.ID, "reply", witnessCommit)
		p.abortAll(ctx, receiverAddr, witnessAddr, txs)
		return
	}

	// The gossiped copy is decoded from the signed bytes, so it keeps the
	// spent flags the signature covers after the self-commit below marks
	// the inputs spent on this node's ledger.
	var gossipTxs []*ledger.Transaction
	if err := json.Unmarshal(digest, &gossipTxs); err != nil {
		p.log.Error("2pc: failed to copy txs for gossip", "error", err)
		gossipTxs = txs
	}

	p.ProcessCommit(txs, sig, pubHex)

	if err := p.broadcastCommit(gossipTxs, sig, pubHex); err != nil {
		p.log.Warn("2pc: failed to gossip commit", "tx_id", lead.ID, "error", err)
	}
}

func (p *Protocol) abortAll(ctx context.Context, receiverAddr, witnessAddr transport.Addr, txs []*ledger.Transaction) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.abortTx(ctx, receiverAddr, txs) }()
	go func() { defer wg.Done(); p.abortTx(ctx, witnessAddr, txs) }()
	wg.Wait()
	p.ProcessAbort(txs)
}

func (p *Protocol) broadcastCommit(txs []*ledger.Transaction, sig []byte, pubHex string) error {
	peers := p.kad.Table().AllPeers()
	addrs := make([]transport.Addr, 0, len(peers))
	for _, peer := range peers {
		addrs = append(addrs, transport.Addr(peer.Addr))
	}
	return p.tr.Broadcast(addrs, procCommitTx, commitArgs{
		CallerID:   p.self,
		CallerAddr: p.selfAddr,
		Txs:        txs,
		Signature:  sig,
		SenderPub:  pubHex,
	})
}

// resolveAddr looks up a participant's current transport address via the
// DHT, the same announce record join's bootstrap Put publishes.
func (p *Protocol) resolveAddr(ctx context.Context, id identity.NodeID) (transport.Addr, error) {
	raw, err := p.kad.Get(ctx, id)
	if err != nil {
		return "", err
	}
	var v announceValue
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return "", errors.New("txproto: malformed announce record")
	}
	return transport.Addr(v.Addr), nil
}

// --- RPC clients ---

func (p *Protocol) becomeReceiver(ctx context.Context, addr transport.Addr, txs []*ledger.Transaction) (string, error) {
	return p.callBecome(ctx, addr, procBecomeReceiver, txs)
}

func (p *Protocol) becomeWitness(ctx context.Context, addr transport.Addr, txs []*ledger.Transaction) (string, error) {
	return p.callBecome(ctx, addr, procBecomeWitness, txs)
}

func (p *Protocol) callBecome(ctx context.Context, addr transport.Addr, procedure string, txs []*ledger.Transaction) (string, error) {
	raw, err := p.tr.Request(ctx, addr, procedure, becomeArgs{CallerID: p.self, CallerAddr: p.selfAddr, Txs: txs})
	if err != nil {
		return "", err
	}
	var reply messageReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", err
	}
	return reply.Message, nil
}

func (p *Protocol) commitTx(ctx context.Context, addr transport.Addr, txs []*ledger.Transaction, sig []byte, pubHex string) (string, error) {
	raw, err := p.tr.Request(ctx, addr, procCommitTx, commitArgs{
		CallerID:   p.self,
		CallerAddr: p.selfAddr,
		Txs:        txs,
		Signature:  sig,
		SenderPub:  pubHex,
	})
	if err != nil {
		return "", err
	}
	var reply messageReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", err
	}
	return reply.Message, nil
}

func (p *Protocol) abortTx(ctx context.Context, addr transport.Addr, txs []*ledger.Transaction) (string, error) {
	raw, err := p.tr.Request(ctx, addr, procAbortTx, abortArgs{CallerID: p.self, CallerAddr: p.selfAddr, Txs: txs})
	if err != nil {
		return "", err
	}
	var reply messageReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", err
	}
	return reply.Message, nil
}

// GetLedger fetches addr's full ledger snapshot (the get_ledger RPC),
// used by Join to adopt the bootstrapper's ledger.
func (p *Protocol) GetLedger(ctx context.Context, addr transport.Addr) ([]*ledger.Transaction, error) {
	raw, err := p.tr.Request(ctx, addr, procGetLedger, getLedgerArgs{CallerID: p.self})
	if err != nil {
		return nil, err
	}
	var reply getLedgerReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}
	return reply.Txs, nil
}

// PushGenesis sends this node's genesis transaction to addr via
// add_tx_to_ledger — the first step of Join's ledger-bootstrap sequence.
func (p *Protocol) PushGenesis(ctx context.Context, addr transport.Addr, genesis *ledger.Transaction) error {
	raw, err := p.tr.Request(ctx, addr, procAddTxToLedger, addTxArgs{CallerID: p.self, Tx: genesis})
	if err != nil {
		return err
	}
	var reply addTxReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return err
	}
	if !reply.OK {
		return errors.New("txproto: add_tx_to_ledger rejected")
	}
	return nil
}

// BroadcastGenesis is the exported form of broadcastGenesis, used by Join's
// final gossip step.
func (p *Protocol) BroadcastGenesis(genesis *ledger.Transaction) error {
	return p.broadcastGenesis(genesis)
}

// AnnouncePayload builds the (addr, pub) value this node's identity is
// published under at key self during Join's put(self_id, ...) step.
func (p *Protocol) AnnouncePayload() (string, error) {
	raw, err := json.Marshal(announceValue{Addr: p.selfAddr, Pub: p.keys.PublicHex()})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
