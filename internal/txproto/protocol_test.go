package txproto

import (
	"context"
	"testing"
	"time"

	"github.com/dufferzafar/distributed-ledger/internal/identity"
	"github.com/dufferzafar/distributed-ledger/internal/kad"
	"github.com/dufferzafar/distributed-ledger/internal/ledger"
	"github.com/dufferzafar/distributed-ledger/internal/routing"
	"github.com/dufferzafar/distributed-ledger/internal/transport"
)

// harness wires up one node's kad+ledger+txproto stack over a real UDP
// transport, the same shape internal/overlay.Node assembles in production.
type harness struct {
	self    identity.NodeID
	keys    *identity.KeyPair
	tr      *transport.Transport
	kad     *kad.Node
	ledg    *ledger.Ledger
	tx      *Protocol
	genesis *ledger.Transaction
}

func newHarness(t *testing.T, genesisAmount int64) *harness {
	t.Helper()

	self, err := identity.Random()
	if err != nil {
		t.Fatalf("identity.Random: %v", err)
	}
	keys, err := identity.GenKeyPair()
	if err != nil {
		t.Fatalf("identity.GenKeyPair: %v", err)
	}
	tr, err := transport.New(transport.Config{ListenAddr: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	tr.Start()
	t.Cleanup(func() { tr.Stop() })

	kadNode := kad.New(self, routing.DefaultK, kad.DefaultAlpha, tr, nil)
	led := ledger.NewLedger(self, genesisAmount)
	p := New(Config{
		Self:     self,
		SelfAddr: string(tr.LocalAddr()),
		Keys:     keys,
		Kad:      kadNode,
		Ledger:   led,
		Tr:       tr,
	})
	tr.OnBroadcast(p.HandleBroadcast)

	return &harness{self: self, keys: keys, tr: tr, kad: kadNode, ledg: led, tx: p, genesis: led.Records()[0]}
}

// cloneTx deep-copies tx's pointer fields, producing a distinct object with
// the same ID — the same shape a JSON round-trip over the wire would
// produce. Used by adoptGenesis so a seeded genesis behaves like a real
// wire-decoded transaction rather than aliasing the owning harness's own
// ledger record.
func cloneTx(tx *ledger.Transaction) *ledger.Transaction {
	clone := *tx
	if tx.Sender != nil {
		s := *tx.Sender
		clone.Sender = &s
	}
	if tx.Witness != nil {
		w := *tx.Witness
		clone.Witness = &w
	}
	if tx.InputTx != nil {
		clone.InputTx = append([]*ledger.Transaction(nil), tx.InputTx...)
	}
	return &clone
}

// adoptGenesis seeds every node's ledger with every other node's genesis
// transaction, the state join's ledger-adoption step (overlay/node.go's
// push-then-adopt sequence) establishes once all of them have joined a
// common network.
func adoptGenesis(nodes ...*harness) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a == b {
				continue
			}
			a.ledg.AddTx(cloneTx(b.genesis))
		}
	}
}

// linkPeers makes each node aware of the other in its routing table, the
// way join's lookup_node sweep would after a real bootstrap.
func linkPeers(nodes ...*harness) {
	for _, a := range nodes {
		for _, b := range nodes {
			if a == b {
				continue
			}
			a.kad.Table().UpdatePeer(b.self, string(b.tr.LocalAddr()))
		}
	}
}

// publishSelf announces (addr, pub) at each node's own id, the way Join's
// put(self_id, ...) step does, so resolveAddr can find participants via the
// DHT during the 2PC driver.
func publishSelf(t *testing.T, ctx context.Context, h *harness) {
	t.Helper()
	payload, err := h.tx.AnnouncePayload()
	if err != nil {
		t.Fatalf("AnnouncePayload: %v", err)
	}
	if _, err := h.kad.Put(ctx, h.self, payload); err != nil {
		t.Fatalf("Put(self): %v", err)
	}
}

// TestHappyPathTwoPhaseCommit exercises scenario S3: sender, receiver, and
// witness all end idle with the transaction pair committed at all three and
// the sender's genesis input marked spent.
func TestHappyPathTwoPhaseCommit(t *testing.T) {
	sender := newHarness(t, 100)
	receiver := newHarness(t, 100)
	witness := newHarness(t, 100)
	linkPeers(sender, receiver, witness)
	adoptGenesis(sender, receiver, witness)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	publishSelf(t, ctx, sender)
	publishSelf(t, ctx, receiver)
	publishSelf(t, ctx, witness)

	msg, err := sender.tx.SendBitcoins(receiver.self, witness.self, 30)
	if err != nil {
		t.Fatalf("SendBitcoins: %v", err)
	}
	if msg == MsgNotEnoughBalance || msg == MsgNodeAlreadyBusy {
		t.Fatalf("unexpected SendBitcoins reply: %q", msg)
	}

	busy, txs := sender.tx.IsBusy()
	if !busy || len(txs) != 2 {
		t.Fatalf("expected sender busy with a 2-tx pair (payment+change), got busy=%v txs=%d", busy, len(txs))
	}

	sender.tx.runTwoPhaseCommit(ctx, txs)

	for name, h := range map[string]*harness{"sender": sender, "receiver": receiver, "witness": witness} {
		if busy, _ := h.tx.IsBusy(); busy {
			t.Errorf("%s: expected idle after commit, still busy", name)
		}
	}

	// Each ledger starts with all three genesis transactions (adoptGenesis)
	// and commit_tx carries the full payment+change pair to every
	// participant, so all three end up with 3 genesis + 2 pair records.
	// Receiver and witness also get the gossiped commit of the same pair,
	// which ProcessCommit classifies as old and answers without adding it.
	if len(sender.ledg.Records()) != 5 {
		t.Fatalf("sender: expected 3 genesis + payment+change, got %d records", len(sender.ledg.Records()))
	}
	if len(receiver.ledg.Records()) != 5 {
		t.Fatalf("receiver: expected 3 genesis + payment+change, got %d records", len(receiver.ledg.Records()))
	}
	if len(witness.ledg.Records()) != 5 {
		t.Fatalf("witness: expected 3 genesis + payment+change, got %d records", len(witness.ledg.Records()))
	}

	if !sender.genesis.Spent {
		t.Fatal("sender's genesis input should be marked spent after commit")
	}
}

// TestSendBitcoinsInsufficientBalance exercises scenario S4.
func TestSendBitcoinsInsufficientBalance(t *testing.T) {
	sender := newHarness(t, 100)

	msg, err := sender.tx.SendBitcoins(identity.Zero, identity.Zero, 1_000_000)
	if err != nil {
		t.Fatalf("SendBitcoins: %v", err)
	}
	if msg != MsgNotEnoughBalance {
		t.Fatalf("expected %q, got %q", MsgNotEnoughBalance, msg)
	}
	if busy, _ := sender.tx.IsBusy(); busy {
		t.Fatal("a failed send_bitcoins must not set busy")
	}
	if len(sender.ledg.Records()) != 1 {
		t.Fatal("a failed send_bitcoins must not change the ledger")
	}
}

// TestBecomeParticipantRejectsWhenBusy exercises scenario S5's core
// invariant: a node already holding a transaction answers "busy" to a
// second become_receiver/become_witness request rather than silently
// overwriting its state.
func TestBecomeParticipantRejectsWhenBusy(t *testing.T) {
	witness := newHarness(t, 100)

	first := []*ledger.Transaction{ledger.Genesis(witness.self, 10)}
	if reply := witness.tx.becomeParticipant(first); reply != MsgYes {
		t.Fatalf("expected first reservation to succeed, got %q", reply)
	}

	second := []*ledger.Transaction{ledger.Genesis(witness.self, 20)}
	if reply := witness.tx.becomeParticipant(second); reply != MsgBusy {
		t.Fatalf("expected second concurrent reservation to be rejected, got %q", reply)
	}

	busy, txs := witness.tx.IsBusy()
	if !busy || txs[0].ID != first[0].ID {
		t.Fatal("busy state must still reflect the first reservation, not the rejected second one")
	}
}

// TestProcessCommitAbortsOnBadSignature exercises scenario S6: a commit_tx
// whose signature doesn't verify against the claimed sender key aborts and
// leaves the ledger untouched.
func TestProcessCommitAbortsOnBadSignature(t *testing.T) {
	sender := newHarness(t, 100)
	receiver := newHarness(t, 100)
	witness := newHarness(t, 100)

	ok, txs := sender.ledg.GenTrans(sender.self, receiver.self, witness.self, 30)
	if !ok {
		t.Fatal("setup: GenTrans should succeed")
	}

	digest, err := canonicalize(txs)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}

	wrongKeys, err := identity.GenKeyPair()
	if err != nil {
		t.Fatalf("GenKeyPair: %v", err)
	}
	sig := identity.Sign(wrongKeys.Private, digest)

	// SenderPub is the legitimate sender's key, but the signature was
	// produced with a different private key, so verification must fail.
	reply := receiver.tx.ProcessCommit(txs, sig, sender.keys.PublicHex())
	if reply != MsgAbort {
		t.Fatalf("expected %q for a bad signature, got %q", MsgAbort, reply)
	}
	if len(receiver.ledg.Records()) != 1 {
		t.Fatal("a rejected commit must not modify the ledger")
	}
}

// TestProcessAbortRevertsSpentFlags exercises scenario S9 / the undo-log fix
// spec §9 Open Question 5 calls for: aborting after a commit has already
// marked inputs spent must revert those flags, not just remove the txs.
func TestProcessAbortRevertsSpentFlags(t *testing.T) {
	sender := newHarness(t, 100)
	receiver := newHarness(t, 100)
	witness := newHarness(t, 100)

	ok, txs := sender.ledg.GenTrans(sender.self, receiver.self, witness.self, 30)
	if !ok {
		t.Fatal("setup: GenTrans should succeed")
	}
	digest, err := canonicalize(txs)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	sig := identity.Sign(sender.keys.Private, digest)

	sender.tx.setBusy(txs)
	if reply := sender.tx.ProcessCommit(txs, sig, sender.keys.PublicHex()); reply != MsgCommitted {
		t.Fatalf("expected commit to succeed, got %q", reply)
	}

	genesis := sender.ledg.Records()[0]
	if !genesis.Spent {
		t.Fatal("setup: genesis should be spent after commit")
	}

	// The commit already cleared busy (the sender is a participant), so the
	// abort reverts and removes the pair but reports it was not holding it.
	if reply := sender.tx.ProcessAbort(txs); reply != MsgNotInvolved {
		t.Fatalf("expected %q, got %q", MsgNotInvolved, reply)
	}
	if sender.ledg.Contains(txs[0]) {
		t.Fatal("aborted transaction should be removed from the ledger")
	}
	if genesis.Spent {
		t.Fatal("abort should have reverted the spent flag it set during commit")
	}
	if busy, _ := sender.tx.IsBusy(); busy {
		t.Fatal("sender should be idle after the commit and the abort")
	}
}

// TestProcessAbortRevertsSpentFlagsForNonSender exercises a receiver's (or
// witness's) abort path, where the undo log's saved inputs are wire-decoded
// objects distinct from the ledger's own record rather than the sender's
// aliasing pointers — the case MarkUnspent's ID-lookup indirection exists
// for, since mutating the saved input directly would leave the ledger's own
// record untouched.
func TestProcessAbortRevertsSpentFlagsForNonSender(t *testing.T) {
	sender := newHarness(t, 100)
	receiver := newHarness(t, 100)
	witness := newHarness(t, 100)
	adoptGenesis(sender, receiver, witness)

	ok, txs := sender.ledg.GenTrans(sender.self, receiver.self, witness.self, 30)
	if !ok {
		t.Fatal("setup: GenTrans should succeed")
	}
	digest, err := canonicalize(txs)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	sig := identity.Sign(sender.keys.Private, digest)

	// Simulate the wire: receiver.ledg holds its own clone of sender's
	// genesis, distinct from sender.genesis, and txs' InputTx here is
	// cloned too rather than sender's own pointer.
	wireTxs := []*ledger.Transaction{cloneTx(txs[0]), cloneTx(txs[1])}
	wireTxs[0].InputTx = []*ledger.Transaction{cloneTx(sender.genesis)}
	wireTxs[1].InputTx = wireTxs[0].InputTx

	receiver.tx.setBusy(wireTxs)
	if reply := receiver.tx.ProcessCommit(wireTxs, sig, sender.keys.PublicHex()); reply != MsgCommitted {
		t.Fatalf("expected commit to succeed, got %q", reply)
	}

	var spentAfterCommit bool
	for _, r := range receiver.ledg.Records() {
		if r.ID == sender.genesis.ID {
			spentAfterCommit = r.Spent
		}
	}
	if !spentAfterCommit {
		t.Fatal("setup: receiver's copy of sender's genesis should be spent after commit")
	}

	// The commit already cleared the receiver's busy flag, so the abort
	// reports it was not holding the pair.
	if reply := receiver.tx.ProcessAbort(wireTxs); reply != MsgNotInvolved {
		t.Fatalf("expected %q, got %q", MsgNotInvolved, reply)
	}

	for _, r := range receiver.ledg.Records() {
		if r.ID == sender.genesis.ID && r.Spent {
			t.Fatal("abort should have reverted the spent flag on the ledger's own record, not just the wire-decoded copy")
		}
	}
}
