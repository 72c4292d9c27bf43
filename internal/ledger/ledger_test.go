package ledger

import (
	"testing"

	"github.com/dufferzafar/distributed-ledger/internal/identity"
)

func mustRandomID(t *testing.T) identity.NodeID {
	t.Helper()
	id, err := identity.Random()
	if err != nil {
		t.Fatalf("identity.Random: %v", err)
	}
	return id
}

func TestNewLedgerHasGenesisTransaction(t *testing.T) {
	owner := mustRandomID(t)
	l := NewLedger(owner, DefaultGenesisAmount)

	records := l.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 genesis record, got %d", len(records))
	}
	if records[0].Sender != nil {
		t.Fatalf("genesis transaction should have a nil sender")
	}
	if records[0].Receiver != owner {
		t.Fatalf("genesis transaction receiver should be the ledger owner")
	}
	if records[0].Amount != DefaultGenesisAmount {
		t.Fatalf("expected genesis amount %d, got %d", DefaultGenesisAmount, records[0].Amount)
	}
}

func TestGenTransInsufficientBalance(t *testing.T) {
	owner := mustRandomID(t)
	receiver := mustRandomID(t)
	witness := mustRandomID(t)
	l := NewLedger(owner, 10)

	ok, txs := l.GenTrans(owner, receiver, witness, 50)
	if ok {
		t.Fatalf("expected insufficient balance to fail, got txs=%v", txs)
	}
}

func TestGenTransExactBalanceProducesSingleTx(t *testing.T) {
	owner := mustRandomID(t)
	receiver := mustRandomID(t)
	witness := mustRandomID(t)
	l := NewLedger(owner, 100)

	ok, txs := l.GenTrans(owner, receiver, witness, 100)
	if !ok {
		t.Fatal("expected exact-balance transfer to succeed")
	}
	if len(txs) != 1 {
		t.Fatalf("expected exactly 1 tx when balance matches amount exactly, got %d", len(txs))
	}
	if txs[0].Receiver != receiver || txs[0].Amount != 100 {
		t.Fatalf("unexpected transaction: %+v", txs[0])
	}
}

func TestGenTransWithChangeProducesPair(t *testing.T) {
	owner := mustRandomID(t)
	receiver := mustRandomID(t)
	witness := mustRandomID(t)
	l := NewLedger(owner, 100)

	ok, txs := l.GenTrans(owner, receiver, witness, 30)
	if !ok {
		t.Fatal("expected transfer with change to succeed")
	}
	if len(txs) != 2 {
		t.Fatalf("expected a sender/change pair, got %d txs", len(txs))
	}
	if txs[0].Receiver != receiver || txs[0].Amount != 30 {
		t.Fatalf("unexpected primary transaction: %+v", txs[0])
	}
	if txs[1].Receiver != owner || txs[1].Amount != 70 {
		t.Fatalf("unexpected change transaction: %+v", txs[1])
	}
}

func TestVerifyTransAcceptsValidPair(t *testing.T) {
	owner := mustRandomID(t)
	receiver := mustRandomID(t)
	witness := mustRandomID(t)
	l := NewLedger(owner, 100)

	ok, txs := l.GenTrans(owner, receiver, witness, 30)
	if !ok {
		t.Fatal("setup: GenTrans should succeed")
	}
	if !l.VerifyTrans(txs) {
		t.Fatal("expected freshly generated transaction pair to verify")
	}
}

func TestVerifyTransRejectsAlreadySpentInput(t *testing.T) {
	owner := mustRandomID(t)
	receiver := mustRandomID(t)
	witness := mustRandomID(t)
	l := NewLedger(owner, 100)

	ok, txs := l.GenTrans(owner, receiver, witness, 100)
	if !ok {
		t.Fatal("setup: GenTrans should succeed")
	}
	// Mark the genesis input as spent, as commit_tx would after the first
	// spend; the pair built on it must no longer verify, and neither may a
	// second transaction that tries to reuse it.
	for _, in := range txs[0].InputTx {
		l.MarkSpent(in)
	}
	if l.VerifyTrans(txs) {
		t.Fatal("expected verification to reject a transaction whose input is spent")
	}

	ok2, txs2 := l.GenTrans(owner, receiver, witness, 100)
	if ok2 {
		if l.VerifyTrans(txs2) {
			t.Fatal("expected verification to reject reuse of a spent input")
		}
	}
}

func TestAddTxIsIdempotentAndSorted(t *testing.T) {
	owner := mustRandomID(t)
	l := NewLedger(owner, 100)

	tx := Genesis(mustRandomID(t), 5)
	l.AddTx(tx)
	l.AddTx(tx) // duplicate add should be a no-op

	records := l.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 records after idempotent add, got %d", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].ID < records[i-1].ID {
			t.Fatalf("records not sorted by id at index %d", i)
		}
	}
}

func TestBalanceReflectsUnspentReceipts(t *testing.T) {
	owner := mustRandomID(t)
	l := NewLedger(owner, 100)

	if got := l.Balance(owner); got != 100 {
		t.Fatalf("expected initial balance 100, got %d", got)
	}
}
