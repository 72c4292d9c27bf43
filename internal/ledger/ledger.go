// Package ledger implements a simplified Bitcoin-like transaction ledger: a
// genesis transaction, unspent-transaction-output style balance tracking,
// and pairwise change-making transaction generation, with guarded struct
// state, constructor functions, and deterministic ordering throughout.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dufferzafar/distributed-ledger/internal/identity"
)

// DefaultGenesisAmount is the opening balance a genesis transaction grants.
const DefaultGenesisAmount = 100

// Transaction is one ledger entry. ID is a nanosecond Unix timestamp used as
// a total order over the ledger (spec §5.A) — a stand-in for virtual
// synchrony, same as the source. Sender and Witness are nil only for the
// genesis transaction.
type Transaction struct {
	ID int64 `json:"id"`

	Sender   *identity.NodeID `json:"sender,omitempty"`
	Receiver identity.NodeID  `json:"receiver"`
	Witness  *identity.NodeID `json:"witness,omitempty"`
	Amount   int64            `json:"amount"`

	// InputTx lists the unspent transactions this one consumes. Nil for
	// genesis.
	InputTx []*Transaction `json:"input_tx,omitempty"`

	// Spent marks this transaction as consumed by some later transaction's
	// InputTx. Set by the two-phase commit protocol (internal/txproto),
	// never by the ledger itself.
	Spent bool `json:"spent"`
}

// Genesis constructs the opening transaction granting receiver an initial
// balance of amount.
func Genesis(receiver identity.NodeID, amount int64) *Transaction {
	return &Transaction{
		ID:       time.Now().UnixNano(),
		Sender:   nil,
		Receiver: receiver,
		Witness:  nil,
		Amount:   amount,
		InputTx:  nil,
	}
}

// New constructs a transaction from sender to receiver, witnessed by
// witness, consuming inputTx. ID is a fresh nanosecond timestamp.
func New(sender, receiver, witness identity.NodeID, amount int64, inputTx []*Transaction) *Transaction {
	s, w := sender, witness
	return &Transaction{
		ID:       time.Now().UnixNano(),
		Sender:   &s,
		Receiver: receiver,
		Witness:  &w,
		Amount:   amount,
		InputTx:  inputTx,
	}
}

// Equal compares transactions by ID alone — the ID is unique by
// construction, same as transaction.py's __eq__.
func (tx *Transaction) Equal(other *Transaction) bool {
	if tx == nil || other == nil {
		return tx == other
	}
	return tx.ID == other.ID
}

func (tx *Transaction) String() string {
	var sender string
	if tx.Sender != nil {
		sender = tx.Sender.String()
	}
	return fmt.Sprintf("Transaction(id=%d, sender=%s, receiver=%s, amount=%d, spent=%t)",
		tx.ID, sender, tx.Receiver, tx.Amount, tx.Spent)
}

// SumAmount sums the Amount of every transaction in txs, mirroring the
// source's sum(txs) via Transaction.__radd__.
func SumAmount(txs []*Transaction) int64 {
	var total int64
	for _, tx := range txs {
		total += tx.Amount
	}
	return total
}

// Ledger is one node's bitcoin-like record of transactions, beginning with
// its own genesis transaction.
type Ledger struct {
	mu     sync.RWMutex
	nodeID identity.NodeID
	record []*Transaction
}

// NewLedger constructs a Ledger for nodeID, seeded with a genesis transaction
// granting it genesisAmount.
func NewLedger(nodeID identity.NodeID, genesisAmount int64) *Ledger {
	return &Ledger{
		nodeID: nodeID,
		record: []*Transaction{Genesis(nodeID, genesisAmount)},
	}
}

// Records returns a snapshot copy of the ledger's transactions, ordered by
// ID.
func (l *Ledger) Records() []*Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Transaction, len(l.record))
	copy(out, l.record)
	return out
}

// Contains reports whether tx (by ID) is already in the ledger.
func (l *Ledger) Contains(tx *Transaction) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.indexLocked(tx) >= 0
}

// Index returns the position of tx (by ID) in the ledger, or -1 if absent.
func (l *Ledger) Index(tx *Transaction) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.indexLocked(tx)
}

func (l *Ledger) indexLocked(tx *Transaction) int {
	for i, r := range l.record {
		if r.Equal(tx) {
			return i
		}
	}
	return -1
}

// MarkSpent marks tx (looked up by ID) as spent. A no-op if tx is absent.
func (l *Ledger) MarkSpent(tx *Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexLocked(tx); i >= 0 {
		l.record[i].Spent = true
	}
}

// MarkUnspent clears tx's (looked up by ID) spent flag. A no-op if tx is
// absent. Used to undo a MarkSpent when a commit is later aborted — tx here
// may be a JSON-decoded wire object distinct from the ledger's own record,
// so the lookup-by-ID indirection (rather than mutating tx directly) is
// what makes the revert actually visible on the ledger.
func (l *Ledger) MarkUnspent(tx *Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexLocked(tx); i >= 0 {
		l.record[i].Spent = false
	}
}

// AddTx appends tx to the ledger if not already present (by ID), then
// re-sorts the record by ID. Mirrors transaction.py's add_tx.
func (l *Ledger) AddTx(tx *Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexLocked(tx) >= 0 {
		return
	}
	l.record = append(l.record, tx)
	sort.Slice(l.record, func(i, j int) bool { return l.record[i].ID < l.record[j].ID })
}

// RemoveTx deletes tx (by ID) from the ledger if present — used by
// internal/txproto to roll back a transaction that failed to commit.
func (l *Ledger) RemoveTx(tx *Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexLocked(tx); i >= 0 {
		l.record = append(l.record[:i], l.record[i+1:]...)
	}
}

// GenTrans builds the transaction (or pair, when change is owed back) that
// moves amount from sender to receiver, witnessed by witness, selecting
// unspent transactions owned by sender as inputs. Returns ok=false if
// sender's unspent balance is insufficient. Mirrors transaction.py's
// gen_trans, including its greedy oldest-first input selection and its
// bitcoin-style change-back transaction.
func (l *Ledger) GenTrans(sender, receiver, witness identity.NodeID, amount int64) (ok bool, txs []*Transaction) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var senderBalance int64
	var inputTxs []*Transaction

	for _, tx := range l.record {
		if !tx.Spent && tx.Receiver == sender {
			senderBalance += tx.Amount
			inputTxs = append(inputTxs, tx)
		}
		if senderBalance >= amount {
			break
		}
	}

	if senderBalance < amount {
		return false, nil
	}

	out := []*Transaction{New(sender, receiver, witness, amount, inputTxs)}
	if senderBalance > amount {
		out = append(out, New(sender, sender, witness, senderBalance-amount, inputTxs))
	}
	return true, out
}

// VerifyTrans checks that txs (a single transaction, or a sender/change
// pair) is valid against the ledger: every input is known, owned by the
// sender, and unspent, and the sum of inputs equals the sum of outputs.
// Mirrors transaction.py's verify_trans.
func (l *Ledger) VerifyTrans(txs []*Transaction) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(txs) == 0 {
		return false
	}

	validShape := len(txs) == 1
	if len(txs) == 2 {
		validShape = sameInputSet(txs[0].InputTx, txs[1].InputTx) &&
			txs[0].Sender != nil && txs[1].Sender != nil && *txs[0].Sender == *txs[1].Sender &&
			txs[0].Witness != nil && txs[1].Witness != nil && *txs[0].Witness == *txs[1].Witness
	}
	if !validShape {
		return false
	}

	var inputAmount int64
	for _, tx := range txs[0].InputTx {
		i := l.indexLocked(tx)
		if i < 0 {
			return false
		}
		if txs[0].Sender == nil || tx.Receiver != *txs[0].Sender {
			return false
		}
		if l.record[i].Spent {
			return false
		}
		inputAmount += tx.Amount
	}

	if inputAmount != SumAmount(txs) {
		return false
	}
	return true
}

func sameInputSet(a, b []*Transaction) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Balance returns the sum of owner's unspent received transactions,
// exposed for diagnostics (statusapi) and tests — the source has no direct
// equivalent, computing it inline wherever needed (e.g. gen_trans).
func (l *Ledger) Balance(owner identity.NodeID) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, tx := range l.record {
		if !tx.Spent && tx.Receiver == owner {
			total += tx.Amount
		}
	}
	return total
}
