package txproto

import (
	"github.com/dufferzafar/distributed-ledger/internal/identity"
	"github.com/dufferzafar/distributed-ledger/internal/ledger"
)

// Procedure names registered on the transport, matching the source's
// @remote-decorated methods in node.py's transaction-protocol mixin.
const (
	procSendBitcoins   = "send_bitcoins"
	procBecomeReceiver = "become_receiver"
	procBecomeWitness  = "become_witness"
	procCommitTx       = "commit_tx"
	procAbortTx        = "abort_tx"
	procGetLedger      = "get_ledger"
	procAddTxToLedger  = "add_tx_to_ledger"
)

// Response message strings, mirroring the source's literal return values.
const (
	MsgCommitted        = "committed"
	MsgAborted          = "aborted"
	MsgAbort            = "abort"
	MsgYes              = "yes"
	MsgBusy             = "busy"
	MsgNotEnoughBalance = "Not enough balance"
	MsgNodeAlreadyBusy  = "Node already busy with another transaction"
	MsgNotInvolved      = "Not involved in this transaction"
)

type sendBitcoinsArgs struct {
	CallerID   identity.NodeID `json:"caller_id"`
	ReceiverID identity.NodeID `json:"receiver_id"`
	WitnessID  identity.NodeID `json:"witness_id"`
	Amount     int64           `json:"amount"`
}

type becomeArgs struct {
	CallerID   identity.NodeID       `json:"caller_id"`
	CallerAddr string                `json:"caller_addr"`
	Txs        []*ledger.Transaction `json:"txs"`
}

type messageReply struct {
	Message string `json:"message"`
}

type commitArgs struct {
	CallerID   identity.NodeID       `json:"caller_id"`
	CallerAddr string                `json:"caller_addr"`
	Txs        []*ledger.Transaction `json:"txs"`
	Signature  []byte                `json:"signature"`
	SenderPub  string                `json:"sender_pub"`
}

type abortArgs struct {
	CallerID   identity.NodeID       `json:"caller_id"`
	CallerAddr string                `json:"caller_addr"`
	Txs        []*ledger.Transaction `json:"txs"`
}

type getLedgerArgs struct {
	CallerID identity.NodeID `json:"caller_id"`
}

type getLedgerReply struct {
	Txs []*ledger.Transaction `json:"txs"`
}

type addTxArgs struct {
	CallerID identity.NodeID     `json:"caller_id"`
	Tx       *ledger.Transaction `json:"tx"`
}

type addTxReply struct {
	OK bool `json:"ok"`
}

// announceValue is the payload put/get store under a NodeId key during
// join: the owner's current transport address and hex-encoded public key,
// mirroring the source's put(self.id, (self.addr, self.pub_key)).
type announceValue struct {
	Addr string `json:"addr"`
	Pub  string `json:"pub"`
}
