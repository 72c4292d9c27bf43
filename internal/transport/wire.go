// Package transport implements the datagram-based request/reply/broadcast
// RPC transport: an outstanding-request table, per-request reply timeout,
// and tagged dispatch over a registered handler map guarded by
// sync.RWMutex, with self-describing framing and structured logging per
// received message.
package transport

import "encoding/json"

// Kind tags the three datagram shapes on the wire.
type Kind string

const (
	KindRequest   Kind = "request"
	KindReply     Kind = "reply"
	KindBroadcast Kind = "broadcast"
)

// Envelope is the single self-describing tagged frame every datagram
// carries — one message per datagram, JSON-encoded. A stable encoding is
// used here (rather than the source's general object pickling) so that any
// two Go nodes interoperate, per spec §6's recommendation.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	ID        string          `json:"id"`
	Procedure string          `json:"procedure,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

func encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
