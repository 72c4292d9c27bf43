package transport

import "errors"

// Sentinel errors corresponding to spec.md §7's abstract error kinds that
// belong to the transport layer.
var (
	// ErrTimeout is returned when an outstanding RPC reply does not arrive
	// within the deadline.
	ErrTimeout = errors.New("transport: reply timed out")

	// ErrUnknownProcedure is the transport-level ProtocolError: an inbound
	// request named a procedure with no registered handler. The datagram is
	// logged and dropped; the caller observes ErrTimeout.
	ErrUnknownProcedure = errors.New("transport: unknown procedure")

	// ErrMalformedDatagram marks a datagram that failed to decode.
	ErrMalformedDatagram = errors.New("transport: malformed datagram")

	// ErrDuplicateMessageID is the hard internal error spec.md §9 Open
	// Question 2 upgrades a msg-id collision to (the source silently
	// overwrites the outstanding slot instead).
	ErrDuplicateMessageID = errors.New("transport: duplicate in-flight message id")

	// ErrClosed is returned by a Request that is still waiting for its reply
	// when Stop runs; such a Request can also see ErrTimeout, because Stop
	// closes its reply slot as well. Requests and broadcasts issued after
	// Stop fail with the closed socket's write error instead.
	ErrClosed = errors.New("transport: closed")
)
