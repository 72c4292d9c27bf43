package statusapi

import (
	"encoding/json"
	"net/http"
)

// Snapshot is the point-in-time status payload served over HTTP and
// pushed to websocket clients: peer count, routing-table occupancy, and
// ledger balance. Built by the caller (internal/overlay has the node
// state this package has no business depending on) and handed to
// StatusHandler / Broadcast(EventStatus, snapshot).
type Snapshot struct {
	SelfID        string `json:"self_id"`
	PeerCount     int    `json:"peer_count"`
	KnownPeers    int    `json:"known_peers,omitempty"`
	LedgerSize    int    `json:"ledger_size"`
	Balance       int64  `json:"balance"`
	Busy          bool   `json:"busy"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// SnapshotFunc produces the current status snapshot on demand.
type SnapshotFunc func() Snapshot

// StatusHandler returns an http.Handler serving the current snapshot as
// JSON, for a plain GET /status alongside the websocket feed.
func StatusHandler(fn SnapshotFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fn())
	})
}
