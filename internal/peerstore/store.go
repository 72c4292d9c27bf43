// Package peerstore provides an ambient, non-core sqlite cache of
// "NodeId last seen at this UDP address" records, so a restarted node can
// re-seed its routing table without a fresh bootstrap. This is not part
// of the protocol core: nothing about routing-table buckets, ledger
// contents, or in-flight busy-state survives a restart, only this one
// peer address cache does, via a WAL-mode sqlite database behind a
// single-writer connection pool.
package peerstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dufferzafar/distributed-ledger/internal/identity"
)

// Store is a sqlite-backed cache of peer addresses.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// Record is one cached peer: the last address it was seen at and when.
type Record struct {
	ID       identity.NodeID
	Addr     string
	LastSeen time.Time
}

// Open creates (or opens) the peer cache database under dataDir.
func Open(dataDir string) (*Store, error) {
	dir := expandPath(dataDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("peerstore: create data directory: %w", err)
	}

	dbPath := filepath.Join(dir, "peers.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("peerstore: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("peerstore: ping database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("peerstore: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS peers (
		node_id TEXT PRIMARY KEY,
		addr TEXT NOT NULL,
		last_seen INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a peer's last-known address.
func (s *Store) Save(id identity.NodeID, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO peers (node_id, addr, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET addr = excluded.addr, last_seen = excluded.last_seen
	`, id.String(), addr, time.Now().Unix())
	return err
}

// Recent returns up to limit peers, most-recently-seen first, seen within
// the last maxAge.
func (s *Store) Recent(maxAge time.Duration, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-maxAge).Unix()
	rows, err := s.db.Query(`
		SELECT node_id, addr, last_seen FROM peers
		WHERE last_seen >= ?
		ORDER BY last_seen DESC
		LIMIT ?
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var idHex, addr string
		var lastSeen int64
		if err := rows.Scan(&idHex, &addr, &lastSeen); err != nil {
			return nil, err
		}
		var id identity.NodeID
		if err := id.UnmarshalJSON([]byte(`"` + idHex + `"`)); err != nil {
			continue
		}
		out = append(out, Record{ID: id, Addr: addr, LastSeen: time.Unix(lastSeen, 0)})
	}
	return out, rows.Err()
}

// Count returns the number of cached peer records.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM peers`).Scan(&n)
	return n, err
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
