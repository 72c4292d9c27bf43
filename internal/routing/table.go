package routing

import (
	"sort"
	"sync"

	"github.com/dufferzafar/distributed-ledger/internal/identity"
)

// DefaultK is the default bucket (and replacement-cache) capacity.
const DefaultK = 20

// DefaultReplacementCacheSize is the replacement-cache capacity of a table
// built with DefaultK. New sizes every replacement cache to the table's k,
// the same capacity as its live bucket, and UpdatePeer evicts the oldest
// cache entry on overflow rather than letting the cache grow.
const DefaultReplacementCacheSize = DefaultK

// Table is the Kademlia routing table: 160 k-buckets plus 160
// replacement caches, indexed by bucket_index(self, peer). Safe for
// concurrent use.
type Table struct {
	mu sync.Mutex

	self identity.NodeID
	k    int

	buckets      [identity.Bits]*kbucket
	replacements [identity.Bits]*kbucket
}

// New constructs an empty Table for the local NodeId self, with k-bucket
// (and replacement-cache) capacity k.
func New(self identity.NodeID, k int) *Table {
	if k <= 0 {
		k = DefaultK
	}
	t := &Table{self: self, k: k}
	for i := range t.buckets {
		t.buckets[i] = newKBucket(k)
		t.replacements[i] = newKBucket(k)
	}
	return t
}

// Self returns the table's owner NodeId.
func (t *Table) Self() identity.NodeID {
	return t.self
}

// K returns the table's bucket capacity.
func (t *Table) K() int {
	return t.k
}

// UpdatePeer records that peer was just seen at addr. A no-op if peer is
// self. If peer is already in its bucket it moves to the tail (most
// recently seen); else if the bucket has room it's appended; else it goes
// into the bucket's replacement cache (evicting that cache's oldest entry
// if it too is full).
func (t *Table) UpdatePeer(peer identity.NodeID, addr string) {
	if peer == t.self {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := identity.BucketIndex(t.self, peer)
	bucket := t.buckets[idx]

	if bucket.Contains(peer) {
		bucket.moveToTail(peer, addr)
		return
	}

	if !bucket.Full() {
		bucket.appendTail(peer, addr)
		return
	}

	cache := t.replacements[idx]
	if cache.Contains(peer) {
		cache.moveToTail(peer, addr)
		return
	}
	if cache.Full() {
		cache.evictOldest()
	}
	cache.appendTail(peer, addr)
}

// ForgetPeer removes peer from its bucket (a no-op if absent or if peer is
// self). If the bucket had that entry and the replacement cache for the
// same index is non-empty, the newest cache entry is promoted into the
// freed slot.
func (t *Table) ForgetPeer(peer identity.NodeID) {
	if peer == t.self {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := identity.BucketIndex(t.self, peer)
	bucket := t.buckets[idx]
	cache := t.replacements[idx]

	if !bucket.remove(peer) {
		return
	}

	if promoted, ok := cache.popNewest(); ok {
		bucket.appendTail(promoted.ID, promoted.Addr)
	}
}

// FindClosestPeers returns up to k peers closest in XOR distance to key,
// excluding the peer "excluding" (the zero NodeID matches nothing), in
// ascending distance order (ties broken on the raw id). Peers are gathered
// by walking buckets outward from bucket_index(key): the bucket itself,
// then alternating one step farther / one step closer, most-recent-first
// within each bucket; the gathered set is then sorted and cut to k. A key
// equal to self (which has no bucket) starts the walk at the last bucket.
func (t *Table) FindClosestPeers(key identity.NodeID, excluding identity.NodeID, k int) []Peer {
	if k <= 0 {
		k = t.k
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	peers := make([]Peer, 0, k)
	center := identity.BucketIndex(t.self, key)
	if center >= identity.Bits {
		center = identity.Bits - 1
	}

	farther := make([]int, 0, center+1)
	for i := center; i >= 0; i-- {
		farther = append(farther, i)
	}
	closer := make([]int, 0, identity.Bits-center-1)
	for i := center + 1; i < identity.Bits; i++ {
		closer = append(closer, i)
	}

	max := len(farther)
	if len(closer) > max {
		max = len(closer)
	}

	for i := 0; i < max; i++ {
		indices := make([]int, 0, 2)
		if i < len(farther) {
			indices = append(indices, farther[i])
		}
		if i < len(closer) {
			indices = append(indices, closer[i])
		}

		for _, bi := range indices {
			for _, p := range t.buckets[bi].reversed() {
				if p.ID == excluding {
					continue
				}
				peers = append(peers, p)
			}
		}
	}

	SortByDistance(peers, key)
	if len(peers) > k {
		peers = peers[:k]
	}
	return peers
}

// AllPeers returns every live peer currently in the table (across all
// buckets, excluding replacement caches), used by broadcast flooding and
// ping_all_neighbors.
func (t *Table) AllPeers() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Peer
	for _, b := range t.buckets {
		out = append(out, b.reversed()...)
	}
	return out
}

// Size returns the total number of peers held across all live buckets.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, b := range t.buckets {
		n += b.Len()
	}
	return n
}

// BucketSize returns the number of live entries in the bucket peer would
// occupy, and the number of entries in its replacement cache — exposed for
// diagnostics (statusapi) and tests.
func (t *Table) BucketSize(peer identity.NodeID) (bucketLen, replacementLen int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := identity.BucketIndex(t.self, peer)
	return t.buckets[idx].Len(), t.replacements[idx].Len()
}

// SortByDistance orders peers by ascending XOR distance to key, breaking
// ties deterministically on the raw id.
func SortByDistance(peers []Peer, key identity.NodeID) {
	sort.Slice(peers, func(i, j int) bool {
		di := identity.Distance(key, peers[i].ID)
		dj := identity.Distance(key, peers[j].ID)
		if di == dj {
			return peers[i].ID.Less(peers[j].ID)
		}
		return di.Less(dj)
	})
}
