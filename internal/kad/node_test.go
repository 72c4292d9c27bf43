package kad

import (
	"context"
	"testing"
	"time"

	"github.com/dufferzafar/distributed-ledger/internal/identity"
	"github.com/dufferzafar/distributed-ledger/internal/routing"
	"github.com/dufferzafar/distributed-ledger/internal/transport"
)

func newTestNode(t *testing.T) (*Node, *transport.Transport) {
	t.Helper()
	tr, err := transport.New(transport.Config{ListenAddr: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	tr.Start()
	t.Cleanup(func() { tr.Stop() })

	self, err := identity.Random()
	if err != nil {
		t.Fatalf("identity.Random: %v", err)
	}

	n := New(self, routing.DefaultK, DefaultAlpha, tr, nil)
	return n, tr
}

func TestPingUpdatesBothRoutingTables(t *testing.T) {
	a, _ := newTestNode(t)
	b, trB := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	peerB := routing.Peer{ID: b.Self(), Addr: string(trB.LocalAddr())}
	if err := a.ping(ctx, peerB); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if a.table.Size() != 1 {
		t.Fatalf("expected a's table to learn about b, size=%d", a.table.Size())
	}
	if b.table.Size() != 1 {
		t.Fatalf("expected b's table to learn about a from the request, size=%d", b.table.Size())
	}
}

func TestStoreAndFindValue(t *testing.T) {
	a, _ := newTestNode(t)
	b, trB := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	peerB := routing.Peer{ID: b.Self(), Addr: string(trB.LocalAddr())}
	key := identity.HashString("hello")

	ok, err := a.store(ctx, peerB, key, "world")
	if err != nil || !ok {
		t.Fatalf("store: ok=%v err=%v", ok, err)
	}

	found, value, _, err := a.findValue(ctx, peerB, key)
	if err != nil {
		t.Fatalf("findValue: %v", err)
	}
	if !found || value != "world" {
		t.Fatalf("expected found=true value=world, got found=%v value=%q", found, value)
	}
}

// TestGetOnIsolatedNodeFails exercises scenario S1: a node with an empty
// routing table has no peers to query, so Get must fail rather than hang.
func TestGetOnIsolatedNodeFails(t *testing.T) {
	a, _ := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := a.Get(ctx, identity.HashString("x")); err != ErrNoPeersAvailable {
		t.Fatalf("expected ErrNoPeersAvailable on an isolated node, got %v", err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	a, trA := newTestNode(t)
	b, trB := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	peerB := routing.Peer{ID: b.Self(), Addr: string(trB.LocalAddr())}
	peerA := routing.Peer{ID: a.Self(), Addr: string(trA.LocalAddr())}
	a.table.UpdatePeer(peerB.ID, peerB.Addr)
	b.table.UpdatePeer(peerA.ID, peerA.Addr)

	key := identity.HashString("ledger-key")
	n, err := a.Put(ctx, key, "payload")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n == 0 {
		t.Fatal("expected at least one successful store")
	}

	got, err := a.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "payload" {
		t.Fatalf("expected payload, got %q", got)
	}
}
