package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/kademlia"
)

// fakeSink is a minimal MessageHandler + Deduplicator test double that
// records every delivery/forward it's asked to perform.
type fakeSink struct {
	mu       sync.Mutex
	seen     map[string]bool
	direct   [][]byte
	delivered [][]byte
	forwarded []struct {
		dest     identity.NodeID
		payload  []byte
		hopLimit int
	}
	refuse bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{seen: make(map[string]bool)}
}

func (f *fakeSink) CheckAndAdd(destID identity.NodeID, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(destID[:]) + string(payload)
	if f.seen[key] {
		return true
	}
	f.seen[key] = true
	return false
}

func (f *fakeSink) HandleDirect(source kademlia.Peer, payload []byte) bool {
	if f.refuse {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct = append(f.direct, payload)
	return true
}

func (f *fakeSink) HandleRelayDeliver(payload []byte) bool {
	if f.refuse {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, payload)
	return true
}

func (f *fakeSink) HandleRelayForward(destID identity.NodeID, payload []byte, hopLimit int) bool {
	if f.refuse {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwarded = append(f.forwarded, struct {
		dest     identity.NodeID
		payload  []byte
		hopLimit int
	}{destID, payload, hopLimit})
	return true
}

// testNode bundles everything needed to stand up one Core on 127.0.0.1.
type testNode struct {
	key   *identity.Key
	table *kademlia.Table
	tr    *Transport
	core  *Core
	sink  *fakeSink
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return newTestNodeWithKey(t, key)
}

// genKeyCloserTo generates keys until b's distance to target is strictly
// less than a's, the hop-monotonicity precondition spec.md §4.3 step 4
// requires of any relay hop (XOR ids are effectively random per key, so a
// handful of regenerations suffice).
func genKeyCloserTo(t *testing.T, a, target *identity.Key) *identity.Key {
	t.Helper()
	for i := 0; i < 100; i++ {
		b, err := identity.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		db := kademlia.XOR(b.NodeID(), target.NodeID())
		da := kademlia.XOR(a.NodeID(), target.NodeID())
		if db.Less(da) {
			return b
		}
	}
	t.Fatalf("failed to find a key closer to target after 100 attempts")
	return nil
}

func newTestNodeWithKey(t *testing.T, key *identity.Key) *testNode {
	t.Helper()
	table := kademlia.New(key.NodeID(), "127.0.0.1", kademlia.DefaultK)
	tr, err := NewTransport("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	opts := DefaultOptions()
	opts.QueryTimeout = 500 * time.Millisecond
	opts.WalkTimeout = 2 * time.Second
	core := NewCore(key, table, tr, "127.0.0.1", tr.LocalAddr().Port, opts)
	sink := newFakeSink()
	core.SetDeduplicator(sink)
	core.SetMessageHandler(sink)
	return &testNode{key: key, table: table, tr: tr, core: core, sink: sink}
}

func TestPingLearnsPeer(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	addr, ok := a.core.Ping(ctx, b.core.Local())
	if !ok {
		t.Fatalf("expected ping to succeed")
	}
	if addr.ID != b.core.Local().ID {
		t.Fatalf("expected observed address to report b's id")
	}
	if b.table.Size() != 1 {
		t.Fatalf("expected b to learn a from the ping, got table size %d", b.table.Size())
	}
}

func TestStoreAndFindValue(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := a.key.NodeID()
	if !a.core.Store(ctx, b.core.Local(), key, []byte("hello")) {
		t.Fatalf("expected store to succeed")
	}
	value, peers, ok := a.core.FindValue(ctx, b.core.Local(), key)
	if !ok {
		t.Fatalf("expected find_value to succeed")
	}
	if string(value) != "hello" {
		t.Fatalf("expected stored value back, got %q (peers=%v)", value, peers)
	}
}

func TestDirectDelivery(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	addr, ok := a.core.Direct(ctx, b.core.Local(), []byte("hi"))
	if !ok {
		t.Fatalf("expected direct delivery to be accepted")
	}
	if addr.ID != b.core.Local().ID {
		t.Fatalf("expected observed address to report b's id")
	}
	if len(b.sink.direct) != 1 || string(b.sink.direct[0]) != "hi" {
		t.Fatalf("expected b's handler to observe the payload exactly once, got %v", b.sink.direct)
	}
}

func TestDirectRefusedWhenQueueFull(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	b.sink.refuse = true

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, ok := a.core.Direct(ctx, b.core.Local(), []byte("hi")); ok {
		t.Fatalf("expected refused direct to report a null reply")
	}
}

func TestRelayDeliversWhenDestIsSelf(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	addr, ok := a.core.Relay(ctx, b.core.Local(), b.key.NodeID(), 5, []byte("payload"))
	if !ok {
		t.Fatalf("expected relay addressed to b to be accepted")
	}
	if addr.ID != b.core.Local().ID {
		t.Fatalf("unexpected ack address")
	}
	if len(b.sink.delivered) != 1 {
		t.Fatalf("expected exactly one relay delivery, got %d", len(b.sink.delivered))
	}
}

func TestRelayForwardsWhenDestIsNotSelf(t *testing.T) {
	aKey, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cKey, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	bKey := genKeyCloserTo(t, aKey, cKey)

	a := newTestNodeWithKey(t, aKey)
	b := newTestNodeWithKey(t, bKey)
	c := newTestNodeWithKey(t, cKey)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, ok := a.core.Relay(ctx, b.core.Local(), c.key.NodeID(), 5, []byte("payload"))
	if !ok {
		t.Fatalf("expected b to accept a relay addressed to a third party")
	}
	if len(b.sink.forwarded) != 1 {
		t.Fatalf("expected b to enqueue exactly one forward, got %d", len(b.sink.forwarded))
	}
	if b.sink.forwarded[0].hopLimit != 4 {
		t.Fatalf("expected hop_limit to decrement by one, got %d", b.sink.forwarded[0].hopLimit)
	}
}

func TestRelayDropsDuplicate(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, ok := a.core.Relay(ctx, b.core.Local(), b.key.NodeID(), 5, []byte("payload")); !ok {
		t.Fatalf("expected first relay to be accepted")
	}
	if _, ok := a.core.Relay(ctx, b.core.Local(), b.key.NodeID(), 5, []byte("payload")); ok {
		t.Fatalf("expected duplicate relay to be dropped")
	}
	if len(b.sink.delivered) != 1 {
		t.Fatalf("expected exactly one delivery across both attempts, got %d", len(b.sink.delivered))
	}
}

func TestRelayDropsInvalidHopLimit(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	c := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, ok := a.core.Relay(ctx, b.core.Local(), c.key.NodeID(), 0, []byte("payload")); ok {
		t.Fatalf("expected zero hop_limit to be dropped")
	}
}
