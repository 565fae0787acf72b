package message

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/kademlia"
	"github.com/storjnode/overlay/rpc"
	"github.com/storjnode/overlay/wire"
)

type layerNode struct {
	key   *identity.Key
	table *kademlia.Table
	tr    *rpc.Transport
	core  *rpc.Core
	layer *Layer

	mu       sync.Mutex
	received []struct {
		senderID identity.NodeID
		payload  []byte
	}
}

func newLayerNode(t *testing.T) *layerNode {
	t.Helper()
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return newLayerNodeWithKey(t, key)
}

func newLayerNodeWithKey(t *testing.T, key *identity.Key) *layerNode {
	t.Helper()
	table := kademlia.New(key.NodeID(), "127.0.0.1", kademlia.DefaultK)
	tr, err := rpc.NewTransport("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })

	rpcOpts := rpc.DefaultOptions()
	rpcOpts.QueryTimeout = 500 * time.Millisecond
	core := rpc.NewCore(key, table, tr, "127.0.0.1", tr.LocalAddr().Port, rpcOpts)

	opts := DefaultOptions()
	opts.QueryTimeout = 500 * time.Millisecond
	opts.SleepInterval = 20 * time.Millisecond
	layer := New(core, table, kademlia.DefaultK, opts)

	n := &layerNode{key: key, table: table, tr: tr, core: core, layer: layer}
	layer.RegisterHandler(func(source kademlia.Peer, senderID identity.NodeID, payload []byte) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.received = append(n.received, struct {
			senderID identity.NodeID
			payload  []byte
		}{senderID, payload})
	})
	layer.Start()
	t.Cleanup(layer.Stop)
	return n
}

func (n *layerNode) seal(t *testing.T, payload string) []byte {
	t.Helper()
	env, err := wire.Seal(n.key, struct {
		Type string `msgpack:"type"`
		Body string `msgpack:"body"`
	}{Type: "test", Body: payload})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw, err := wire.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func waitForCondition(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestDirectDeliveryInvokesHandler(t *testing.T) {
	a := newLayerNode(t)
	b := newLayerNode(t)

	payload := a.seal(t, "hello")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := a.layer.SendDirect(ctx, b.core.Local(), payload); !ok {
		t.Fatalf("expected direct send to be accepted")
	}

	ok := waitForCondition(t, time.Second, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.received) == 1
	})
	if !ok {
		t.Fatalf("expected b's handler to observe exactly one message")
	}
}

func TestRelayToSelfIsNoOp(t *testing.T) {
	a := newLayerNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if a.layer.SendRelay(ctx, a.key.NodeID(), a.seal(t, "x")) {
		t.Fatalf("expected relay to self to be refused as a no-op")
	}
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

func TestRelayThroughIntermediatePeer(t *testing.T) {
	aKey, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cKey, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	bKey := genKeyCloserTo(t, aKey, cKey)

	a := newLayerNodeWithKey(t, aKey)
	b := newLayerNodeWithKey(t, bKey)
	c := newLayerNodeWithKey(t, cKey)

	// a only knows b; b knows c.
	a.table.Insert(b.core.Local())
	b.table.Insert(c.core.Local())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload := a.seal(t, "relayed")
	if !a.layer.SendRelay(ctx, c.key.NodeID(), payload) {
		t.Fatalf("expected relay to be accepted by b")
	}

	ok := waitForCondition(t, 2*time.Second, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.received) == 1
	})
	if !ok {
		t.Fatalf("expected c to eventually receive the relayed message")
	}
}
