package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/storjnode/overlay/crawl"
	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/kademlia"
	"github.com/storjnode/overlay/message"
	"github.com/storjnode/overlay/rpc"
)

func TestFindNextFreeDatasetNumEmptyDHT(t *testing.T) {
	get := func(ctx context.Context, key identity.NodeID) ([]byte, bool) { return nil, false }
	if n := FindNextFreeDatasetNum(context.Background(), get, "addr"); n != 0 {
		t.Fatalf("expected slot 0 on an empty dht, got %d", n)
	}
}

func TestFindNextFreeDatasetNumSkipsOccupiedSlots(t *testing.T) {
	occupied := map[identity.NodeID]bool{}
	for n := 0; n < 5; n++ {
		occupied[predictableKeyID("addr", n)] = true
	}
	get := func(ctx context.Context, key identity.NodeID) ([]byte, bool) {
		return nil, occupied[key]
	}
	if n := FindNextFreeDatasetNum(context.Background(), get, "addr"); n != 5 {
		t.Fatalf("expected first free slot 5, got %d", n)
	}
}

func TestCreateShardRendersProcessedPeers(t *testing.T) {
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	peerKey, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	rec := &crawl.Record{
		Peers:      []identity.NodeID{peerKey.NodeID()},
		Network:    &message.NetworkInfo{TransportIP: "127.0.0.1", TransportPort: 9999},
		BTCAddress: peerKey.Address(),
	}
	processed := map[identity.NodeID]*crawl.Record{peerKey.NodeID(): rec}

	begin := time.Unix(1000, 0)
	end := time.Unix(1010, 0)
	raw, err := CreateShard(key.Address(), 3, begin, end, processed)
	if err != nil {
		t.Fatalf("create shard: %v", err)
	}

	var decoded shard
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode shard: %v", err)
	}
	if decoded.Num != 3 || decoded.Node != key.Address() {
		t.Fatalf("unexpected shard header: %+v", decoded)
	}
	entry, ok := decoded.Processed[peerKey.Address()]
	if !ok {
		t.Fatalf("expected an entry for %s, got %v", peerKey.Address(), decoded.Processed)
	}
	if entry.Network == nil || entry.Network.TransportPort != 9999 {
		t.Fatalf("expected network info to round-trip, got %+v", entry.Network)
	}
}

type memStorage struct {
	added [][]byte
}

func (s *memStorage) Add(shard []byte) (string, error) {
	s.added = append(s.added, shard)
	return "shard-id", nil
}

func newMonitorNode(t *testing.T) (*rpc.Core, *message.Layer, *kademlia.Table, *identity.Key) {
	t.Helper()
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	table := kademlia.New(key.NodeID(), "127.0.0.1", kademlia.DefaultK)
	tr, err := rpc.NewTransport("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })

	rpcOpts := rpc.DefaultOptions()
	rpcOpts.QueryTimeout = 500 * time.Millisecond
	core := rpc.NewCore(key, table, tr, "127.0.0.1", tr.LocalAddr().Port, rpcOpts)

	msgOpts := message.DefaultOptions()
	msgOpts.QueryTimeout = 500 * time.Millisecond
	msgOpts.SleepInterval = 20 * time.Millisecond
	layer := message.New(core, table, kademlia.DefaultK, msgOpts)
	layer.Start()
	t.Cleanup(layer.Stop)

	return core, layer, table, key
}

func TestMonitorRunOncePublishesDatasetAndAdvances(t *testing.T) {
	core, layer, table, key := newMonitorNode(t)
	storage := &memStorage{}

	opts := DefaultOptions()
	opts.Limit = 1
	opts.WalkTimeoutBase = 50 * time.Millisecond
	opts.Interval = 2 * time.Second

	m := New(context.Background(), core, layer, table, key, storage, opts)
	if m.DatasetNum() != 0 {
		t.Fatalf("expected a fresh node's first dataset slot to be 0, got %d", m.DatasetNum())
	}

	m.runOnce(context.Background())

	if len(storage.added) != 1 {
		t.Fatalf("expected exactly one shard saved, got %d", len(storage.added))
	}
	if m.DatasetNum() != 1 {
		t.Fatalf("expected dataset num to advance to 1, got %d", m.DatasetNum())
	}

	value, ok := core.Get(context.Background(), predictableKeyID(key.Address(), 0))
	if !ok || string(value) != "shard-id" {
		t.Fatalf("expected the dataset-0 dht slot to hold the published shard id, got %q ok=%v", value, ok)
	}
}
