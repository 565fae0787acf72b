// Package kademlia implements the 160-bit k-bucket routing table and the
// home-address-aware neighbor selection described in spec.md §4.1.
package kademlia

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/storjnode/overlay/identity"
)

// DefaultK is the default bucket width (Kademlia's "k"), per spec.md §6.
const DefaultK = 20

// PingFunc probes a peer's liveness; it is supplied by the RPC layer (C3)
// so the routing table itself stays transport-agnostic.
type PingFunc func(Peer) bool

// Table is the 160 k-bucket routing table for one local node.
type Table struct {
	mu      sync.RWMutex
	local   identity.NodeID
	localIP string
	k       int
	buckets [numBuckets]*bucket
	ping    PingFunc
}

// New creates a routing table for the given local node id. k is the bucket
// width; DefaultK is used if k <= 0.
func New(local identity.NodeID, localIP string, k int) *Table {
	if k <= 0 {
		k = DefaultK
	}
	t := &Table{local: local, localIP: localIP, k: k}
	for i := range t.buckets {
		t.buckets[i] = newBucket(k)
	}
	return t
}

// SetPingFunc installs the liveness-check callback used when a full
// bucket's least-recently-seen entry must be challenged before eviction.
func (t *Table) SetPingFunc(f PingFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ping = f
}

// LocalID returns the table's own node id.
func (t *Table) LocalID() identity.NodeID {
	return t.local
}

// Insert records a sighting of peer p, applying spec.md §3's insertion
// policy: append if the bucket has room; otherwise ping the
// least-recently-seen entry and drop it on failure, else discard p.
// Returns true if p ends up a live entry in the table.
func (t *Table) Insert(p Peer) bool {
	if p.ID == t.local {
		return false
	}
	idx := bucketIndex(t.local, p.ID)
	if idx < 0 {
		return false
	}

	t.mu.Lock()
	b := t.buckets[idx]
	if b.touch(p.ID) {
		t.mu.Unlock()
		return true
	}
	if !b.full() {
		b.appendNew(p)
		t.mu.Unlock()
		return true
	}
	lrs, ok := b.leastRecentlySeen()
	ping := t.ping
	t.mu.Unlock()

	if !ok {
		return false
	}
	// Ping outside the lock: the RPC round-trip must never block routing
	// table access from other goroutines.
	alive := ping != nil && ping(lrs)

	t.mu.Lock()
	defer t.mu.Unlock()
	if alive {
		log.Trace("routing table: bucket full, LRS alive, discarding newcomer",
			"bucket", idx, "lrs", lrs.ID, "newcomer", p.ID)
		return false
	}
	b.dropLRS()
	if !b.full() {
		b.appendNew(p)
	}
	log.Trace("routing table: evicted unresponsive LRS", "bucket", idx, "evicted", lrs.ID, "admitted", p.ID)
	return true
}

// Remove deletes id from the table, if present.
func (t *Table) Remove(id identity.NodeID) {
	idx := bucketIndex(t.local, id)
	if idx < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[idx].remove(id)
}

// Lookup returns the stored Peer for id, if known locally.
func (t *Table) Lookup(id identity.NodeID) (Peer, bool) {
	idx := bucketIndex(t.local, id)
	if idx < 0 {
		return Peer{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := t.buckets[idx].indexOf(id)
	if i < 0 {
		return Peer{}, false
	}
	return t.buckets[idx].peers[i], true
}

// AllPeers returns a snapshot of every peer known across all buckets.
func (t *Table) AllPeers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Peer
	for _, b := range t.buckets {
		out = append(out, b.snapshot()...)
	}
	return out
}

// Size returns the number of peers known across all buckets.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, b := range t.buckets {
		n += b.len()
	}
	return n
}

// FindNeighbors enumerates known peers in XOR-closest-first order to
// target and returns up to k of them, skipping any peer that is
// home-collocated with exclude (when exclude is non-nil). This is the
// neighbor-selection deviation from canonical Kademlia described in
// spec.md §4.1. Ties resolve in enumeration order (stable sort).
func (t *Table) FindNeighbors(target identity.NodeID, k int, exclude *Peer) []Peer {
	all := t.AllPeers()

	type scored struct {
		peer Peer
		dist Distance
	}
	scoredPeers := make([]scored, 0, len(all))
	for _, p := range all {
		if exclude != nil && p.HomeCollocated(*exclude) {
			continue
		}
		scoredPeers = append(scoredPeers, scored{peer: p, dist: XOR(p.ID, target)})
	}
	sort.SliceStable(scoredPeers, func(i, j int) bool {
		return scoredPeers[i].dist.Less(scoredPeers[j].dist)
	})
	if k > len(scoredPeers) {
		k = len(scoredPeers)
	}
	out := make([]Peer, k)
	for i := 0; i < k; i++ {
		out[i] = scoredPeers[i].peer
	}
	return out
}
