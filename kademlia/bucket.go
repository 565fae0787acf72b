package kademlia

import (
	"github.com/storjnode/overlay/identity"
)

// Peer is a triple (node_id, ip, udp_port), per spec.md §3.
type Peer struct {
	ID   identity.NodeID
	IP   string
	Port int
}

// HomeCollocated reports whether two peers share the same IP, regardless
// of port, per spec.md's "home-collocated" definition.
func (p Peer) HomeCollocated(other Peer) bool {
	return p.IP == other.IP
}

// bucket is a bounded, ordered list of at most k peers, least-recently-seen
// first, matching spec.md §3's RoutingTable invariant.
type bucket struct {
	k     int
	peers []Peer // index 0 = least recently seen, last = most recently seen
}

func newBucket(k int) *bucket {
	return &bucket{k: k}
}

func (b *bucket) len() int {
	return len(b.peers)
}

func (b *bucket) full() bool {
	return len(b.peers) >= b.k
}

// indexOf returns the slice position of id, or -1.
func (b *bucket) indexOf(id identity.NodeID) int {
	for i, p := range b.peers {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// touch moves an existing peer to the most-recently-seen end.
func (b *bucket) touch(id identity.NodeID) bool {
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	p := b.peers[i]
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
	b.peers = append(b.peers, p)
	return true
}

// appendNew appends a brand new peer as most-recently-seen. Caller must
// have already checked the bucket is not full.
func (b *bucket) appendNew(p Peer) {
	b.peers = append(b.peers, p)
}

// leastRecentlySeen returns the bucket's LRS entry (index 0), the eviction
// candidate when the bucket is full.
func (b *bucket) leastRecentlySeen() (Peer, bool) {
	if len(b.peers) == 0 {
		return Peer{}, false
	}
	return b.peers[0], true
}

// dropLRS removes the LRS entry (used once it fails a liveness ping).
func (b *bucket) dropLRS() {
	if len(b.peers) == 0 {
		return
	}
	b.peers = b.peers[1:]
}

// remove deletes id from the bucket if present.
func (b *bucket) remove(id identity.NodeID) bool {
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.peers = append(b.peers[:i], b.peers[i+1:]...)
	return true
}

// snapshot returns a shallow copy of the bucket's peers.
func (b *bucket) snapshot() []Peer {
	out := make([]Peer, len(b.peers))
	copy(out, b.peers)
	return out
}
