package rpc

import (
	"context"
	"testing"
	"time"
)

// TestLookupWalksChain builds a chain of nodes where node i's routing table
// only knows node i+1, seeds node 0 with node 1, and checks that an
// iterative lookup for the chain's tail converges to it although only the
// second-to-last node knows the target directly.
func TestLookupWalksChain(t *testing.T) {
	const chainLen = 5
	nodes := make([]*testNode, chainLen)
	for i := range nodes {
		nodes[i] = newTestNode(t)
	}
	for i := 0; i < chainLen-1; i++ {
		nodes[i].table.Insert(nodes[i+1].core.Local())
	}
	// Seed node 0's shortlist with its one known neighbor.
	nodes[0].table.Insert(nodes[1].core.Local())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target := nodes[chainLen-1].key.NodeID()
	result := nodes[0].core.Lookup(ctx, target)

	found := false
	for _, p := range result {
		if p.ID == target {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected lookup to converge on chain tail %x, got %v", target, result)
	}
}

func TestLookupReturnsEmptyWithNoKnownPeers(t *testing.T) {
	a := newTestNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	target := a.key.NodeID()
	target[0] ^= 0xFF
	if result := a.core.Lookup(ctx, target); len(result) != 0 {
		t.Fatalf("expected empty result with no seeded peers, got %v", result)
	}
}
