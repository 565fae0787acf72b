package rpc

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/kademlia"
)

// scored pairs a peer with its XOR distance to a lookup target, for sorting.
type scored struct {
	peer kademlia.Peer
	dist kademlia.Distance
}

func sortByDistance(peers []kademlia.Peer, target identity.NodeID) []scored {
	out := make([]scored, len(peers))
	for i, p := range peers {
		out[i] = scored{peer: p, dist: kademlia.XOR(p.ID, target)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].dist.Less(out[j].dist) })
	return out
}

// Lookup performs the α-parallel, k-wide iterative node lookup of spec.md
// §4.2: query α unvisited candidates among the k closest known per round
// and fold their results into the shortlist. After a round that yields
// nothing closer than the current best, the next round widens to every
// unvisited peer among the k closest. The walk stops once all k closest
// known peers have been queried. Bounded by ctx (callers should derive it
// from Options.WalkTimeout).
func (c *Core) Lookup(ctx context.Context, target identity.NodeID) []kademlia.Peer {
	visited := make(map[identity.NodeID]bool)
	shortlist := sortByDistance(c.table.FindNeighbors(target, c.opts.KSize, nil), target)
	width := c.opts.Alpha

	for {
		if len(shortlist) == 0 {
			break
		}
		best := shortlist[0].dist

		closest := shortlist
		if len(closest) > c.opts.KSize {
			closest = closest[:c.opts.KSize]
		}
		batch := make([]kademlia.Peer, 0, width)
		for _, s := range closest {
			if visited[s.peer.ID] {
				continue
			}
			batch = append(batch, s.peer)
			if len(batch) == width {
				break
			}
		}
		if len(batch) == 0 {
			break // every one of the k closest known peers already queried
		}

		results := c.queryRound(ctx, batch, target, visited)
		if ctx.Err() != nil {
			break
		}

		merged := mergeShortlist(shortlist, results)
		shortlist = sortByDistance(peersOf(merged), target)
		width = c.opts.Alpha
		if len(shortlist) > 0 && !shortlist[0].dist.Less(best) {
			// No closer candidate surfaced this round: widen to k.
			width = c.opts.KSize
		}
	}

	if len(shortlist) > c.opts.KSize {
		shortlist = shortlist[:c.opts.KSize]
	}
	return peersOf(shortlist)
}

// queryRound issues FIND_NODE to each candidate concurrently, bounded by
// Options.QueryTimeout per RPC, and returns every newly discovered peer.
func (c *Core) queryRound(ctx context.Context, candidates []kademlia.Peer, target identity.NodeID, visited map[identity.NodeID]bool) []kademlia.Peer {
	var mu sync.Mutex
	var wg sync.WaitGroup
	var discovered []kademlia.Peer

	for _, cand := range candidates {
		mu.Lock()
		visited[cand.ID] = true
		mu.Unlock()

		wg.Add(1)
		go func(p kademlia.Peer) {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
			defer cancel()
			peers, ok := c.FindNode(qctx, p, target)
			if !ok {
				log.Trace("rpc: lookup candidate unreachable", "peer", p.ID, "target", target)
				return
			}
			mu.Lock()
			discovered = append(discovered, peers...)
			mu.Unlock()
		}(cand)
	}
	wg.Wait()
	return discovered
}

func peersOf(s []scored) []kademlia.Peer {
	out := make([]kademlia.Peer, len(s))
	for i, e := range s {
		out[i] = e.peer
	}
	return out
}

func mergeShortlist(existing []scored, fresh []kademlia.Peer) []scored {
	seen := make(map[identity.NodeID]bool, len(existing))
	out := make([]kademlia.Peer, 0, len(existing)+len(fresh))
	for _, s := range existing {
		seen[s.peer.ID] = true
		out = append(out, s.peer)
	}
	for _, p := range fresh {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	scoredOut := make([]scored, len(out))
	for i, p := range out {
		scoredOut[i] = scored{peer: p}
	}
	return scoredOut
}

// Get implements the DHT read path: check the local store, otherwise walk
// the k closest known peers to key issuing FIND_VALUE until one answers
// with a value.
func (c *Core) Get(ctx context.Context, key identity.NodeID) ([]byte, bool) {
	c.storeMu.RLock()
	if v, ok := c.store[key]; ok {
		c.storeMu.RUnlock()
		return v, true
	}
	c.storeMu.RUnlock()

	for _, p := range c.Lookup(ctx, key) {
		qctx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
		value, _, ok := c.FindValue(qctx, p, key)
		cancel()
		if ok && value != nil {
			return value, true
		}
	}
	return nil, false
}

// Put implements the DHT write path: store locally, then replicate to the k
// closest known peers to key. Returns the number of peers that
// acknowledged the STORE (the origin's own copy is not counted).
func (c *Core) Put(ctx context.Context, key identity.NodeID, value []byte) int {
	c.storeMu.Lock()
	c.store[key] = value
	c.storeMu.Unlock()

	acked := 0
	for _, p := range c.Lookup(ctx, key) {
		qctx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout)
		ok := c.Store(qctx, p, key, value)
		cancel()
		if ok {
			acked++
		}
	}
	return acked
}
