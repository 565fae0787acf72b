// Package monitor implements the scheduled crawl driver (C7): it repeats
// crawl.Crawler sweeps on an interval, serializes each result to a JSON
// shard, and publishes the shard id under a predictable DHT key, grounded
// on `original_source/storjnode/network/monitor.py`'s Monitor class.
package monitor

import (
	"context"
	"fmt"
	"sort"

	"github.com/storjnode/overlay/identity"
)

// Getter resolves a DHT key, matching rpc.Core.Get's signature so it can be
// passed directly as a method value.
type Getter func(ctx context.Context, key identity.NodeID) ([]byte, bool)

// predictableKeyName renders the DHT slot name for a node's num'th dataset,
// matching `predictable_key`.
func predictableKeyName(address string, num int) string {
	return fmt.Sprintf("monitor_dataset_%s_%d", address, num)
}

// predictableKeyID hashes the slot name into a DHT key, since the overlay's
// store is keyed by NodeID rather than by arbitrary string.
func predictableKeyID(address string, num int) identity.NodeID {
	id, _ := identity.NodeIDFromBytes(identity.Hash160([]byte(predictableKeyName(address, num))))
	return id
}

// FindNextFreeDatasetNum probes exponentially increasing dataset slots
// until an empty one is found, then binary searches the occupied/free
// boundary, matching `find_next_free_dataset_num`'s exponential-probe plus
// `bisect.bisect_left` strategy exactly.
func FindNextFreeDatasetNum(ctx context.Context, get Getter, address string) int {
	occupied := func(n int) bool {
		_, ok := get(ctx, predictableKeyID(address, n))
		return ok
	}

	upperBound, exponent := 0, 0
	for occupied(upperBound) {
		upperBound = 1 << uint(exponent)
		exponent++
	}

	return sort.Search(upperBound+1, func(i int) bool {
		return !occupied(i)
	})
}
