package message

import (
	"crypto/sha256"
	"sync"

	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/wire"
)

// History is the bounded, strictly-FIFO-evicted set of content hashes
// spec.md §3 calls MessageHistory, used to detect relay loops/duplicates.
// Grounded on `protocol.py`'s `messages_history`/`already_received`/
// `add_to_history`/`cull_history` (a plain list used as an append+pop(0)
// FIFO); the "with-history" open-question variant is the one implemented
// here (SPEC_FULL.md §4.1).
type History struct {
	mu    sync.Mutex
	seen  map[[32]byte]bool
	order [][32]byte
	limit int
}

// NewHistory creates a history retaining at most limit hashes.
func NewHistory(limit int) *History {
	return &History{seen: make(map[[32]byte]bool), limit: limit}
}

// messageHash computes SHA256(msgpack([dest_id, payload])), matching
// `protocol.py`'s `message_hash`.
func messageHash(destID identity.NodeID, payload []byte) [32]byte {
	encoded, err := wire.Marshal([]interface{}{destID, payload})
	if err != nil {
		// Marshal of a concrete, already-validated pair cannot fail in
		// practice; fall back to hashing the raw fields so a duplicate is
		// still detected rather than silently bypassing suppression.
		h := sha256.New()
		h.Write(destID[:])
		h.Write(payload)
		var sum [32]byte
		copy(sum[:], h.Sum(nil))
		return sum
	}
	return sha256.Sum256(encoded)
}

// CheckAndAdd reports whether (destID, payload) was already seen within the
// retention window. If not, it is recorded before returning, implementing
// the rpc.Deduplicator interface.
func (h *History) CheckAndAdd(destID identity.NodeID, payload []byte) bool {
	sum := messageHash(destID, payload)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen[sum] {
		return true
	}
	h.seen[sum] = true
	h.order = append(h.order, sum)
	h.cull()
	return false
}

// cull evicts the oldest entries until the retention limit is respected.
func (h *History) cull() {
	for len(h.order) > h.limit {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.seen, oldest)
	}
}

// Len reports how many hashes are currently retained.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}
