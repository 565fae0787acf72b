// Package message implements the Message Layer (C4): bounded queues, relay
// dispatch and duplicate suppression, plus the application-level info/peers
// schemas (C5) described in spec.md §§4.3-4.4.
package message

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// Entry is one item sitting in a queue: either a fully addressed inbound
// delivery or a payload still awaiting relay toward its destination.
type Entry struct {
	Source  interface{} // kademlia.Peer for DIRECT/known-source deliveries, nil when unknown (relay self-delivery), relayMeta (destination and hop limit) on the relay queue
	Payload []byte
}

// Queue is a bounded, non-blocking FIFO matching spec.md §3's MessageQueue:
// overflow drops the newest item and logs a warning rather than blocking
// the RPC reactor, mirroring `protocol.py`'s `Queue(maxsize=...)` +
// `queue_relay_message`/`queue_received_message` (`Full` -> warn -> false).
type Queue struct {
	mu    sync.Mutex
	items []Entry
	max   int
	name  string
}

// NewQueue creates a queue bounded at max entries. name is used only for
// log messages (e.g. "inbound", "relay").
func NewQueue(name string, max int) *Queue {
	return &Queue{max: max, name: name}
}

// Push appends an entry. Returns false (and logs) if the queue is full.
func (q *Queue) Push(e Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		log.Warn("message: queue full, dropping message", "queue", q.name)
		return false
	}
	q.items = append(q.items, e)
	return true
}

// Pop removes and returns the oldest entry, if any.
func (q *Queue) Pop() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Entry{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every queued entry, oldest first, matching
// `storjnode.util.empty_queue` used by `Protocol.get_messages`.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
