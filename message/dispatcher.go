package message

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/kademlia"
	"github.com/storjnode/overlay/rpc"
	"github.com/storjnode/overlay/wire"
)

// HandlerFunc receives a verified application message. source is the zero
// Peer when delivered via RELAY self-delivery (source unknown, spec.md
// §4.3 step 2).
type HandlerFunc func(source kademlia.Peer, senderID identity.NodeID, payload []byte)

// relayMeta is stashed in a relay Queue Entry's Source field; see Entry's
// doc comment.
type relayMeta struct {
	dest     identity.NodeID
	hopLimit int
}

// Layer is the Message Layer (C4): owns the inbound/relay queues and the
// duplicate-suppression History, implements rpc.MessageHandler to receive
// DIRECT/RELAY datagrams from the RPC core, and runs the background relay
// dispatcher described in spec.md §4.3's "A dispatcher task drains relay
// continuously". Grounded on `protocol.py`'s queue/history management and
// `vendor/.../swarm/pss/pss.go`'s forward/handler-dispatch shape (closest-peer
// fan-out with a stop-once-accepted loop, handler list invoked on arrival).
type Layer struct {
	core  *rpc.Core
	table *kademlia.Table
	local kademlia.Peer

	inbound *Queue
	relay   *Queue
	history *History

	ksize         int
	maxHopLimit   int
	queryTimeout  time.Duration
	sleepInterval time.Duration

	handlersMu sync.Mutex
	handlers   []handlerEntry
	nextHandlerID uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// Options configures queue bounds and relay behavior, mirroring spec.md §6's
// network.* configuration surface.
type Options struct {
	MaxMessages          int
	MaxHopLimit          int
	MessagesHistoryLimit int
	QueryTimeout         time.Duration
	SleepInterval        time.Duration // THREAD_SLEEP between dispatcher passes
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxMessages:          128,
		MaxHopLimit:          10,
		MessagesHistoryLimit: 1024,
		QueryTimeout:         2 * time.Second,
		SleepInterval:        200 * time.Millisecond,
	}
}

// New wires a Layer around an already-constructed rpc.Core and its routing
// table, installing itself as the Core's MessageHandler/Deduplicator.
func New(core *rpc.Core, table *kademlia.Table, ksize int, opts Options) *Layer {
	l := &Layer{
		core:          core,
		table:         table,
		local:         core.Local(),
		inbound:       NewQueue("inbound", opts.MaxMessages),
		relay:         NewQueue("relay", opts.MaxMessages),
		history:       NewHistory(opts.MessagesHistoryLimit),
		ksize:         ksize,
		maxHopLimit:   opts.MaxHopLimit,
		queryTimeout:  opts.QueryTimeout,
		sleepInterval: opts.SleepInterval,
		stop:          make(chan struct{}),
	}
	core.SetDeduplicator(l.history)
	core.SetMessageHandler(l)
	return l
}

// Start launches the background relay dispatcher and inbound delivery
// loops. Call Stop to cancel them.
func (l *Layer) Start() {
	l.wg.Add(2)
	go l.relayDispatchLoop()
	go l.deliverLoop()
}

// Stop cancels the background loops and waits for them to exit.
func (l *Layer) Stop() {
	close(l.stop)
	l.wg.Wait()
}

// handlerEntry pairs a registered callback with an id so it can later be
// removed, matching `add_message_handler`/`remove_message_handler` in
// `monitor.py`'s crawl()/its teardown.
type handlerEntry struct {
	id uint64
	fn HandlerFunc
}

// RegisterHandler appends f to the list of application handlers invoked for
// every verified inbound message, per spec.md §9's "dynamic message handler
// list": a plain slice guarded by a mutex, invoked against a snapshot so a
// handler may itself call RegisterHandler or an unregister func without
// deadlocking.
// The returned func removes f; callers that never need to unregister (most
// long-lived responders) can discard it.
func (l *Layer) RegisterHandler(f HandlerFunc) func() {
	l.handlersMu.Lock()
	l.nextHandlerID++
	id := l.nextHandlerID
	l.handlers = append(l.handlers, handlerEntry{id: id, fn: f})
	l.handlersMu.Unlock()

	return func() { l.removeHandler(id) }
}

func (l *Layer) removeHandler(id uint64) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	for i, h := range l.handlers {
		if h.id == id {
			l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
			return
		}
	}
}

func (l *Layer) handlerSnapshot() []HandlerFunc {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	out := make([]HandlerFunc, len(l.handlers))
	for i, h := range l.handlers {
		out[i] = h.fn
	}
	return out
}

// ---- rpc.MessageHandler ----

// HandleDirect implements rpc.MessageHandler: push onto inbound.
func (l *Layer) HandleDirect(source kademlia.Peer, payload []byte) bool {
	return l.inbound.Push(Entry{Source: source, Payload: payload})
}

// HandleRelayDeliver implements rpc.MessageHandler: push onto inbound with
// an unknown source, per spec.md §4.3 step 2.
func (l *Layer) HandleRelayDeliver(payload []byte) bool {
	return l.inbound.Push(Entry{Source: nil, Payload: payload})
}

// HandleRelayForward implements rpc.MessageHandler: push onto relay for the
// background dispatcher to pick up.
func (l *Layer) HandleRelayForward(destID identity.NodeID, payload []byte, hopLimit int) bool {
	return l.relay.Push(Entry{Source: relayMeta{dest: destID, hopLimit: hopLimit}, Payload: payload})
}

// ---- sending ----

// SendDirect delivers payload straight to a known-reachable peer, per
// spec.md §4.3's "Only usable when the sender already knows a reachable
// (ip,port)". Returns the observed address on acceptance.
func (l *Layer) SendDirect(ctx context.Context, p kademlia.Peer, payload []byte) (kademlia.Peer, bool) {
	return l.core.Direct(ctx, p, payload)
}

// SendRelay is the originator-side send of spec.md §4.3's "Initial send":
// compute the k closest known peers to destID and issue RELAY to each,
// stopping at the first acceptance. A relay to self is a no-op, per spec.
func (l *Layer) SendRelay(ctx context.Context, destID identity.NodeID, payload []byte) bool {
	if destID == l.local.ID {
		return false
	}
	return l.relayToClosest(ctx, destID, l.maxHopLimit, payload)
}

// relayToClosest tries RELAY against the k closest known peers to dest, in
// closeness order, until one accepts.
func (l *Layer) relayToClosest(ctx context.Context, dest identity.NodeID, hopLimit int, payload []byte) bool {
	candidates := l.table.FindNeighbors(dest, l.ksize, &l.local)
	for _, p := range candidates {
		qctx, cancel := context.WithTimeout(ctx, l.queryTimeout)
		_, ok := l.core.Relay(qctx, p, dest, hopLimit, payload)
		cancel()
		if ok {
			return true
		}
	}
	log.Debug("message: failed to place relay, discarding", "dest", dest)
	return false
}

// relayDispatchLoop continuously drains the relay queue, matching spec.md
// §4.3's "A dispatcher task drains relay continuously".
func (l *Layer) relayDispatchLoop() {
	defer l.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-l.stop:
			return
		default:
		}
		entry, ok := l.relay.Pop()
		if !ok {
			time.Sleep(l.sleepInterval)
			continue
		}
		meta, ok := entry.Source.(relayMeta)
		if !ok {
			continue
		}
		l.relayToClosest(ctx, meta.dest, meta.hopLimit, entry.Payload)
	}
}

// deliverLoop continuously drains inbound, verifies each entry's envelope
// and dispatches it to every registered handler.
func (l *Layer) deliverLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			return
		default:
		}
		entry, ok := l.inbound.Pop()
		if !ok {
			time.Sleep(l.sleepInterval)
			continue
		}
		l.deliver(entry)
	}
}

func (l *Layer) deliver(entry Entry) {
	var env wire.Envelope
	if err := wire.Unmarshal(entry.Payload, &env); err != nil {
		log.Debug("message: dropping undecodable inbound payload", "err", err)
		return
	}
	if !env.Verify() {
		log.Debug("message: dropping inbound payload with invalid signature")
		return
	}
	source, _ := entry.Source.(kademlia.Peer)
	for _, h := range l.handlerSnapshot() {
		h(source, env.SenderID, env.Payload)
	}
}
