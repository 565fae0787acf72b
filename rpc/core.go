package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/kademlia"
	"github.com/storjnode/overlay/wire"
)

// Deduplicator checks and records a relay message's content hash against the
// bounded history spec.md §3 calls MessageHistory. Implemented by package
// message; kept as an interface here so rpc stays ignorant of queue/history
// storage details.
type Deduplicator interface {
	// CheckAndAdd reports whether (destID, payload) was already seen. If
	// not, it is recorded before returning.
	CheckAndAdd(destID identity.NodeID, payload []byte) (duplicate bool)
}

// MessageHandler is the Message Layer's (C4) side of DIRECT/RELAY receipt,
// per spec.md §4.3. Implemented by package message.
type MessageHandler interface {
	// HandleDirect is called when a DIRECT addressed to us arrives.
	// Returns true if the payload was queued on inbound.
	HandleDirect(source kademlia.Peer, payload []byte) bool

	// HandleRelayDeliver is called when a RELAY whose dest_id is us
	// arrives; source is unknown per spec.md §4.3 step 2. Returns true if
	// queued on inbound.
	HandleRelayDeliver(payload []byte) bool

	// HandleRelayForward is called to enqueue a RELAY that must continue
	// toward destID with the given (already decremented) hop_limit.
	// Returns true if accepted onto the relay queue.
	HandleRelayForward(destID identity.NodeID, payload []byte, hopLimit int) bool
}

// Options configures a Core's timeouts and Kademlia constants, mirroring
// spec.md §6's network.* configuration surface.
type Options struct {
	KSize        int
	Alpha        int
	MaxHopLimit  int
	QueryTimeout time.Duration
	WalkTimeout  time.Duration
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		KSize:        kademlia.DefaultK,
		Alpha:        3,
		MaxHopLimit:  10,
		QueryTimeout: 2 * time.Second,
		WalkTimeout:  10 * time.Second,
	}
}

// Core is the Kademlia RPC core (C3): PING/STORE/FIND_NODE/FIND_VALUE plus
// the DIRECT/RELAY extensions, wired atop a Transport reactor and a routing
// Table.
type Core struct {
	key       *identity.Key
	local     kademlia.Peer
	table     *kademlia.Table
	transport *Transport
	opts      Options

	dedup   Deduplicator
	handler MessageHandler

	storeMu sync.RWMutex
	store   map[identity.NodeID][]byte
}

// NewCore wires a Core around an already-bound Transport and routing Table.
// localIP/localPort are this node's externally reachable address, used both
// to populate outgoing wirePeer fields and as the routing table's home-IP
// for collocation checks.
func NewCore(key *identity.Key, table *kademlia.Table, transport *Transport, localIP string, localPort int, opts Options) *Core {
	c := &Core{
		key:       key,
		local:     kademlia.Peer{ID: key.NodeID(), IP: localIP, Port: localPort},
		table:     table,
		transport: transport,
		opts:      opts,
		store:     make(map[identity.NodeID][]byte),
	}
	transport.SetDispatch(c.dispatch)
	table.SetPingFunc(c.pingForEviction)
	return c
}

// SetDeduplicator installs the relay duplicate-suppression history.
func (c *Core) SetDeduplicator(d Deduplicator) { c.dedup = d }

// SetMessageHandler installs the Message Layer's DIRECT/RELAY receiver.
func (c *Core) SetMessageHandler(h MessageHandler) { c.handler = h }

// Local returns this node's own peer triple.
func (c *Core) Local() kademlia.Peer { return c.local }

func (c *Core) pingForEviction(p kademlia.Peer) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.QueryTimeout)
	defer cancel()
	_, ok := c.Ping(ctx, p)
	return ok
}

// learn refreshes the routing table with a sighting of p, per §5's "routing
// table is mutated only by the RPC reactor" rule.
func (c *Core) learn(p kademlia.Peer) {
	if p.ID == c.local.ID {
		return
	}
	c.table.Insert(p)
}

func udpAddr(p kademlia.Peer) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", p.IP, p.Port))
}

// ---- dispatch: routes an inbound request frame to its handler ----

func (c *Core) dispatch(src *net.UDPAddr, m method, body []byte) ([]byte, bool) {
	switch m {
	case methodPing:
		return c.handlePing(src, body)
	case methodStore:
		return c.handleStore(src, body)
	case methodFindNode:
		return c.handleFindNode(src, body)
	case methodFindValue:
		return c.handleFindValue(src, body)
	case methodDirect:
		return c.handleDirect(src, body)
	case methodRelay:
		return c.handleRelay(src, body)
	default:
		log.Trace("rpc: unknown method", "method", m, "from", src)
		return nil, false
	}
}

// ---- server-side handlers ----

func (c *Core) handlePing(src *net.UDPAddr, body []byte) ([]byte, bool) {
	var args pingArgs
	if err := wire.Unmarshal(body, &args); err != nil {
		return nil, false
	}
	c.learn(args.Sender.peer())
	// Addr self-identifies the responder (id, ip, port), letting a caller
	// who only knew an (ip, port) seed - a bootstrap contact - learn its id.
	reply, err := wire.Marshal(pingReply{Addr: toWirePeer(c.local)})
	if err != nil {
		return nil, false
	}
	return reply, true
}

func (c *Core) handleStore(src *net.UDPAddr, body []byte) ([]byte, bool) {
	var args storeArgs
	if err := wire.Unmarshal(body, &args); err != nil {
		return nil, false
	}
	c.learn(args.Sender.peer())
	c.storeMu.Lock()
	c.store[args.Key] = args.Value
	c.storeMu.Unlock()
	reply, err := wire.Marshal(storeReply{OK: true})
	if err != nil {
		return nil, false
	}
	return reply, true
}

func (c *Core) handleFindNode(src *net.UDPAddr, body []byte) ([]byte, bool) {
	var args findNodeArgs
	if err := wire.Unmarshal(body, &args); err != nil {
		return nil, false
	}
	c.learn(args.Sender.peer())
	closest := c.table.FindNeighbors(args.Target, c.opts.KSize, nil)
	reply, err := wire.Marshal(findNodeReply{Peers: toWirePeers(closest)})
	if err != nil {
		return nil, false
	}
	return reply, true
}

func (c *Core) handleFindValue(src *net.UDPAddr, body []byte) ([]byte, bool) {
	var args findValueArgs
	if err := wire.Unmarshal(body, &args); err != nil {
		return nil, false
	}
	c.learn(args.Sender.peer())

	c.storeMu.RLock()
	value, found := c.store[args.Key]
	c.storeMu.RUnlock()

	var reply findValueReply
	if found {
		reply.Value = value
	} else {
		reply.Peers = toWirePeers(c.table.FindNeighbors(args.Key, c.opts.KSize, nil))
	}
	out, err := wire.Marshal(reply)
	if err != nil {
		return nil, false
	}
	return out, true
}

// handleDirect implements spec.md §4.3's DIRECT handler: queue on inbound,
// reply with the sender's observed address as confirmation of receipt.
func (c *Core) handleDirect(src *net.UDPAddr, body []byte) ([]byte, bool) {
	var args directArgs
	if err := wire.Unmarshal(body, &args); err != nil {
		return nil, false
	}
	c.learn(args.Sender.peer())

	if c.handler == nil {
		return nil, false
	}
	source := kademlia.Peer{ID: args.SenderID, IP: src.IP.String(), Port: src.Port}
	if !c.handler.HandleDirect(source, args.Payload) {
		return nil, false
	}
	reply, err := wire.Marshal(directReply{
		Accepted: true,
		Addr:     wirePeer{ID: c.local.ID, IP: src.IP.String(), Port: src.Port},
	})
	if err != nil {
		return nil, false
	}
	return reply, true
}

// handleRelay implements spec.md §4.3's five-step RELAY receipt algorithm.
func (c *Core) handleRelay(src *net.UDPAddr, body []byte) ([]byte, bool) {
	var args relayArgs
	if err := wire.Unmarshal(body, &args); err != nil {
		return nil, false
	}
	c.learn(args.Sender.peer())

	if c.dedup == nil || c.handler == nil {
		return nil, false
	}

	// Step 1: duplicate suppression.
	if c.dedup.CheckAndAdd(args.DestID, args.Payload) {
		log.Trace("rpc: dropping duplicate relay", "dest", args.DestID, "from", args.SenderID)
		return nil, false
	}

	// Step 2: addressed to us.
	if args.DestID == c.local.ID {
		if !c.handler.HandleRelayDeliver(args.Payload) {
			return nil, false
		}
		return c.relayAck(src)
	}

	// Step 3: hop budget.
	if args.HopLimit <= 0 || args.HopLimit > c.opts.MaxHopLimit {
		log.Trace("rpc: dropping relay with invalid hop_limit", "hop_limit", args.HopLimit)
		return nil, false
	}

	// Step 4: must be strictly closer than whoever forwarded to us.
	dSelf := kademlia.XOR(c.local.ID, args.DestID)
	dSender := kademlia.XOR(args.SenderID, args.DestID)
	if !dSelf.Less(dSender) {
		log.Trace("rpc: dropping relay, not closer than sender", "dest", args.DestID)
		return nil, false
	}

	// Step 5: enqueue for further relay.
	if !c.handler.HandleRelayForward(args.DestID, args.Payload, args.HopLimit-1) {
		return nil, false
	}
	return c.relayAck(src)
}

func (c *Core) relayAck(src *net.UDPAddr) ([]byte, bool) {
	reply, err := wire.Marshal(relayReply{
		Accepted: true,
		Addr:     wirePeer{ID: c.local.ID, IP: src.IP.String(), Port: src.Port},
	})
	if err != nil {
		return nil, false
	}
	return reply, true
}

// ---- client-side calls ----

// Ping issues PING(sender) and returns the responder's peer triple: the id
// from its self-identifying reply, paired with the address that was dialed.
func (c *Core) Ping(ctx context.Context, p kademlia.Peer) (kademlia.Peer, bool) {
	dst, err := udpAddr(p)
	if err != nil {
		return kademlia.Peer{}, false
	}
	body, err := wire.Marshal(pingArgs{Sender: toWirePeer(c.local)})
	if err != nil {
		return kademlia.Peer{}, false
	}
	respBody, ok, err := c.transport.Request(ctx, dst, methodPing, body)
	if err != nil || !ok {
		return kademlia.Peer{}, false
	}
	var reply pingReply
	if err := wire.Unmarshal(respBody, &reply); err != nil {
		return kademlia.Peer{}, false
	}
	// Learn the id-bearing peer from the reply, not the request argument:
	// a first contact (e.g. a bootstrap seed) is pinged with its id still
	// unknown, and the reply is how that id is discovered.
	responder := reply.Addr.peer()
	responder.IP = p.IP
	responder.Port = p.Port
	c.learn(responder)
	return responder, true
}

// Store issues STORE(sender, key, value) -> ack.
func (c *Core) Store(ctx context.Context, p kademlia.Peer, key identity.NodeID, value []byte) bool {
	dst, err := udpAddr(p)
	if err != nil {
		return false
	}
	body, err := wire.Marshal(storeArgs{Sender: toWirePeer(c.local), Key: key, Value: value})
	if err != nil {
		return false
	}
	respBody, ok, err := c.transport.Request(ctx, dst, methodStore, body)
	if err != nil || !ok {
		return false
	}
	var reply storeReply
	if err := wire.Unmarshal(respBody, &reply); err != nil {
		return false
	}
	return reply.OK
}

// FindNode issues FIND_NODE(sender, target) -> list<peer>.
func (c *Core) FindNode(ctx context.Context, p kademlia.Peer, target identity.NodeID) ([]kademlia.Peer, bool) {
	dst, err := udpAddr(p)
	if err != nil {
		return nil, false
	}
	body, err := wire.Marshal(findNodeArgs{Sender: toWirePeer(c.local), Target: target})
	if err != nil {
		return nil, false
	}
	respBody, ok, err := c.transport.Request(ctx, dst, methodFindNode, body)
	if err != nil || !ok {
		return nil, false
	}
	var reply findNodeReply
	if err := wire.Unmarshal(respBody, &reply); err != nil {
		return nil, false
	}
	return fromWirePeers(reply.Peers), true
}

// FindValue issues FIND_VALUE(sender, key) -> value | list<peer>.
func (c *Core) FindValue(ctx context.Context, p kademlia.Peer, key identity.NodeID) ([]byte, []kademlia.Peer, bool) {
	dst, err := udpAddr(p)
	if err != nil {
		return nil, nil, false
	}
	body, err := wire.Marshal(findValueArgs{Sender: toWirePeer(c.local), Key: key})
	if err != nil {
		return nil, nil, false
	}
	respBody, ok, err := c.transport.Request(ctx, dst, methodFindValue, body)
	if err != nil || !ok {
		return nil, nil, false
	}
	var reply findValueReply
	if err := wire.Unmarshal(respBody, &reply); err != nil {
		return nil, nil, false
	}
	if reply.Value != nil {
		return reply.Value, nil, true
	}
	return nil, fromWirePeers(reply.Peers), true
}

// Direct issues DIRECT(sender, sender_id, payload); returns the observed
// address on acceptance, per spec.md §4.3.
func (c *Core) Direct(ctx context.Context, p kademlia.Peer, payload []byte) (kademlia.Peer, bool) {
	dst, err := udpAddr(p)
	if err != nil {
		return kademlia.Peer{}, false
	}
	body, err := wire.Marshal(directArgs{Sender: toWirePeer(c.local), SenderID: c.local.ID, Payload: payload})
	if err != nil {
		return kademlia.Peer{}, false
	}
	respBody, ok, err := c.transport.Request(ctx, dst, methodDirect, body)
	if err != nil || !ok {
		return kademlia.Peer{}, false
	}
	var reply directReply
	if err := wire.Unmarshal(respBody, &reply); err != nil || !reply.Accepted {
		return kademlia.Peer{}, false
	}
	return reply.Addr.peer(), true
}

// Relay issues RELAY(sender, sender_id, dest_id, hop_limit, payload).
func (c *Core) Relay(ctx context.Context, p kademlia.Peer, destID identity.NodeID, hopLimit int, payload []byte) (kademlia.Peer, bool) {
	dst, err := udpAddr(p)
	if err != nil {
		return kademlia.Peer{}, false
	}
	body, err := wire.Marshal(relayArgs{
		Sender:   toWirePeer(c.local),
		SenderID: c.local.ID,
		DestID:   destID,
		HopLimit: hopLimit,
		Payload:  payload,
	})
	if err != nil {
		return kademlia.Peer{}, false
	}
	respBody, ok, err := c.transport.Request(ctx, dst, methodRelay, body)
	if err != nil || !ok {
		return kademlia.Peer{}, false
	}
	var reply relayReply
	if err := wire.Unmarshal(respBody, &reply); err != nil || !reply.Accepted {
		return kademlia.Peer{}, false
	}
	return reply.Addr.peer(), true
}
