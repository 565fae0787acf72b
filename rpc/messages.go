// Package rpc implements the Kademlia RPC core described in spec.md §4.2:
// PING, STORE, FIND_NODE, FIND_VALUE, and the two core extensions DIRECT and
// RELAY, all carried as signed-free MessagePack datagrams over UDP.
package rpc

import (
	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/kademlia"
)

// method names the RPC being carried in a frame.
type method string

const (
	methodPing      method = "PING"
	methodStore     method = "STORE"
	methodFindNode  method = "FIND_NODE"
	methodFindValue method = "FIND_VALUE"
	methodDirect    method = "DIRECT"
	methodRelay     method = "RELAY"
)

// frame is the envelope every RPC datagram travels in: a method tag, a
// correlation id matching requests to replies, a request/reply flag, and the
// method-specific body as its own MessagePack blob (so frame decoding never
// needs to know the body shape up front). Node ids travel as 20-byte binary
// strings per spec.md §6.
type frame struct {
	Method method `msgpack:"m"`
	ID     uint64 `msgpack:"id"`
	Reply  bool   `msgpack:"r"`
	Null   bool   `msgpack:"n"` // reply-only: true means "refused/unknown" per spec.md §7
	Body   []byte `msgpack:"b"`
}

// wirePeer is the on-wire (node_id, ip, udp_port) triple, mirroring
// kademlia.Peer without pulling a net dependency into the wire format.
type wirePeer struct {
	ID   identity.NodeID `msgpack:"id"`
	IP   string          `msgpack:"ip"`
	Port int             `msgpack:"port"`
}

func toWirePeer(p kademlia.Peer) wirePeer {
	return wirePeer{ID: p.ID, IP: p.IP, Port: p.Port}
}

func (w wirePeer) peer() kademlia.Peer {
	return kademlia.Peer{ID: w.ID, IP: w.IP, Port: w.Port}
}

func toWirePeers(ps []kademlia.Peer) []wirePeer {
	out := make([]wirePeer, len(ps))
	for i, p := range ps {
		out[i] = toWirePeer(p)
	}
	return out
}

func fromWirePeers(ws []wirePeer) []kademlia.Peer {
	out := make([]kademlia.Peer, len(ws))
	for i, w := range ws {
		out[i] = w.peer()
	}
	return out
}

// pingArgs/pingReply implement PING(sender) -> sender_addr.
type pingArgs struct {
	Sender wirePeer `msgpack:"sender"`
}

type pingReply struct {
	Addr wirePeer `msgpack:"addr"`
}

// storeArgs/storeReply implement STORE(sender, key, value) -> ack.
type storeArgs struct {
	Sender wirePeer        `msgpack:"sender"`
	Key    identity.NodeID `msgpack:"key"`
	Value  []byte          `msgpack:"value"`
}

type storeReply struct {
	OK bool `msgpack:"ok"`
}

// findNodeArgs/findNodeReply implement FIND_NODE(sender, target) -> list<peer>.
type findNodeArgs struct {
	Sender wirePeer        `msgpack:"sender"`
	Target identity.NodeID `msgpack:"target"`
}

type findNodeReply struct {
	Peers []wirePeer `msgpack:"peers"`
}

// findValueArgs/findValueReply implement FIND_VALUE(sender, key) -> value | list<peer>.
type findValueArgs struct {
	Sender wirePeer        `msgpack:"sender"`
	Key    identity.NodeID `msgpack:"key"`
}

type findValueReply struct {
	Value []byte     `msgpack:"value,omitempty"`
	Peers []wirePeer `msgpack:"peers,omitempty"`
}

// directArgs/directReply implement DIRECT(sender, sender_id, payload), §4.3.
type directArgs struct {
	Sender   wirePeer        `msgpack:"sender"`
	SenderID identity.NodeID `msgpack:"sender_id"`
	Payload  []byte          `msgpack:"payload"`
}

// directReply carries the observed (ip,port) of the sender as confirmation
// of receipt; Accepted is false when the reply is the RPC-level "null"
// (refused/overflow/unknown).
type directReply struct {
	Accepted bool     `msgpack:"accepted"`
	Addr     wirePeer `msgpack:"addr"`
}

// relayArgs/relayReply implement RELAY(sender, sender_id, dest_id, hop_limit, payload), §4.3.
type relayArgs struct {
	Sender    wirePeer        `msgpack:"sender"`
	SenderID  identity.NodeID `msgpack:"sender_id"`
	DestID    identity.NodeID `msgpack:"dest_id"`
	HopLimit  int             `msgpack:"hop_limit"`
	Payload   []byte          `msgpack:"payload"`
}

type relayReply struct {
	Accepted bool     `msgpack:"accepted"`
	Addr     wirePeer `msgpack:"addr"`
}
