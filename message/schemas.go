package message

import (
	"context"
	"fmt"

	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/kademlia"
	"github.com/storjnode/overlay/wire"
)

// ProtocolVersion is advertised in every info response, per spec.md §6.
const ProtocolVersion = 1

// SoftwareVersion identifies this implementation in info responses.
const SoftwareVersion = "overlay/1.0"

// StorageInfo mirrors spec.md §4.4's info response storage block.
type StorageInfo struct {
	Total uint64 `msgpack:"total"`
	Used  uint64 `msgpack:"used"`
	Free  uint64 `msgpack:"free"`
}

// NetworkInfo mirrors spec.md §4.4's info response network block.
type NetworkInfo struct {
	TransportIP   string `msgpack:"transport_ip"`
	TransportPort int    `msgpack:"transport_port"`
	UNL           string `msgpack:"unl"`
	IsPublic      bool   `msgpack:"is_public"`
}

// PlatformInfo mirrors spec.md §4.4's info response platform block.
type PlatformInfo struct {
	System  string `msgpack:"system"`
	Release string `msgpack:"release"`
	Version string `msgpack:"version"`
	Machine string `msgpack:"machine"`
}

// kind is the envelope-payload discriminator peeked before decoding the
// rest of the message, so a single inbound handler can demux info/peers
// traffic without the caller pre-declaring which schema to expect.
type kind struct {
	Type string `msgpack:"type"`
}

// InfoRequest is the "info_req" application message.
type InfoRequest struct {
	Type  string `msgpack:"type"`
	Nonce uint64 `msgpack:"nonce"`
}

// InfoResponse is the "info" application message; every response is signed
// (the envelope signature), per spec.md §4.4.
type InfoResponse struct {
	Type            string       `msgpack:"type"`
	ProtocolVersion int          `msgpack:"protocol_version"`
	SoftwareVersion string       `msgpack:"software_version"`
	Storage         StorageInfo  `msgpack:"storage"`
	Network         NetworkInfo  `msgpack:"network"`
	Platform        PlatformInfo `msgpack:"platform"`
	BTCAddress      string       `msgpack:"btcaddress"`
	Nonce           uint64       `msgpack:"nonce"`
}

// PeersRequest is the "peers_req" application message.
type PeersRequest struct {
	Type  string `msgpack:"type"`
	Nonce uint64 `msgpack:"nonce"`
}

// PeersResponse is the "peers" application message; Body is the
// concatenation of 20-byte node ids, per spec.md §4.4.
type PeersResponse struct {
	Type  string `msgpack:"type"`
	Body  []byte `msgpack:"body"`
	Nonce uint64 `msgpack:"nonce"`
}

// EncodeNodeIDs concatenates ids into a single byte string, the wire
// encoding of a PeersResponse.Body.
func EncodeNodeIDs(ids []identity.NodeID) []byte {
	out := make([]byte, 0, len(ids)*identity.IDLength)
	for _, id := range ids {
		out = append(out, id[:]...)
	}
	return out
}

// DecodeNodeIDs re-chunks a PeersResponse.Body into individual node ids,
// matching `storjnode.util.chunks(message.body, 20)`.
func DecodeNodeIDs(body []byte) ([]identity.NodeID, error) {
	if len(body)%identity.IDLength != 0 {
		return nil, fmt.Errorf("message: peers body length %d not a multiple of %d", len(body), identity.IDLength)
	}
	out := make([]identity.NodeID, 0, len(body)/identity.IDLength)
	for i := 0; i < len(body); i += identity.IDLength {
		id, err := identity.NodeIDFromBytes(body[i : i+identity.IDLength])
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// InfoProvider supplies the local node's current info response fields;
// the crawler/monitor never fabricate these directly, keeping storage and
// platform detail as an external collaborator's concern (spec.md §1's
// "out of scope" storage black box).
type InfoProvider func() (StorageInfo, NetworkInfo, PlatformInfo)

// Responder answers info_req/peers_req application messages when
// network.monitor.enable_responses is set, replying by relay to the
// requester's claimed sender id regardless of whether it is directly
// reachable. Grounded on `monitor.py`'s `_handle_info_message`/
// `_handle_peers_message` request side (the Monitor itself is the
// requester; this is the symmetric responder every node also runs).
type Responder struct {
	layer    *Layer
	key      *identity.Key
	table    *kademlia.Table
	provider InfoProvider
}

// NewResponder wires a Responder and registers it on layer.
func NewResponder(layer *Layer, key *identity.Key, table *kademlia.Table, provider InfoProvider) *Responder {
	r := &Responder{layer: layer, key: key, table: table, provider: provider}
	layer.RegisterHandler(r.handle)
	return r
}

// PeekType decodes only the "type" discriminator of an application message,
// letting a dispatcher demux before committing to a concrete schema.
func PeekType(payload []byte) (string, error) {
	var k kind
	if err := wire.Unmarshal(payload, &k); err != nil {
		return "", err
	}
	return k.Type, nil
}

func (r *Responder) handle(source kademlia.Peer, senderID identity.NodeID, payload []byte) {
	t, err := PeekType(payload)
	if err != nil {
		return
	}
	switch t {
	case "info_req":
		r.respondInfo(senderID, payload)
	case "peers_req":
		r.respondPeers(senderID, payload)
	}
}

func (r *Responder) respondInfo(requester identity.NodeID, reqPayload []byte) {
	var req InfoRequest
	if err := wire.Unmarshal(reqPayload, &req); err != nil {
		return
	}
	storage, network, platform := r.provider()
	resp := InfoResponse{
		Type:            "info",
		ProtocolVersion: ProtocolVersion,
		SoftwareVersion: SoftwareVersion,
		Storage:         storage,
		Network:         network,
		Platform:        platform,
		BTCAddress:      r.key.Address(),
		Nonce:           req.Nonce,
	}
	env, err := wire.Seal(r.key, resp)
	if err != nil {
		return
	}
	raw, err := wire.Marshal(env)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.layer.queryTimeout)
	defer cancel()
	r.layer.SendRelay(ctx, requester, raw)
}

// SendInfoRequest seals and relays an "info_req" toward dest, for use by a
// requester (the crawler's scanning stage).
func SendInfoRequest(ctx context.Context, layer *Layer, key *identity.Key, dest identity.NodeID, nonce uint64) bool {
	env, err := wire.Seal(key, InfoRequest{Type: "info_req", Nonce: nonce})
	if err != nil {
		return false
	}
	raw, err := wire.Marshal(env)
	if err != nil {
		return false
	}
	return layer.SendRelay(ctx, dest, raw)
}

// SendPeersRequest seals and relays a "peers_req" toward dest.
func SendPeersRequest(ctx context.Context, layer *Layer, key *identity.Key, dest identity.NodeID, nonce uint64) bool {
	env, err := wire.Seal(key, PeersRequest{Type: "peers_req", Nonce: nonce})
	if err != nil {
		return false
	}
	raw, err := wire.Marshal(env)
	if err != nil {
		return false
	}
	return layer.SendRelay(ctx, dest, raw)
}

func (r *Responder) respondPeers(requester identity.NodeID, reqPayload []byte) {
	var req PeersRequest
	if err := wire.Unmarshal(reqPayload, &req); err != nil {
		return
	}
	neighbors := r.table.FindNeighbors(r.table.LocalID(), r.layer.ksize, nil)
	ids := make([]identity.NodeID, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.ID
	}
	resp := PeersResponse{
		Type:  "peers",
		Body:  EncodeNodeIDs(ids),
		Nonce: req.Nonce,
	}
	env, err := wire.Seal(r.key, resp)
	if err != nil {
		return
	}
	raw, err := wire.Marshal(env)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.layer.queryTimeout)
	defer cancel()
	r.layer.SendRelay(ctx, requester, raw)
}
