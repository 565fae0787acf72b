package monitor

import (
	"encoding/json"
	"time"

	"github.com/storjnode/overlay/crawl"
	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/message"
)

// shardLatency renders a crawl.LatencyFields as resolved round-trip
// milliseconds, omitting any arm that never resolved.
type shardLatency struct {
	InfoMs   *int64 `json:"info_ms,omitempty"`
	PeersMs  *int64 `json:"peers_ms,omitempty"`
	DirectMs *int64 `json:"direct_ms,omitempty"`
}

func latencyMs(l crawl.Latency) *int64 {
	d, ok := l.RTT()
	if !ok {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

// shardPeerRecord is one peer's exported shard entry: a crawl.Record with
// node ids rendered as wallet addresses and its in-memory request
// bookkeeping dropped, matching `create_shard`'s `del data["request"]`.
type shardPeerRecord struct {
	Peers      []string              `json:"peers"`
	Storage    *message.StorageInfo  `json:"storage,omitempty"`
	Network    *message.NetworkInfo  `json:"network,omitempty"`
	Version    *crawl.VersionInfo    `json:"version,omitempty"`
	Platform   *message.PlatformInfo `json:"platform,omitempty"`
	BTCAddress string                `json:"btcaddress,omitempty"`
	Bandwidth  *crawl.BandwidthInfo  `json:"bandwidth,omitempty"`
	Latency    shardLatency          `json:"latency"`
}

type shard struct {
	Node      string                     `json:"node"`
	Num       int                        `json:"num"`
	Begin     float64                    `json:"begin"`
	End       float64                    `json:"end"`
	Processed map[string]shardPeerRecord `json:"processed"`
}

// unixFloat renders t as fractional unix seconds, matching the wire type
// `"begin": float` / `"end": float` documented for the shard schema (the
// original populates both with Python's `time.time()`).
func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// CreateShard serializes a completed crawl into the pretty-printed JSON
// document published to storage, matching `create_shard`.
func CreateShard(nodeAddress string, num int, begin, end time.Time, processed map[identity.NodeID]*crawl.Record) ([]byte, error) {
	out := shard{
		Node:      nodeAddress,
		Num:       num,
		Begin:     unixFloat(begin),
		End:       unixFloat(end),
		Processed: make(map[string]shardPeerRecord, len(processed)),
	}
	for id, rec := range processed {
		if rec == nil {
			continue
		}
		peerAddrs := make([]string, len(rec.Peers))
		for i, p := range rec.Peers {
			peerAddrs[i] = identity.AddressFromNodeID(p)
		}
		out.Processed[identity.AddressFromNodeID(id)] = shardPeerRecord{
			Peers:      peerAddrs,
			Storage:    rec.Storage,
			Network:    rec.Network,
			Version:    rec.Version,
			Platform:   rec.Platform,
			BTCAddress: rec.BTCAddress,
			Bandwidth:  rec.Bandwidth,
			Latency: shardLatency{
				InfoMs:   latencyMs(rec.Latency.Info),
				PeersMs:  latencyMs(rec.Latency.Peers),
				DirectMs: latencyMs(rec.Latency.Direct),
			},
		}
	}
	return json.MarshalIndent(out, "", "  ")
}
