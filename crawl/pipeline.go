// Package crawl implements the Crawler Pipeline (C6): a four-stage,
// per-peer state machine (scanning -> scanned -> bandwidth_test ->
// processed) with exponential backoff and a single-slot serialized
// bandwidth probe, grounded directly on
// `original_source/storjnode/network/monitor.py`'s `Crawler` class.
package crawl

import (
	"container/list"
	"sync"
	"time"

	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/message"
)

// Latency holds the dual-meaning timing slot spec.md §9 calls out
// explicitly: it is the *send time* while a request is outstanding, then
// becomes the *elapsed round-trip time* once a response arrives. Modeled
// as a small tagged variant rather than overloading one field's units.
type Latency struct {
	sendTime time.Time
	rtt      time.Duration
	pending  bool
	resolved bool
}

// Start records that a request was just sent.
func (l *Latency) Start(now time.Time) {
	if l.pending || l.resolved {
		return
	}
	l.sendTime = now
	l.pending = true
}

// Resolve converts a pending send time into an elapsed RTT.
func (l *Latency) Resolve(now time.Time) {
	if !l.pending {
		return
	}
	l.rtt = now.Sub(l.sendTime)
	l.pending = false
	l.resolved = true
}

// Pending reports whether a request is outstanding with no response yet.
func (l Latency) Pending() bool { return l.pending }

// RTT returns the resolved round-trip time, if any.
func (l Latency) RTT() (time.Duration, bool) { return l.rtt, l.resolved }

// VersionInfo mirrors spec.md §3's PipelineRecord "version" field.
type VersionInfo struct {
	Protocol int
	Software string
}

// BandwidthInfo mirrors spec.md §3's PipelineRecord "bandwidth" field,
// bytes/sec.
type BandwidthInfo struct {
	Send    uint64
	Receive uint64
}

// RequestState tracks retry bookkeeping for the exponential-backoff
// scanning stage.
type RequestState struct {
	Tries int
	Last  time.Time
}

// LatencyFields mirrors spec.md §3's PipelineRecord "latency" block: one
// timing slot per request arm.
type LatencyFields struct {
	Info, Peers, Direct Latency
}

// Record is the per-peer crawl state of spec.md §3's PipelineRecord.
type Record struct {
	Peers      []identity.NodeID
	Storage    *message.StorageInfo
	Network    *message.NetworkInfo
	Version    *VersionInfo
	Platform   *message.PlatformInfo
	BTCAddress string
	Bandwidth  *BandwidthInfo

	Latency LatencyFields
	Request RequestState
}

// scanComplete reports whether both arms (peers, network) of a scanning
// record have answered, the trigger to move it to scanned, per
// `monitor.py`'s `_check_scan_complete`.
func (r *Record) scanComplete() bool {
	return r.Peers != nil && r.Network != nil
}

type scannedEntry struct {
	id     identity.NodeID
	record *Record
}

// Pipelines holds the four disjoint containers of one Crawler instance and
// the single mutex guarding all of them, per spec.md §3/§5. scanned uses
// `container/list` to preserve FIFO insertion order for the bandwidth slot
// (spec.md §9's "insertion-ordered map for scanned... its FIFO property is
// load-bearing").
type Pipelines struct {
	mu sync.Mutex

	scanning map[identity.NodeID]*Record

	scanned      *list.List
	scannedIndex map[identity.NodeID]*list.Element

	bandwidthTestID     identity.NodeID
	bandwidthTestRecord *Record
	bandwidthTesting    bool

	processed map[identity.NodeID]*Record
}

// NewPipelines creates an empty set of pipelines.
func NewPipelines() *Pipelines {
	return &Pipelines{
		scanning:     make(map[identity.NodeID]*Record),
		scanned:      list.New(),
		scannedIndex: make(map[identity.NodeID]*list.Element),
		processed:    make(map[identity.NodeID]*Record),
	}
}
