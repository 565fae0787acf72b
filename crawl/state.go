package crawl

import (
	"time"

	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/message"
)

// location names which of the four pipelines currently holds an id, for
// the disjointness invariant and for discovery dedup (`_handle_peers_message`'s
// scanning/scanned/processed/testing_bandwidth checks).
func (p *Pipelines) location(id identity.NodeID) string {
	if _, ok := p.scanning[id]; ok {
		return "scanning"
	}
	if _, ok := p.scannedIndex[id]; ok {
		return "scanned"
	}
	if p.bandwidthTesting && p.bandwidthTestID == id {
		return "bandwidth_test"
	}
	if _, ok := p.processed[id]; ok {
		return "processed"
	}
	return ""
}

// Known reports whether id is tracked anywhere in the four pipelines.
func (p *Pipelines) Known(id identity.NodeID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location(id) != ""
}

// Seed inserts the local node as a placeholder in processed (preventing
// self-probing) and adds its routing-table neighbors to scanning, per
// `monitor.py`'s `crawl()` entry sequence.
func (p *Pipelines) Seed(local identity.NodeID, neighbors []identity.NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed[local] = nil
	for _, n := range neighbors {
		if p.location(n) == "" {
			p.scanning[n] = &Record{}
		}
	}
}

// RemoveSelfPlaceholder deletes the local node's nil placeholder before the
// crawl result is returned, per `monitor.py`'s final `del
// self.pipeline_processed[self.node.get_id()]`.
func (p *Pipelines) RemoveSelfPlaceholder(local identity.NodeID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.processed, local)
}

// ScanningSnapshot returns a shallow copy of the scanning map, matching
// `self.pipeline_scanning.copy().items()` so callers can issue requests
// without holding the pipeline lock.
func (p *Pipelines) ScanningSnapshot() map[identity.NodeID]*Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[identity.NodeID]*Record, len(p.scanning))
	for k, v := range p.scanning {
		out[k] = v
	}
	return out
}

// MarkRequestSent bumps the retry bookkeeping for a scanning record
// (spec.md §4.5's backoff accounting).
func (p *Pipelines) MarkRequestSent(id identity.NodeID, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.scanning[id]
	if !ok {
		return
	}
	r.Request.Last = now
	r.Request.Tries++
}

// RecordPeersResponse applies a received "peers" response to a scanning
// record: resolves the peers latency slot, stores the peer list, and
// registers any newly discovered peer into scanning. Returns false if id
// was not being scanned (an unsolicited/stale response), per spec.md §4.4's
// "Unsolicited responses... are silently ignored."
func (p *Pipelines) RecordPeersResponse(id identity.NodeID, peers []identity.NodeID, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.scanning[id]
	if !ok {
		return false
	}
	r.Latency.Peers.Resolve(now)
	r.Peers = peers
	for _, peer := range peers {
		if p.location(peer) == "" {
			p.scanning[peer] = &Record{}
		}
	}
	p.maybePromote(id, r)
	return true
}

// RecordInfoResponse applies a received "info" response to a scanning
// record, mirroring RecordPeersResponse.
func (p *Pipelines) RecordInfoResponse(id identity.NodeID, version VersionInfo, storage message.StorageInfo, network message.NetworkInfo, platform message.PlatformInfo, btcaddress string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.scanning[id]
	if !ok {
		return false
	}
	r.Latency.Info.Resolve(now)
	v := version
	r.Version = &v
	s := storage
	r.Storage = &s
	n := network
	r.Network = &n
	pl := platform
	r.Platform = &pl
	r.BTCAddress = btcaddress
	p.maybePromote(id, r)
	return true
}

// maybePromote moves a scanning record to scanned once both arms have
// answered. Caller must hold p.mu.
func (p *Pipelines) maybePromote(id identity.NodeID, r *Record) {
	if !r.scanComplete() {
		return
	}
	delete(p.scanning, id)
	elem := p.scanned.PushBack(scannedEntry{id: id, record: r})
	p.scannedIndex[id] = elem
}

// PrepareRequest marks a scanning record's retry bookkeeping and starts
// whichever latency slots are about to be (re)requested, returning which
// arms still need a request. ok is false if id is no longer in scanning
// (moved or never tracked).
func (p *Pipelines) PrepareRequest(id identity.NodeID, now time.Time) (needPeers, needInfo, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, found := p.scanning[id]
	if !found {
		return false, false, false
	}
	needPeers = r.Peers == nil
	needInfo = r.Network == nil
	if needPeers {
		r.Latency.Peers.Start(now)
	}
	if needInfo {
		r.Latency.Info.Start(now)
	}
	r.Request.Last = now
	r.Request.Tries++
	return needPeers, needInfo, true
}

// TryStartBandwidthTest pops the scanned FIFO head and occupies the single
// bandwidth_test slot, if free. ok is false if a test is already running
// or scanned is empty.
func (p *Pipelines) TryStartBandwidthTest() (id identity.NodeID, record *Record, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bandwidthTesting {
		return identity.NodeID{}, nil, false
	}
	front := p.scanned.Front()
	if front == nil {
		return identity.NodeID{}, nil, false
	}
	entry := front.Value.(scannedEntry)
	p.scanned.Remove(front)
	delete(p.scannedIndex, entry.id)
	p.bandwidthTesting = true
	p.bandwidthTestID = entry.id
	p.bandwidthTestRecord = entry.record
	return entry.id, entry.record, true
}

// BandwidthTestSuccess records the measured bandwidth and moves the record
// to processed, freeing the slot.
func (p *Pipelines) BandwidthTestSuccess(send, receive uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bandwidthTesting {
		return
	}
	p.bandwidthTestRecord.Bandwidth = &BandwidthInfo{Send: send, Receive: receive}
	p.processed[p.bandwidthTestID] = p.bandwidthTestRecord
	p.clearBandwidthSlot()
}

// BandwidthTestError returns the record to the tail of scanned for a later
// retry, freeing the slot, per `_handle_bandwidth_test_error`.
func (p *Pipelines) BandwidthTestError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.bandwidthTesting {
		return
	}
	elem := p.scanned.PushBack(scannedEntry{id: p.bandwidthTestID, record: p.bandwidthTestRecord})
	p.scannedIndex[p.bandwidthTestID] = elem
	p.clearBandwidthSlot()
}

func (p *Pipelines) clearBandwidthSlot() {
	p.bandwidthTesting = false
	p.bandwidthTestID = identity.NodeID{}
	p.bandwidthTestRecord = nil
}

// SkipBandwidthTest pops the scanned FIFO head straight into processed
// without ever occupying the bandwidth_test slot, matching
// `SKIP_BANDWIDTH_TEST`'s short-circuit in `_process_bandwidth_test`. ok is
// false if scanned is empty or a real test is mid-flight.
func (p *Pipelines) SkipBandwidthTest() (id identity.NodeID, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bandwidthTesting {
		return identity.NodeID{}, false
	}
	front := p.scanned.Front()
	if front == nil {
		return identity.NodeID{}, false
	}
	entry := front.Value.(scannedEntry)
	p.scanned.Remove(front)
	delete(p.scannedIndex, entry.id)
	p.processed[entry.id] = entry.record
	return entry.id, true
}

// Counts returns the current size of each pipeline, for termination checks
// and logging.
func (p *Pipelines) Counts() (scanning, scanned, processed int, bandwidthTesting bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.scanning), p.scanned.Len(), len(p.processed), p.bandwidthTesting
}

// Processed returns a shallow copy of the processed map.
func (p *Pipelines) Processed() map[identity.NodeID]*Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[identity.NodeID]*Record, len(p.processed))
	for k, v := range p.processed {
		out[k] = v
	}
	return out
}
