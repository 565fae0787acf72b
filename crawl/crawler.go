package crawl

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/kademlia"
	"github.com/storjnode/overlay/message"
	"github.com/storjnode/overlay/wire"
)

// BandwidthTester measures upload/download throughput to a peer, treated as
// a black box per spec.md §1: the crawler only needs the eventual numbers
// or an error, never how the transfer is carried out.
type BandwidthTester func(ctx context.Context, target identity.NodeID) (send, receive uint64, err error)

// Options configures one Crawler run, mirroring spec.md §6's crawler
// knobs and `monitor.py`'s Crawler constructor arguments.
type Options struct {
	Limit             int
	WalkTimeoutBase   time.Duration
	SleepInterval     time.Duration
	SkipBandwidthTest bool
	TestBandwidth     BandwidthTester
	BandwidthTimeout  time.Duration
}

// DefaultOptions mirrors spec.md §6's documented defaults; bandwidth
// testing is skipped (SkipBandwidthTest is true), matching
// `SKIP_BANDWIDTH_TEST`'s common deployment default. A probe runs only when
// SkipBandwidthTest is false and TestBandwidth is set.
func DefaultOptions() Options {
	return Options{
		Limit:             0,
		WalkTimeoutBase:   2 * time.Second,
		SleepInterval:     200 * time.Millisecond,
		SkipBandwidthTest: true,
		BandwidthTimeout:  5 * time.Minute,
	}
}

// Crawler drives one breadth-first sweep of the overlay, discovering peers
// via peers_req/info_req and feeding them through Pipelines, grounded on
// `monitor.py`'s `Crawler.crawl()` main loop.
type Crawler struct {
	layer *message.Layer
	table *kademlia.Table
	key   *identity.Key
	local identity.NodeID

	pipelines *Pipelines
	opts      Options

	nonce int64
	stop  int32
}

// New creates a Crawler bound to an already-running message.Layer.
func New(layer *message.Layer, table *kademlia.Table, key *identity.Key, opts Options) *Crawler {
	return &Crawler{
		layer:     layer,
		table:     table,
		key:       key,
		local:     key.NodeID(),
		pipelines: NewPipelines(),
		opts:      opts,
	}
}

// Stop requests the in-progress Crawl to return at its next loop tick,
// matching spec.md §4.5 condition (c).
func (c *Crawler) Stop() {
	atomic.StoreInt32(&c.stop, 1)
}

func (c *Crawler) stopped() bool {
	return atomic.LoadInt32(&c.stop) == 1
}

func (c *Crawler) nextNonce() uint64 {
	return uint64(atomic.AddInt64(&c.nonce, 1))
}

// Crawl runs one sweep to completion, stopping at whichever of spec.md
// §4.5's four conditions fires first: processed reaches the limit, timeout
// elapses, Stop is called, or every pipeline but processed drains empty.
// In-flight bandwidth tests are not cancelled on exit; their result simply
// arrives too late to be reflected in the returned snapshot.
func (c *Crawler) Crawl(ctx context.Context, timeout time.Duration) map[identity.NodeID]*Record {
	unregister := c.layer.RegisterHandler(c.handleResponse)
	defer unregister()

	neighbors := c.table.AllPeers()
	ids := make([]identity.NodeID, len(neighbors))
	for i, p := range neighbors {
		ids[i] = p.ID
	}
	c.pipelines.Seed(c.local, ids)

	deadline := time.Now().Add(timeout)
	for {
		if c.stopped() {
			break
		}
		if !time.Now().Before(deadline) {
			break
		}
		scanning, scanned, processed, testing := c.pipelines.Counts()
		if c.opts.Limit > 0 && processed >= c.opts.Limit {
			break
		}
		if scanning == 0 && scanned == 0 && !testing {
			break
		}
		c.processScanning(ctx)
		c.processBandwidth(ctx)
		time.Sleep(c.opts.SleepInterval)
	}

	c.pipelines.RemoveSelfPlaceholder(c.local)
	return c.pipelines.Processed()
}

// processScanning issues due peers_req/info_req requests against every
// scanning record, per spec.md §4.5's exponential-backoff schedule.
func (c *Crawler) processScanning(ctx context.Context) {
	now := time.Now()
	for id, record := range c.pipelines.ScanningSnapshot() {
		if !dueForRequest(record.Request.Tries, record.Request.Last, c.opts.WalkTimeoutBase, now) {
			continue
		}
		needPeers, needInfo, ok := c.pipelines.PrepareRequest(id, now)
		if !ok {
			continue
		}
		if needPeers {
			message.SendPeersRequest(ctx, c.layer, c.key, id, c.nextNonce())
		}
		if needInfo {
			message.SendInfoRequest(ctx, c.layer, c.key, id, c.nextNonce())
		}
	}
}

// processBandwidth advances the single-slot bandwidth_test stage: either
// short-circuits scanned straight into processed (SkipBandwidthTest) or
// starts one async probe against the scanned FIFO head.
func (c *Crawler) processBandwidth(ctx context.Context) {
	if c.opts.SkipBandwidthTest || c.opts.TestBandwidth == nil {
		c.pipelines.SkipBandwidthTest()
		return
	}
	id, _, ok := c.pipelines.TryStartBandwidthTest()
	if !ok {
		return
	}
	go func() {
		tctx, cancel := context.WithTimeout(ctx, c.opts.BandwidthTimeout)
		defer cancel()
		send, receive, err := c.opts.TestBandwidth(tctx, id)
		if err != nil {
			log.Debug("crawl: bandwidth test failed", "peer", id, "err", err)
			c.pipelines.BandwidthTestError()
			return
		}
		c.pipelines.BandwidthTestSuccess(send, receive)
	}()
}

// handleResponse demultiplexes inbound info/peers application messages by
// peeking their type discriminator, mirroring `monitor.py`'s
// `_handle_info_message`/`_handle_peers_message`. Unsolicited or malformed
// messages (not currently in scanning, undecodable) are silently dropped.
func (c *Crawler) handleResponse(source kademlia.Peer, senderID identity.NodeID, payload []byte) {
	t, err := message.PeekType(payload)
	if err != nil {
		return
	}
	now := time.Now()
	switch t {
	case "peers":
		var resp message.PeersResponse
		if err := wire.Unmarshal(payload, &resp); err != nil {
			return
		}
		ids, err := message.DecodeNodeIDs(resp.Body)
		if err != nil {
			return
		}
		c.pipelines.RecordPeersResponse(senderID, ids, now)
	case "info":
		var resp message.InfoResponse
		if err := wire.Unmarshal(payload, &resp); err != nil {
			return
		}
		version := VersionInfo{Protocol: resp.ProtocolVersion, Software: resp.SoftwareVersion}
		c.pipelines.RecordInfoResponse(senderID, version, resp.Storage, resp.Network, resp.Platform, resp.BTCAddress, now)
	}
}
