package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/storjnode/overlay/crawl"
	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/kademlia"
	"github.com/storjnode/overlay/message"
	"github.com/storjnode/overlay/rpc"
)

// threadSleep is the monitor loop's poll interval, matching
// `storjnode.network.monitor.THREAD_SLEEP`.
const threadSleep = time.Second

// StorageBackend persists a serialized shard and returns its content-derived
// id. Treated as a black box per spec.md §1, the same boundary
// crawl.BandwidthTester draws around bulk data transfer.
type StorageBackend interface {
	Add(shard []byte) (shardID string, err error)
}

// OnCrawlComplete is invoked after each scheduled crawl publishes its shard.
type OnCrawlComplete func(key string, shard []byte)

// Options configures a Monitor, mirroring `Monitor.__init__`'s arguments.
type Options struct {
	Limit             int
	Interval          time.Duration
	WalkTimeoutBase   time.Duration
	SkipBandwidthTest bool
	TestBandwidth     crawl.BandwidthTester
	OnCrawlComplete   OnCrawlComplete
}

// DefaultOptions mirrors the documented defaults (limit=20, interval=1h).
func DefaultOptions() Options {
	return Options{
		Limit:             20,
		Interval:          time.Hour,
		WalkTimeoutBase:   2 * time.Second,
		SkipBandwidthTest: true,
	}
}

// Monitor runs scheduled crawl.Crawler sweeps on Options.Interval,
// publishing each result as a JSON shard to storage and a predictable DHT
// slot. Grounded on `monitor.py`'s Monitor class.
type Monitor struct {
	core    *rpc.Core
	layer   *message.Layer
	table   *kademlia.Table
	key     *identity.Key
	storage StorageBackend
	opts    Options

	mu         sync.Mutex
	crawler    *crawl.Crawler
	datasetNum int
	lastCrawl  time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Monitor and resolves its starting dataset slot by probing
// the DHT. Call Start to launch its background loop.
func New(ctx context.Context, core *rpc.Core, layer *message.Layer, table *kademlia.Table, key *identity.Key, storage StorageBackend, opts Options) *Monitor {
	m := &Monitor{
		core:    core,
		layer:   layer,
		table:   table,
		key:     key,
		storage: storage,
		opts:    opts,
		stop:    make(chan struct{}),
	}
	m.datasetNum = FindNextFreeDatasetNum(ctx, core.Get, key.Address())
	return m
}

// Start launches the background schedule loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop cancels any running crawl, ends the schedule loop, and waits for it
// to exit, matching `Monitor.stop`.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.crawler != nil {
		m.crawler.Stop()
	}
	m.mu.Unlock()
	close(m.stop)
	m.wg.Wait()
}

// DatasetNum returns the next dataset number the monitor will publish.
func (m *Monitor) DatasetNum() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.datasetNum
}

func (m *Monitor) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case <-time.After(threadSleep):
		}
		if time.Since(m.lastCrawl) < m.opts.Interval {
			continue
		}
		m.runOnce(context.Background())
	}
}

func (m *Monitor) runOnce(ctx context.Context) {
	num := m.DatasetNum()
	log.Info("monitor: crawling dataset", "num", num)
	begin := time.Now()

	c := crawl.New(m.layer, m.table, m.key, crawl.Options{
		Limit:             m.opts.Limit + 1, // +1 for the initial/local node placeholder
		WalkTimeoutBase:   m.opts.WalkTimeoutBase,
		SleepInterval:     200 * time.Millisecond,
		SkipBandwidthTest: m.opts.SkipBandwidthTest,
		TestBandwidth:     m.opts.TestBandwidth,
		BandwidthTimeout:  5 * time.Minute,
	})
	m.mu.Lock()
	m.crawler = c
	m.mu.Unlock()

	crawlTimeout := m.opts.Interval - time.Second
	if crawlTimeout <= 0 {
		crawlTimeout = m.opts.Interval
	}
	processed := c.Crawl(ctx, crawlTimeout)
	end := time.Now()

	raw, err := CreateShard(m.key.Address(), num, begin, end, processed)
	if err != nil {
		log.Error("monitor: failed to build shard", "err", err)
		return
	}

	shardID, err := m.storage.Add(raw)
	if err != nil {
		log.Error("monitor: failed to save shard", "err", err)
		return
	}
	log.Info("monitor: saved dataset", "num", num, "shard", shardID)

	dhtKey := predictableKeyID(m.key.Address(), num)
	m.core.Put(ctx, dhtKey, []byte(shardID))
	keyName := predictableKeyName(m.key.Address(), num)
	log.Info("monitor: published dht entry", "key", keyName, "shard", shardID)

	if m.opts.OnCrawlComplete != nil {
		m.opts.OnCrawlComplete(keyName, raw)
	}

	m.mu.Lock()
	m.datasetNum = num + 1
	m.lastCrawl = time.Now()
	m.crawler = nil
	m.mu.Unlock()
}
