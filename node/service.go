package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/storjnode/overlay/crawl"
	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/kademlia"
	"github.com/storjnode/overlay/message"
	"github.com/storjnode/overlay/monitor"
	"github.com/storjnode/overlay/rpc"
)

// Service owns every long-lived collaborator of one overlay participant:
// identity, routing table, UDP transport, RPC core, and message layer.
// Crawling and monitoring are optional facilities layered on top. Grounded
// on spec.md §9's cyclic-ownership guidance and on the teacher's `pss.go`
// (a `Pss` struct embedding/owning its `network.Overlay` and friends rather
// than threading mutual pointers through every collaborator).
type Service struct {
	Config Config
	Key    *identity.Key

	Table     *kademlia.Table
	Transport *rpc.Transport
	Core      *rpc.Core
	Message   *message.Layer

	responder *message.Responder
	monitor   *monitor.Monitor

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Service bound to key: binds the UDP transport on cfg.Port
// (0 for an OS-assigned ephemeral port), and wires the routing table, RPC
// core, and message layer around it. It does not start any background
// loop or contact any bootstrap node; call Start for that.
func New(key *identity.Key, cfg Config) (*Service, error) {
	if cfg.KSize <= 0 {
		cfg.KSize = kademlia.DefaultK
	}
	if cfg.BindIP == "" {
		cfg.BindIP = "127.0.0.1"
	}

	transport, err := rpc.NewTransport(cfg.BindIP, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("node: start transport: %w", err)
	}

	table := kademlia.New(key.NodeID(), cfg.BindIP, cfg.KSize)

	rpcOpts := rpc.DefaultOptions()
	rpcOpts.KSize = cfg.KSize
	if cfg.MaxHopLimit > 0 {
		rpcOpts.MaxHopLimit = cfg.MaxHopLimit
	}
	core := rpc.NewCore(key, table, transport, cfg.BindIP, transport.LocalAddr().Port, rpcOpts)

	msgOpts := message.DefaultOptions()
	if cfg.MaxMessages > 0 {
		msgOpts.MaxMessages = cfg.MaxMessages
	}
	if cfg.MaxHopLimit > 0 {
		msgOpts.MaxHopLimit = cfg.MaxHopLimit
	}
	if cfg.MessagesHistoryLimit > 0 {
		msgOpts.MessagesHistoryLimit = cfg.MessagesHistoryLimit
	}
	layer := message.New(core, table, cfg.KSize, msgOpts)

	return &Service{
		Config:    cfg,
		Key:       key,
		Table:     table,
		Transport: transport,
		Core:      core,
		Message:   layer,
		stop:      make(chan struct{}),
	}, nil
}

// Start launches the message layer's background loops, installs an
// info/peers responder when cfg.Monitor.EnableResponses is set, contacts
// every configured bootstrap node so the routing table has an initial
// foothold, and performs a self-lookup to populate the table from whatever
// bootstrap peers answered, per spec.md §2's "new nodes contact [bootstrap]
// on startup" and the self-lookup the original performs once bootstrap
// peers are known. It also launches the periodic bucket-refresh loop when
// cfg.RefreshNeighboursInterval is set.
func (s *Service) Start(ctx context.Context, provider message.InfoProvider) {
	s.Message.Start()

	if s.Config.Monitor.EnableResponses && provider != nil {
		s.responder = message.NewResponder(s.Message, s.Key, s.Table, provider)
	}

	for _, b := range s.Config.BootstrapNodes {
		seed := kademlia.Peer{IP: b.IP, Port: b.Port}
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if _, ok := s.Core.Ping(pctx, seed); !ok {
			log.Debug("node: bootstrap seed unreachable", "ip", b.IP, "port", b.Port)
		}
		cancel()
	}

	if len(s.Config.BootstrapNodes) > 0 {
		lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		s.Core.Lookup(lctx, s.Key.NodeID())
		cancel()
	}

	if s.Config.RefreshNeighboursInterval > 0 {
		s.wg.Add(1)
		go s.refreshNeighbours()
	}
}

// refreshNeighbours periodically re-runs a self-lookup to keep routing
// buckets warm, matching the original's refresh_neighbours_interval thread.
func (s *Service) refreshNeighbours() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.Config.RefreshNeighboursInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.Config.RefreshNeighboursInterval)
			s.Core.Lookup(ctx, s.Key.NodeID())
			cancel()
		}
	}
}

// StartMonitor wires and launches a scheduled monitor against storage, if
// cfg.Monitor.EnableCrawler is set; a no-op otherwise. cfg.DisableDataTransfer
// forces bandwidth probing off regardless of opts.
func (s *Service) StartMonitor(ctx context.Context, storage monitor.StorageBackend, opts monitor.Options) {
	if !s.Config.Monitor.EnableCrawler {
		return
	}
	if s.Config.DisableDataTransfer {
		opts.SkipBandwidthTest = true
		opts.TestBandwidth = nil
	}
	s.monitor = monitor.New(ctx, s.Core, s.Message, s.Table, s.Key, storage, opts)
	s.monitor.Start()
}

// Crawl runs a single ad-hoc crawl using the service's own message layer,
// for callers wanting an immediate snapshot rather than a schedule.
func (s *Service) Crawl(ctx context.Context, opts crawl.Options, timeout time.Duration) map[identity.NodeID]*crawl.Record {
	c := crawl.New(s.Message, s.Table, s.Key, opts)
	return c.Crawl(ctx, timeout)
}

// Stop tears down every background loop and the transport socket.
func (s *Service) Stop() {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	close(s.stop)
	s.wg.Wait()
	s.Message.Stop()
	_ = s.Transport.Close()
}

// KnownPeers returns every peer currently held in the routing table, for
// callers that want a quick peer-count/liveness check without running a
// full crawl. Mirrors the original's get_known_peers.
func (s *Service) KnownPeers() []kademlia.Peer {
	return s.Table.AllPeers()
}

// HasPublicIP reports whether a bootstrap node has echoed back an
// externally-observed address for this node that differs from the address
// it bound locally, a weak signal that the node is reachable from outside
// its own network. Uses DIRECT rather than PING, since only DIRECT's reply
// carries the caller's address as observed by the responder (PING's reply
// self-identifies the responder instead, per its bootstrap-discovery role).
// Mirrors the original's sync_has_public_ip.
func (s *Service) HasPublicIP(ctx context.Context) bool {
	local := s.Transport.LocalAddr()
	for _, b := range s.Config.BootstrapNodes {
		seed := kademlia.Peer{IP: b.IP, Port: b.Port}
		dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		observed, ok := s.Core.Direct(dctx, seed, nil)
		cancel()
		if !ok {
			continue
		}
		if observed.IP != "" && observed.IP != local.IP.String() {
			return true
		}
	}
	return false
}
