package node

import (
	"context"
	"testing"
	"time"

	"github.com/storjnode/overlay/crawl"
	"github.com/storjnode/overlay/identity"
	"github.com/storjnode/overlay/message"
)

func testProvider() message.InfoProvider {
	return func() (message.StorageInfo, message.NetworkInfo, message.PlatformInfo) {
		return message.StorageInfo{Total: 1, Used: 0, Free: 1},
			message.NetworkInfo{TransportIP: "127.0.0.1"},
			message.PlatformInfo{System: "linux"}
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	key, err := identity.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := NewDefaultConfig()
	cfg.BootstrapNodes = nil
	cfg.Monitor.EnableCrawler = false
	s, err := New(key, cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestServiceBootstrapsAndDiscoversPeer(t *testing.T) {
	a := newTestService(t)
	b := newTestService(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a.Start(ctx, testProvider())
	b.Config.BootstrapNodes = []BootstrapNode{{IP: a.Transport.LocalAddr().IP.String(), Port: a.Transport.LocalAddr().Port}}
	b.Start(ctx, testProvider())

	if a.Table.Size() != 1 {
		t.Fatalf("expected a to learn b from bootstrap, got table size %d", a.Table.Size())
	}
}

func TestServiceCrawlFindsDirectNeighbor(t *testing.T) {
	a := newTestService(t)
	b := newTestService(t)

	a.Table.Insert(b.Core.Local())
	b.Table.Insert(a.Core.Local())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.Start(ctx, testProvider())
	b.Start(ctx, testProvider())

	opts := crawl.DefaultOptions()
	opts.WalkTimeoutBase = 50 * time.Millisecond
	result := a.Crawl(ctx, opts, 3*time.Second)
	if _, ok := result[b.Key.NodeID()]; !ok {
		t.Fatalf("expected b in the crawl result, got %v", result)
	}
}
