// Package node assembles identity, routing, transport, and messaging into
// one long-lived Service, resolving the cyclic node<->protocol<->routing
// ownership spec.md §9 calls out: a single owning root with protocol and
// routing holding plain (non-owning) back-references to it.
package node

import "time"

// BootstrapNode is a well-known (ip, port) seed contacted on startup, per
// spec.md §6's `network.bootstrap_nodes`.
type BootstrapNode struct {
	IP   string
	Port int
}

// MonitorConfig groups the `network.monitor.*` options.
type MonitorConfig struct {
	EnableCrawler   bool
	EnableResponses bool
}

// Config mirrors spec.md §6's recognized configuration surface.
type Config struct {
	BindIP                    string
	Port                      int
	BootstrapNodes            []BootstrapNode
	KSize                     int
	MaxMessages               int
	MaxHopLimit               int
	MessagesHistoryLimit      int
	RefreshNeighboursInterval time.Duration
	Monitor                   MonitorConfig
	DisableDataTransfer       bool
	Storage                   map[string]interface{}
}

// DefaultBootstrapNodes documents the shape of the hardcoded seed list
// spec.md §6 calls for; operators are expected to supply their own
// reachable seeds via Config.BootstrapNodes; these are illustrative
// placeholders in the IPv4 documentation range (RFC 5737).
var DefaultBootstrapNodes = []BootstrapNode{
	{IP: "203.0.113.1", Port: 4653},
	{IP: "203.0.113.2", Port: 4653},
}

// NewDefaultConfig returns spec.md §6's documented defaults.
func NewDefaultConfig() Config {
	return Config{
		BindIP:                    "127.0.0.1",
		Port:                      0,
		BootstrapNodes:            DefaultBootstrapNodes,
		KSize:                     20,
		MaxMessages:               128,
		MaxHopLimit:               10,
		MessagesHistoryLimit:      1024,
		RefreshNeighboursInterval: time.Hour,
		Monitor: MonitorConfig{
			EnableCrawler:   false,
			EnableResponses: true,
		},
		DisableDataTransfer: false,
	}
}
