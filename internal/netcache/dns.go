// Package netcache keeps best-effort, per-network caches on disk: DNS
// benchmark results and the firewalld zone list. A cache that cannot be
// read starts empty; nothing here is allowed to fail daemon startup.
package netcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blackwell-systems/netzone/internal/clock"
	"github.com/blackwell-systems/netzone/internal/command"
	"github.com/blackwell-systems/netzone/internal/statefile"
)

const (
	// DNSFileName is the DNS benchmark cache inside the cache directory.
	DNSFileName = "dns_benchmark_cache.json"

	dnsFreshFor  = 24 * time.Hour
	dnsExpiresIn = 7 * 24 * time.Hour
)

// DNSServer is one benchmarked resolver.
type DNSServer struct {
	Name             string  `json:"name" cbor:"name"`
	IP               string  `json:"ip" cbor:"ip"`
	AverageLatencyMS float64 `json:"average_latency_ms" cbor:"average_latency_ms"`
	SuccessRate      float64 `json:"success_rate" cbor:"success_rate"`
	SupportsDoT      bool    `json:"supports_dot" cbor:"supports_dot"`
}

// DNSBenchmark is the benchmark result for one network.
type DNSBenchmark struct {
	NetworkID string      `json:"network_id" cbor:"network_id"`
	Timestamp time.Time   `json:"timestamp" cbor:"timestamp"`
	Servers   []DNSServer `json:"servers" cbor:"servers"`
}

// Fastest returns up to n servers ordered by latency.
func (b DNSBenchmark) Fastest(n int) []DNSServer {
	out := append([]DNSServer(nil), b.Servers...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AverageLatencyMS < out[j].AverageLatencyMS
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

type dnsFile struct {
	Caches map[string]DNSBenchmark `json:"caches"`
}

// DNSCache holds DNS benchmarks keyed by network identity. Entries are
// served for 24 hours and discarded by Cleanup after 7 days.
type DNSCache struct {
	path  string
	clock clock.Clock

	mu     sync.Mutex
	caches map[string]DNSBenchmark
}

// LoadDNS reads the cache at path, starting empty if it is missing or
// unreadable.
func LoadDNS(path string, clk clock.Clock, logger *slog.Logger) *DNSCache {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &DNSCache{path: path, clock: clk, caches: make(map[string]DNSBenchmark)}

	var f dnsFile
	if err := statefile.Read(path, &f); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("ignoring unreadable DNS cache", "path", path, "error", err)
		}
		return c
	}
	for k, v := range f.Caches {
		c.caches[k] = v
	}
	return c
}

// Get returns the benchmark for networkID if it is still fresh.
func (c *DNSCache) Get(networkID string) (DNSBenchmark, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.caches[networkID]
	if !ok || c.clock.Now().Sub(b.Timestamp) >= dnsFreshFor {
		return DNSBenchmark{}, false
	}
	return b, true
}

// Store records servers as the benchmark for networkID.
func (c *DNSCache) Store(networkID string, servers []DNSServer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caches[networkID] = DNSBenchmark{
		NetworkID: networkID,
		Timestamp: c.clock.Now(),
		Servers:   append([]DNSServer(nil), servers...),
	}
}

// Cleanup drops benchmarks older than a week and returns how many went.
func (c *DNSCache) Cleanup() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, b := range c.caches {
		if now.Sub(b.Timestamp) >= dnsExpiresIn {
			delete(c.caches, id)
			n++
		}
	}
	return n
}

// Entries returns every stored benchmark, fresh or not, by network ID.
func (c *DNSCache) Entries() []DNSBenchmark {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DNSBenchmark, 0, len(c.caches))
	for _, b := range c.caches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetworkID < out[j].NetworkID })
	return out
}

// Fresh reports whether b would still be served by Get.
func (c *DNSCache) Fresh(b DNSBenchmark) bool {
	return c.clock.Now().Sub(b.Timestamp) < dnsFreshFor
}

// Save writes the cache to disk.
func (c *DNSCache) Save() error {
	c.mu.Lock()
	f := dnsFile{Caches: make(map[string]DNSBenchmark, len(c.caches))}
	for k, v := range c.caches {
		f.Caches[k] = v
	}
	c.mu.Unlock()
	if err := statefile.Write(c.path, f); err != nil {
		return fmt.Errorf("failed to save DNS cache: %w", err)
	}
	return nil
}

// Clear empties the cache and removes its file.
func (c *DNSCache) Clear() error {
	c.mu.Lock()
	c.caches = make(map[string]DNSBenchmark)
	c.mu.Unlock()
	return statefile.Remove(c.path)
}

// NetworkID names the network the machine is on: the connected SSID
// from nmcli or iwctl, else "network_<gateway>" from the default route,
// else "default_network".
func NetworkID(ctx context.Context, runner command.Runner) string {
	if out, err := command.Output(ctx, runner, "nmcli", "-t", "-f", "active,ssid", "dev", "wifi"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			if ssid, ok := strings.CutPrefix(strings.TrimSpace(line), "yes:"); ok && ssid != "" {
				return ssid
			}
		}
	}

	if out, err := command.Output(ctx, runner, "iwctl", "station", "wlan0", "show"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			if strings.Contains(line, "Connected network") {
				if fields := strings.Fields(line); len(fields) > 0 {
					return fields[len(fields)-1]
				}
			}
		}
	}

	if out, err := command.Output(ctx, runner, "ip", "route", "show", "default"); err == nil {
		first, _, _ := strings.Cut(out, "\n")
		if fields := strings.Fields(first); len(fields) > 2 {
			return "network_" + fields[2]
		}
	}

	return "default_network"
}
