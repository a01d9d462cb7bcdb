package netcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/blackwell-systems/netzone/internal/command"
)

// BenchProgram is the external resolver benchmark netzone drives.
const BenchProgram = "dns-bench"

// ErrNoReliableServers is returned when no benchmarked resolver answered
// every request.
var ErrNoReliableServers = errors.New("no reliable DNS servers found")

// dotProviders run DNS over TLS on their public resolvers.
var dotProviders = []string{
	"cloudflare", "google", "quad9", "nextdns",
	"adguard", "mullvad", "controld", "hagezi",
}

type benchResult struct {
	Name        string        `json:"name"`
	IP          string        `json:"ip"`
	SuccessRate float64       `json:"successful_requests_percentage"`
	Average     benchDuration `json:"average_duration"`
}

type benchDuration struct {
	Succeeded *struct {
		Secs  uint64 `json:"secs"`
		Nanos uint32 `json:"nanos"`
	} `json:"succeeded"`
	Failed string `json:"failed"`
}

// Benchmark runs dns-bench and returns the resolvers that answered every
// request, fastest first.
func Benchmark(ctx context.Context, runner command.Runner) ([]DNSServer, error) {
	out, err := command.Output(ctx, runner, BenchProgram, "--format", "json", "--skip-system-servers")
	if err != nil {
		return nil, fmt.Errorf("dns benchmark failed: %w", err)
	}
	return ParseBenchmark(out)
}

// ParseBenchmark reads dns-bench JSON output. Success rates come back
// as fractions.
func ParseBenchmark(out string) ([]DNSServer, error) {
	var results []benchResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		return nil, fmt.Errorf("failed to parse dns benchmark output: %w", err)
	}

	var servers []DNSServer
	for _, r := range results {
		if r.SuccessRate < 100 || r.Average.Succeeded == nil {
			continue
		}
		ms := float64(r.Average.Succeeded.Secs)*1000 + float64(r.Average.Succeeded.Nanos)/1e6
		servers = append(servers, DNSServer{
			Name:             r.Name,
			IP:               r.IP,
			AverageLatencyMS: ms,
			SuccessRate:      r.SuccessRate / 100,
			SupportsDoT:      supportsDoT(r.Name),
		})
	}
	if len(servers) == 0 {
		return nil, ErrNoReliableServers
	}
	sort.SliceStable(servers, func(i, j int) bool {
		return servers[i].AverageLatencyMS < servers[j].AverageLatencyMS
	})
	return servers, nil
}

func supportsDoT(name string) bool {
	name = strings.ToLower(name)
	for _, p := range dotProviders {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}
