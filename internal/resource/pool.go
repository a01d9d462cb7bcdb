package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/blackwell-systems/netzone/internal/clock"
)

// ErrPoolTimeout is returned when no permit became free within the
// pool's acquire timeout.
var ErrPoolTimeout = errors.New("timed out waiting for a connection permit")

// Connection types with their own reuse limits.
const (
	ConnWiFiScan      = "wifi_scan"
	ConnBluetoothScan = "bluetooth_scan"
	ConnSystemCommand = "system_command"
)

type reuseLimit struct {
	maxAge   time.Duration
	maxUsage uint64
}

var reuseLimits = map[string]reuseLimit{
	ConnWiFiScan:      {30 * time.Second, 10},
	ConnBluetoothScan: {20 * time.Second, 5},
	ConnSystemCommand: {60 * time.Second, 20},
}

var defaultReuseLimit = reuseLimit{45 * time.Second, 15}

func limitFor(connType string) reuseLimit {
	if l, ok := reuseLimits[connType]; ok {
		return l
	}
	return defaultReuseLimit
}

// PooledConnection is a reusable execution context for one kind of
// external command.
type PooledConnection struct {
	Type       string    `json:"connection_type" cbor:"connection_type"`
	CreatedAt  time.Time `json:"created_at" cbor:"created_at"`
	LastUsed   time.Time `json:"last_used" cbor:"last_used"`
	UsageCount uint64    `json:"usage_count" cbor:"usage_count"`
}

func (c *PooledConnection) reusable(now time.Time) bool {
	l := limitFor(c.Type)
	return now.Sub(c.CreatedAt) < l.maxAge && c.UsageCount < l.maxUsage
}

// PoolMetrics counts pool activity since construction.
type PoolMetrics struct {
	TotalConnections  uint64 `json:"total_connections" cbor:"total_connections"`
	ActiveConnections int    `json:"active_connections" cbor:"active_connections"`
	PeakConnections   int    `json:"peak_connections" cbor:"peak_connections"`
	ReusedConnections uint64 `json:"reused_connections" cbor:"reused_connections"`
	Timeouts          uint64 `json:"timeouts" cbor:"timeouts"`
	Errors            uint64 `json:"errors" cbor:"errors"`
}

// Pool bounds how many external commands run at once.
type Pool struct {
	sem            chan struct{}
	acquireTimeout time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	mu      sync.Mutex
	conns   map[string]*PooledConnection
	metrics PoolMetrics
}

// NewPool returns a pool allowing maxConcurrent operations at once.
func NewPool(maxConcurrent int, acquireTimeout time.Duration, clk clock.Clock, logger *slog.Logger) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sem:            make(chan struct{}, maxConcurrent),
		acquireTimeout: acquireTimeout,
		clock:          clk,
		logger:         logger,
		conns:          make(map[string]*PooledConnection),
	}
}

// Execute runs op while holding a permit. It waits at most the acquire
// timeout for a permit.
func (p *Pool) Execute(ctx context.Context, connType string, op func(ctx context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()

	p.checkout(connType)

	if err := op(ctx); err != nil {
		p.mu.Lock()
		p.metrics.Errors++
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Pool) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
	default:
		timer := p.clock.NewTimer(p.acquireTimeout)
		defer timer.Stop()
		select {
		case p.sem <- struct{}{}:
		case <-timer.C:
			p.mu.Lock()
			p.metrics.Timeouts++
			p.mu.Unlock()
			return fmt.Errorf("%w after %v", ErrPoolTimeout, p.acquireTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	p.metrics.ActiveConnections++
	if p.metrics.ActiveConnections > p.metrics.PeakConnections {
		p.metrics.PeakConnections = p.metrics.ActiveConnections
	}
	p.mu.Unlock()
	return nil
}

func (p *Pool) release() {
	p.mu.Lock()
	p.metrics.ActiveConnections--
	p.mu.Unlock()
	<-p.sem
}

// checkout reuses the connection for connType when still within its
// limits, otherwise replaces it with a fresh one.
func (p *Pool) checkout(connType string) {
	now := p.clock.Now()
	key := fmt.Sprintf("%s_%d", connType, os.Getpid())

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[key]; ok && c.reusable(now) {
		c.UsageCount++
		c.LastUsed = now
		p.metrics.ReusedConnections++
		return
	}
	p.conns[key] = &PooledConnection{Type: connType, CreatedAt: now, LastUsed: now, UsageCount: 1}
	p.metrics.TotalConnections++
}

// CleanupStale drops pooled connections idle for longer than maxIdle
// and returns how many were removed.
func (p *Pool) CleanupStale(maxIdle time.Duration) int {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, c := range p.conns {
		if now.Sub(c.LastUsed) > maxIdle {
			delete(p.conns, key)
			removed++
		}
	}
	if removed > 0 {
		p.logger.Debug("removed stale pooled connections", "count", removed)
	}
	return removed
}

// Connections returns a copy of the pooled connections.
func (p *Pool) Connections() []PooledConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PooledConnection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, *c)
	}
	return out
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// Utilization is the share of permits in use, as a percentage.
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	active := p.metrics.ActiveConnections
	p.mu.Unlock()
	return float64(active) / float64(cap(p.sem)) * 100
}

// Capacity is the maximum number of concurrent operations.
func (p *Pool) Capacity() int {
	return cap(p.sem)
}
