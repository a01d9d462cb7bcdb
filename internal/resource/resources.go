// Package resource bounds, caches and batches the daemon's use of
// external network tools.
//
// Resources bundles a connection Pool (concurrency limit and reuse
// accounting), a Cache (fingerprints, zone matches, network state), a
// Batcher (coalesced nmcli/bluetoothctl calls) and a Tasks manager
// (bounded background work with priority preemption). One Resources
// value is built at startup and passed to every component that needs
// it; none of these types are package globals.
package resource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blackwell-systems/netzone/internal/clock"
	"github.com/blackwell-systems/netzone/internal/command"
)

// Config gathers the settings for every resource.
type Config struct {
	MaxConcurrent  int           `yaml:"max_concurrent"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	// StaleAfter is how long a pooled connection may sit idle before
	// the periodic cleanup drops it.
	StaleAfter  time.Duration `yaml:"stale_after"`
	MaxTasks    int           `yaml:"max_tasks"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	Cache       CacheConfig   `yaml:"cache"`
	Batch       BatchConfig   `yaml:"batch"`
}

// DefaultConfig returns the stock resource settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  10,
		AcquireTimeout: 30 * time.Second,
		StaleAfter:     5 * time.Minute,
		MaxTasks:       5,
		TaskTimeout:    2 * time.Minute,
		Cache:          DefaultCacheConfig(),
		Batch:          DefaultBatchConfig(),
	}
}

// Resources is the shared handle to the pool, caches, batcher and task
// manager.
type Resources struct {
	Pool    *Pool
	Cache   *Cache
	Batcher *Batcher
	Tasks   *Tasks

	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New wires the resources together. Background loops start with Start.
func New(cfg Config, runner command.Runner, clk clock.Clock, logger *slog.Logger) *Resources {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool := NewPool(cfg.MaxConcurrent, cfg.AcquireTimeout, clk, logger)
	return &Resources{
		Pool:    pool,
		Cache:   NewCache(cfg.Cache, clk, logger),
		Batcher: NewBatcher(cfg.Batch, runner, pool, clk, logger),
		Tasks:   NewTasks(cfg.MaxTasks, cfg.TaskTimeout, clk, logger),
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
	}
}

// Start launches the cache sweeper, the batch flusher and the pool
// cleanup loop. They stop when ctx is done; Wait blocks until they have.
func (r *Resources) Start(ctx context.Context) {
	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		r.Cache.Run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.Batcher.Run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.runPoolCleanup(ctx)
	}()
}

func (r *Resources) runPoolCleanup(ctx context.Context) {
	if r.cfg.StaleAfter <= 0 {
		return
	}
	ticker := r.clock.NewTicker(r.cfg.StaleAfter)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Pool.CleanupStale(r.cfg.StaleAfter)
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until the background loops and tasks have exited.
func (r *Resources) Wait() {
	r.wg.Wait()
	r.Tasks.Wait()
}

// Stats is a point-in-time view of every resource.
type Stats struct {
	Pool            PoolMetrics `json:"pool" cbor:"pool"`
	PoolUtilization float64     `json:"pool_utilization" cbor:"pool_utilization"`
	Cache           CacheStats  `json:"cache" cbor:"cache"`
	CacheHitRate    float64     `json:"cache_hit_rate" cbor:"cache_hit_rate"`
	Tasks           TaskStats   `json:"tasks" cbor:"tasks"`
	BatchFlushes    uint64      `json:"batch_flushes" cbor:"batch_flushes"`
}

// Stats collects counters from every resource.
func (r *Resources) Stats() Stats {
	cs := r.Cache.Stats()
	return Stats{
		Pool:            r.Pool.Metrics(),
		PoolUtilization: r.Pool.Utilization(),
		Cache:           cs,
		CacheHitRate:    cs.HitRate(),
		Tasks:           r.Tasks.Stats(),
		BatchFlushes:    r.Batcher.Flushes(),
	}
}
