// Package daemon runs the netzone scan loop and serves its control
// socket.
//
// A Daemon scans the Wi-Fi environment every scan interval, asks the
// zone manager whether the location changed, runs the new zone's
// actions through the retry manager and notifies the user. Lifecycle
// events (resume, Wi-Fi association, session unlock) trigger extra
// re-checks through the task manager. Control clients talk to it over a
// unix socket with the protocol in ipc.go.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackwell-systems/netzone/internal/clock"
	"github.com/blackwell-systems/netzone/internal/command"
	"github.com/blackwell-systems/netzone/internal/config"
	"github.com/blackwell-systems/netzone/internal/fingerprint"
	"github.com/blackwell-systems/netzone/internal/lifecycle"
	"github.com/blackwell-systems/netzone/internal/netcache"
	"github.com/blackwell-systems/netzone/internal/notify"
	"github.com/blackwell-systems/netzone/internal/resource"
	"github.com/blackwell-systems/netzone/internal/retry"
	"github.com/blackwell-systems/netzone/internal/store"
	"github.com/blackwell-systems/netzone/internal/zone"
)

// Task priorities for background work.
const (
	priorityResume   = resource.PreemptingPriority
	priorityRecheck  = 5
	priorityRetries  = 2
	priorityDNS      = 1
	retryTaskID      = "process-retries"
	dnsTaskID        = "dns-benchmark"
	recheckTaskType  = "zone_recheck"
	retryTaskType    = "retry_queue"
	dnsTaskType      = "dns_benchmark"
	fastestDNS       = 3
	manualZoneID     = "manual"
	intervalChanSize = 1
)

// Options are the daemon's collaborators. Config and Store are
// required; the rest default to the real implementations.
type Options struct {
	Config   *config.Config
	Store    *store.Store
	Runner   command.Runner
	Notifier notify.Notifier
	// Source overrides Wi-Fi scanning.
	Source zone.Source
	Clock  clock.Clock
	Logger *slog.Logger
}

// Daemon is the running netzone service.
type Daemon struct {
	store    *store.Store
	runner   command.Runner
	notifier notify.Notifier
	clock    clock.Clock
	logger   *slog.Logger

	res       *resource.Resources
	source    zone.Source
	zones     *zone.Manager
	retries   *retry.Manager
	lifecycle *lifecycle.Manager
	dns       *netcache.DNSCache

	dnsMu      sync.Mutex
	dnsNetwork string

	cfgMu sync.RWMutex
	cfg   *config.Config

	phase *phaseTracker
	// scanMu serializes scans and zone activations. It is held while
	// their external commands run; no shared state is guarded by it.
	scanMu     sync.Mutex
	intervalCh chan time.Duration
	started    time.Time
	monitoring atomic.Bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New wires a daemon from opts. Nothing runs until Run.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("daemon: config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("daemon: store is required")
	}
	cfg := opts.Config
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := opts.Runner
	if runner == nil {
		runner = command.NewExecRunner()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewDesktop(cfg.Notifications, runner, logger)
	}

	res := resource.New(cfg.Resources, runner, clk, logger.With("component", "resources"))

	source := opts.Source
	if source == nil {
		scanner := fingerprint.NewScanner(runner,
			fingerprint.WithClock(clk),
			fingerprint.WithLogger(logger.With("component", "scanner")),
			fingerprint.WithIWDDevice(cfg.Daemon.WiFiDevice),
		)
		source = newScanSource(scanner, res, cfg.Privacy())
	}

	executor := retry.NewExecutor(runner, res, logger.With("component", "executor"))

	return &Daemon{
		store:      opts.Store,
		runner:     runner,
		notifier:   notifier,
		clock:      clk,
		logger:     logger,
		res:        res,
		source:     source,
		zones:      zone.NewManager(opts.Store, source, res.Cache, clk, logger.With("component", "zones")),
		retries:    retry.NewManager(cfg.Retry, executor, clk, logger.With("component", "retry")),
		lifecycle:  lifecycle.NewManager(cfg.LifecycleSettings(), runner, clk, logger.With("component", "lifecycle")),
		dns:        netcache.LoadDNS(filepath.Join(cfg.Paths.CacheDir, netcache.DNSFileName), clk, logger),
		cfg:        cfg,
		phase:      newPhaseTracker(clk.Now()),
		intervalCh: make(chan time.Duration, intervalChanSize),
	}, nil
}

func (d *Daemon) config() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Run starts every component and blocks until the scan loop or the IPC
// server stops, a client asks for shutdown, or ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.cancelMu.Lock()
	d.cancel = cancel
	d.cancelMu.Unlock()

	if sock := d.config().Daemon.SocketPath; IsListening(sock) {
		return fmt.Errorf("%w (socket: %s)", ErrAlreadyRunning, sock)
	}

	d.started = d.clock.Now()
	if err := d.zones.Load(ctx); err != nil {
		return err
	}
	if id := d.lifecycle.State().CurrentZoneID; id != "" && d.zones.Restore(id) {
		d.logger.Info("restored current zone", "zone", id)
	}
	d.pruneHistory(ctx)
	if n := d.dns.Cleanup(); n > 0 {
		if err := d.dns.Save(); err != nil {
			d.logger.Warn("failed to save DNS cache", "error", err)
		}
	}

	d.res.Start(ctx)
	d.lifecycle.RegisterDefaults(d.recheck)
	if err := d.lifecycle.Start(ctx); err != nil {
		d.logger.Warn("lifecycle start failed", "error", err)
	}

	server := NewServer(d.config().Daemon.SocketPath, d.logger.With("component", "ipc"))
	d.register(server)

	d.monitoring.Store(true)
	d.logger.Info("daemon started",
		"zones", d.zones.Len(),
		"scan_interval", d.config().Daemon.ScanInterval,
		"socket", d.config().Daemon.SocketPath,
	)

	done := make(chan error, 2)
	go func() { done <- d.scanLoop(ctx) }()
	go func() { done <- server.Serve(ctx) }()

	var err error
	pending := 2
	select {
	case err = <-done:
		pending--
	case <-ctx.Done():
	}

	d.monitoring.Store(false)
	d.setPhase(PhaseShuttingDown)
	cancel()
	for ; pending > 0; pending-- {
		if e := <-done; err == nil {
			err = e
		}
	}

	if err := d.lifecycle.Shutdown(context.Background()); err != nil {
		d.logger.Warn("failed to save lifecycle state", "error", err)
	}
	d.lifecycle.Wait()
	d.res.Wait()

	d.logger.Info("daemon stopped")
	return err
}

// Shutdown asks Run to return.
func (d *Daemon) Shutdown() {
	d.cancelMu.Lock()
	cancel := d.cancel
	d.cancelMu.Unlock()
	if cancel != nil {
		d.logger.Info("shutdown requested")
		cancel()
	}
}

// Reload applies a new configuration. The scan interval, privacy mode
// and retry policy take effect immediately; other settings need a
// restart.
func (d *Daemon) Reload(cfg *config.Config) {
	d.cfgMu.Lock()
	old := d.cfg
	d.cfg = cfg
	d.cfgMu.Unlock()

	d.retries.SetConfig(cfg.Retry)
	if s, ok := d.source.(*scanSource); ok {
		s.setMode(cfg.Privacy())
	}
	if cfg.Daemon.ScanInterval != old.Daemon.ScanInterval {
		select {
		case <-d.intervalCh:
		default:
		}
		d.intervalCh <- cfg.Daemon.ScanInterval
	}
	if cfg.Daemon.SocketPath != old.Daemon.SocketPath || cfg.Paths != old.Paths {
		d.logger.Warn("path changes take effect after restart")
	}

	d.logger.Info("configuration applied",
		"scan_interval", cfg.Daemon.ScanInterval,
		"privacy_mode", cfg.Daemon.PrivacyMode,
		"max_retries", cfg.Retry.MaxRetries,
	)
}

func (d *Daemon) scanLoop(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.config().Daemon.ScanInterval)
	defer func() { ticker.Stop() }()

	d.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case iv := <-d.intervalCh:
			ticker.Stop()
			ticker = d.clock.NewTicker(iv)
			d.logger.Info("scan interval changed", "interval", iv)
		case <-ticker.C:
			d.cycle(ctx)
		}
	}
}

func (d *Daemon) cycle(ctx context.Context) {
	d.scheduleRetries(ctx)
	d.checkLocation(ctx)
}

// checkLocation runs one detection pass. Scans never overlap.
func (d *Daemon) checkLocation(ctx context.Context) {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()

	if d.zones.Len() == 0 {
		d.logger.Debug("no zones configured, skipping scan")
		return
	}
	if ctx.Err() != nil {
		return
	}

	d.setPhase(PhaseScanning)
	change, err := d.zones.DetectLocationChange(ctx)
	if err != nil {
		d.logger.Warn("location detection failed", "error", err)
		d.setPhase(PhaseIdle)
		return
	}
	if change == nil {
		d.setPhase(PhaseNoChange)
		d.setPhase(PhaseIdle)
		return
	}

	d.setPhase(PhaseZoneChanged)
	d.applyChange(ctx, change)
	d.setPhase(PhaseIdle)
}

// applyChange records the new zone, runs its actions and notifies.
func (d *Daemon) applyChange(ctx context.Context, change *zone.LocationChange) retry.Report {
	d.lifecycle.UpdateCurrentZone(change.To.ID, change.Confidence)
	if err := d.lifecycle.Save(); err != nil {
		d.logger.Warn("failed to save lifecycle state", "error", err)
	}

	report := d.retries.ExecuteZoneActions(ctx, change.SuggestedActions, change.To.ID)

	if change.SuggestedActions.Notifications {
		from := ""
		if change.From != nil {
			from = change.From.Name
		}
		d.notify(ctx, notify.ZoneChanged(from, change.To.Name, change.Confidence))
		if !report.OK() {
			d.notify(ctx, notify.ActionsFailed(change.To.Name, report.Errors))
		}
	}
	if d.config().Daemon.UseDNSCache {
		d.scheduleDNS(ctx)
	}
	return report
}

// scheduleDNS refreshes the DNS benchmark for the new network in the
// background at the lowest priority.
func (d *Daemon) scheduleDNS(ctx context.Context) {
	err := d.res.Tasks.Submit(ctx, dnsTaskID, dnsTaskType, priorityDNS, func(ctx context.Context) error {
		_, err := d.refreshDNS(ctx)
		return err
	})
	if err != nil {
		d.logger.Debug("dns benchmark not scheduled", "error", err)
	}
}

// refreshDNS identifies the current network and returns its DNS
// benchmark, running dns-bench when the cached one is missing or stale.
func (d *Daemon) refreshDNS(ctx context.Context) (netcache.DNSBenchmark, error) {
	network := netcache.NetworkID(ctx, d.runner)
	d.dnsMu.Lock()
	d.dnsNetwork = network
	d.dnsMu.Unlock()

	if b, ok := d.dns.Get(network); ok {
		d.logger.Debug("dns benchmark still fresh", "network", network)
		return b, nil
	}

	var servers []netcache.DNSServer
	err := d.res.Pool.Execute(ctx, resource.ConnSystemCommand, func(ctx context.Context) error {
		var err error
		servers, err = netcache.Benchmark(ctx, d.runner)
		return err
	})
	if err != nil {
		d.logger.Debug("dns benchmark failed", "network", network, "error", err)
		return netcache.DNSBenchmark{}, err
	}

	d.dns.Store(network, servers)
	d.dns.Cleanup()
	if err := d.dns.Save(); err != nil {
		d.logger.Warn("failed to save DNS cache", "error", err)
	}
	fastest := servers[0]
	d.logger.Info("dns benchmark complete",
		"network", network,
		"servers", len(servers),
		"fastest", fastest.Name,
		"latency_ms", fastest.AverageLatencyMS,
	)
	b, _ := d.dns.Get(network)
	return b, nil
}

func (d *Daemon) notify(ctx context.Context, msg notify.Message) {
	if err := d.notifier.Notify(ctx, msg); err != nil {
		d.logger.Warn("failed to send notification", "title", msg.Title, "error", err)
	}
}

// recheck is the lifecycle callback: it schedules a detection pass after
// delay on the task manager.
func (d *Daemon) recheck(ctx context.Context, reason string, delay time.Duration) {
	priority := uint8(priorityRecheck)
	if reason == "resume" {
		priority = priorityResume
	}
	err := d.res.Tasks.Submit(ctx, "recheck-"+reason, recheckTaskType, priority, func(ctx context.Context) error {
		if err := clock.Sleep(ctx, d.clock, delay); err != nil {
			return err
		}
		d.logger.Info("re-checking zone", "reason", reason)
		d.checkLocation(ctx)
		return nil
	})
	if err != nil {
		d.logger.Debug("zone re-check not scheduled", "reason", reason, "error", err)
	}
}

// scheduleRetries hands due retry-queue work to the task manager at low
// priority.
func (d *Daemon) scheduleRetries(ctx context.Context) {
	if st := d.retries.QueueStatus(); st.Due == 0 {
		return
	}
	err := d.res.Tasks.Submit(ctx, retryTaskID, retryTaskType, priorityRetries, func(ctx context.Context) error {
		r := d.retries.ProcessRetries(ctx)
		d.logger.Info("processed retry queue",
			"attempted", r.Attempted,
			"succeeded", r.Succeeded,
			"requeued", r.Requeued,
			"dropped", r.Dropped,
		)
		return nil
	})
	if err != nil {
		d.logger.Debug("retry processing not scheduled", "error", err)
	}
}

func (d *Daemon) pruneHistory(ctx context.Context) {
	keep := d.config().Daemon.HistoryRetention
	if keep <= 0 {
		return
	}
	n, err := d.store.PruneChanges(ctx, d.clock.Now().Add(-keep))
	if err != nil {
		d.logger.Warn("failed to prune zone history", "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("pruned zone history", "removed", n)
	}
}

func (d *Daemon) setPhase(p Phase) {
	if err := d.phase.set(p, d.clock.Now()); err != nil {
		d.logger.Debug("phase not changed", "error", err)
	}
}

// Status is the daemon's self-report.
type Status struct {
	Monitoring         bool           `json:"monitoring" cbor:"monitoring"`
	Phase              Phase          `json:"phase" cbor:"phase"`
	PhaseSince         time.Time      `json:"phase_since" cbor:"phase_since"`
	ZoneCount          int            `json:"zone_count" cbor:"zone_count"`
	ActiveZoneID       string         `json:"active_zone_id,omitempty" cbor:"active_zone_id,omitempty"`
	ActiveZoneName     string         `json:"active_zone_name,omitempty" cbor:"active_zone_name,omitempty"`
	LastScan           time.Time      `json:"last_scan,omitempty" cbor:"last_scan,omitempty"`
	TotalZoneChanges   uint64         `json:"total_zone_changes" cbor:"total_zone_changes"`
	UptimeSeconds      uint64         `json:"uptime_seconds" cbor:"uptime_seconds"`
	PrivacyMode        string         `json:"privacy_mode" cbor:"privacy_mode"`
	ScanInterval       time.Duration  `json:"scan_interval" cbor:"scan_interval"`
	RetryQueue         int            `json:"retry_queue" cbor:"retry_queue"`
	SuspendResumeCount uint32         `json:"suspend_resume_count" cbor:"suspend_resume_count"`
	Resources          resource.Stats `json:"resources" cbor:"resources"`
	// DNSNetwork is the network last benchmarked; FastestDNS holds its
	// quickest resolvers while the benchmark is fresh.
	DNSNetwork string               `json:"dns_network,omitempty" cbor:"dns_network,omitempty"`
	FastestDNS []netcache.DNSServer `json:"fastest_dns,omitempty" cbor:"fastest_dns,omitempty"`
}

// Status reports what the daemon is doing.
func (d *Daemon) Status() Status {
	zs := d.zones.Stats()
	phase, since := d.phase.get()
	cfg := d.config()

	st := Status{
		Monitoring:         d.monitoring.Load(),
		Phase:              phase,
		PhaseSince:         since,
		ZoneCount:          zs.Zones,
		ActiveZoneID:       zs.ActiveZoneID,
		LastScan:           zs.LastScan,
		TotalZoneChanges:   zs.TotalChanges,
		PrivacyMode:        cfg.Privacy().String(),
		ScanInterval:       cfg.Daemon.ScanInterval,
		RetryQueue:         d.retries.QueueStatus().Pending,
		SuspendResumeCount: d.lifecycle.State().SuspendResumeCount,
		Resources:          d.res.Stats(),
	}
	if !d.started.IsZero() {
		st.UptimeSeconds = uint64(d.clock.Now().Sub(d.started) / time.Second)
	}
	if z, ok := d.zones.ActiveZone(); ok {
		st.ActiveZoneName = z.Name
	}
	d.dnsMu.Lock()
	st.DNSNetwork = d.dnsNetwork
	d.dnsMu.Unlock()
	if b, ok := d.dns.Get(st.DNSNetwork); ok && st.DNSNetwork != "" {
		st.FastestDNS = b.Fastest(fastestDNS)
	}
	return st
}

// CurrentLocation returns the latest fingerprint, scanning when the
// cached one has expired.
func (d *Daemon) CurrentLocation(ctx context.Context) (fingerprint.Fingerprint, error) {
	if s, ok := d.source.(*scanSource); ok {
		return s.Current(ctx)
	}
	return d.source.Fingerprint(ctx)
}

// Activation is the result of a manual zone activation.
type Activation struct {
	Change zone.LocationChange `json:"change" cbor:"change"`
	Report retry.Report        `json:"report" cbor:"report"`
	// Warning is set when some actions failed.
	Warning string `json:"warning,omitempty" cbor:"warning,omitempty"`
}

// ActivateZone makes the zone identified by ID or name current and runs
// its actions.
func (d *Daemon) ActivateZone(ctx context.Context, ref string) (Activation, error) {
	z, err := d.zones.Zone(ref)
	if err != nil {
		return Activation{}, err
	}

	d.scanMu.Lock()
	defer d.scanMu.Unlock()

	change, err := d.zones.ActivateZone(ctx, z.ID)
	if err != nil {
		return Activation{}, err
	}
	report := d.applyChange(ctx, change)

	act := Activation{Change: *change, Report: report}
	if !report.OK() {
		act.Warning = notify.ActionsFailed(z.Name, report.Errors).Body
	}
	return act, nil
}

// ExecuteActions runs an ad-hoc action set.
func (d *Daemon) ExecuteActions(ctx context.Context, actions zone.Actions) retry.Report {
	id := manualZoneID
	if z, ok := d.zones.ActiveZone(); ok {
		id = z.ID
	}
	return d.retries.ExecuteZoneActions(ctx, actions, id)
}

// History returns the most recent zone changes.
func (d *Daemon) History(ctx context.Context, limit int) ([]*store.HistoryEntry, error) {
	entries, err := d.store.ListChanges(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read zone history: %w", err)
	}
	return entries, nil
}
