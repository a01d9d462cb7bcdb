package resource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blackwell-systems/netzone/internal/clock"
	"github.com/blackwell-systems/netzone/internal/command"
)

// BatchConfig sets batch sizes and the maximum time a request may wait
// for its batch.
type BatchConfig struct {
	WiFiBatchSize      int           `yaml:"wifi_batch_size"`
	BluetoothBatchSize int           `yaml:"bluetooth_batch_size"`
	MaxBatchWait       time.Duration `yaml:"max_batch_wait"`
	// CheckInterval is how often queues are checked for stale batches.
	CheckInterval time.Duration `yaml:"check_interval"`
}

// DefaultBatchConfig returns the stock batch settings.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		WiFiBatchSize:      5,
		BluetoothBatchSize: 3,
		MaxBatchWait:       500 * time.Millisecond,
		CheckInterval:      100 * time.Millisecond,
	}
}

// WiFiOp is a queued Wi-Fi request kind.
type WiFiOp int

const (
	WiFiScan WiFiOp = iota
	WiFiConnect
	WiFiStatus
)

// BluetoothOp is a queued Bluetooth request kind.
type BluetoothOp int

const (
	BluetoothDevices BluetoothOp = iota
	BluetoothConnect
)

type batchResult struct {
	output string
	err    error
}

type pendingOp struct {
	kind     int
	arg      string
	queuedAt time.Time
	done     chan batchResult
}

type queue struct {
	name      string
	batchSize int
	ops       []pendingOp
}

// Batcher coalesces Wi-Fi and Bluetooth requests so that scans, status
// checks and device listings run once per batch no matter how many
// callers asked for them.
type Batcher struct {
	cfg    BatchConfig
	runner command.Runner
	pool   *Pool
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	wifi      queue
	bluetooth queue
	flushes   uint64
}

// NewBatcher returns a Batcher. pool may be nil.
func NewBatcher(cfg BatchConfig, runner command.Runner, pool *Pool, clk clock.Clock, logger *slog.Logger) *Batcher {
	if cfg.WiFiBatchSize < 1 {
		cfg.WiFiBatchSize = 1
	}
	if cfg.BluetoothBatchSize < 1 {
		cfg.BluetoothBatchSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		cfg:       cfg,
		runner:    runner,
		pool:      pool,
		clock:     clk,
		logger:    logger,
		wifi:      queue{name: "wifi", batchSize: cfg.WiFiBatchSize},
		bluetooth: queue{name: "bluetooth", batchSize: cfg.BluetoothBatchSize},
	}
}

// WiFi queues a Wi-Fi request and waits for its batch to run. For
// WiFiConnect arg is the SSID; it is ignored otherwise.
func (b *Batcher) WiFi(ctx context.Context, op WiFiOp, arg string) (string, error) {
	return b.submit(ctx, &b.wifi, int(op), arg)
}

// Bluetooth queues a Bluetooth request and waits for its batch to run.
// For BluetoothConnect arg is the device address.
func (b *Batcher) Bluetooth(ctx context.Context, op BluetoothOp, arg string) (string, error) {
	return b.submit(ctx, &b.bluetooth, int(op), arg)
}

func (b *Batcher) submit(ctx context.Context, q *queue, kind int, arg string) (string, error) {
	p := pendingOp{kind: kind, arg: arg, queuedAt: b.clock.Now(), done: make(chan batchResult, 1)}

	b.mu.Lock()
	q.ops = append(q.ops, p)
	var ready []pendingOp
	if len(q.ops) >= q.batchSize {
		ready = q.ops
		q.ops = nil
	}
	b.mu.Unlock()

	if ready != nil {
		go b.flush(context.WithoutCancel(ctx), q.name, ready)
	}

	select {
	case res := <-p.done:
		return res.output, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run flushes queues whose oldest request has waited longer than
// MaxBatchWait, checking every CheckInterval until ctx is done.
func (b *Batcher) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flushStale(ctx)
		case <-ctx.Done():
			b.Flush(context.Background())
			return
		}
	}
}

func (b *Batcher) flushStale(ctx context.Context) {
	now := b.clock.Now()

	b.mu.Lock()
	var wifi, bt []pendingOp
	if len(b.wifi.ops) > 0 && now.Sub(b.wifi.ops[0].queuedAt) >= b.cfg.MaxBatchWait {
		wifi, b.wifi.ops = b.wifi.ops, nil
	}
	if len(b.bluetooth.ops) > 0 && now.Sub(b.bluetooth.ops[0].queuedAt) >= b.cfg.MaxBatchWait {
		bt, b.bluetooth.ops = b.bluetooth.ops, nil
	}
	b.mu.Unlock()

	if wifi != nil {
		b.flush(ctx, "wifi", wifi)
	}
	if bt != nil {
		b.flush(ctx, "bluetooth", bt)
	}
}

// Flush runs every queued request now.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	wifi, bt := b.wifi.ops, b.bluetooth.ops
	b.wifi.ops, b.bluetooth.ops = nil, nil
	b.mu.Unlock()

	if len(wifi) > 0 {
		b.flush(ctx, "wifi", wifi)
	}
	if len(bt) > 0 {
		b.flush(ctx, "bluetooth", bt)
	}
}

// Pending returns the number of queued Wi-Fi and Bluetooth requests.
func (b *Batcher) Pending() (wifi, bluetooth int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.wifi.ops), len(b.bluetooth.ops)
}

// Flushes returns how many batches have been executed.
func (b *Batcher) Flushes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushes
}

func (b *Batcher) flush(ctx context.Context, name string, ops []pendingOp) {
	b.mu.Lock()
	b.flushes++
	b.mu.Unlock()

	b.logger.Debug("flushing batch", "queue", name, "size", len(ops))

	groups := make(map[int][]pendingOp)
	var order []int
	for _, op := range ops {
		if _, seen := groups[op.kind]; !seen {
			order = append(order, op.kind)
		}
		groups[op.kind] = append(groups[op.kind], op)
	}

	for _, kind := range order {
		group := groups[kind]
		switch name {
		case "wifi":
			b.runWiFi(ctx, WiFiOp(kind), group)
		default:
			b.runBluetooth(ctx, BluetoothOp(kind), group)
		}
	}
}

func (b *Batcher) runWiFi(ctx context.Context, op WiFiOp, group []pendingOp) {
	switch op {
	case WiFiScan:
		out, err := b.run(ctx, ConnWiFiScan, "nmcli", "-t", "-f", "SSID,SIGNAL,SECURITY", "dev", "wifi", "list")
		deliverAll(group, out, err)
	case WiFiStatus:
		out, err := b.run(ctx, ConnSystemCommand, "nmcli", "-t", "-f", "active,ssid", "dev", "wifi")
		deliverAll(group, out, err)
	case WiFiConnect:
		for _, p := range group {
			out, err := b.run(ctx, ConnSystemCommand, "nmcli", "device", "wifi", "connect", p.arg)
			p.done <- batchResult{out, err}
		}
	}
}

func (b *Batcher) runBluetooth(ctx context.Context, op BluetoothOp, group []pendingOp) {
	switch op {
	case BluetoothDevices:
		out, err := b.run(ctx, ConnBluetoothScan, "bluetoothctl", "devices")
		deliverAll(group, out, err)
	case BluetoothConnect:
		for _, p := range group {
			out, err := b.run(ctx, ConnSystemCommand, "bluetoothctl", "connect", p.arg)
			p.done <- batchResult{out, err}
		}
	}
}

func (b *Batcher) run(ctx context.Context, connType, program string, args ...string) (string, error) {
	if b.pool == nil {
		return command.Output(ctx, b.runner, program, args...)
	}
	var out string
	err := b.pool.Execute(ctx, connType, func(ctx context.Context) error {
		var err error
		out, err = command.Output(ctx, b.runner, program, args...)
		return err
	})
	return out, err
}

func deliverAll(group []pendingOp, out string, err error) {
	for _, p := range group {
		p.done <- batchResult{out, err}
	}
}
