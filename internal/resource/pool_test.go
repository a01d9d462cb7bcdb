package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blackwell-systems/netzone/internal/clock"
)

var t0 = time.Date(2025, 5, 10, 18, 0, 0, 0, time.UTC)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPoolNeverExceedsCapacity(t *testing.T) {
	const maxConcurrent = 2
	p := NewPool(maxConcurrent, 5*time.Second, clock.Real(), nil)

	var (
		current, peak, started int32
		release                = make(chan struct{})
		wg                     sync.WaitGroup
	)
	for i := 0; i < maxConcurrent+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Execute(context.Background(), ConnSystemCommand, func(context.Context) error {
				atomic.AddInt32(&started, 1)
				n := atomic.AddInt32(&current, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				<-release
				atomic.AddInt32(&current, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Execute() error = %v", err)
			}
		}()
	}

	waitFor(t, "two operations to start", func() bool { return atomic.LoadInt32(&started) == maxConcurrent })
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&started); got != maxConcurrent {
		t.Errorf("started = %d while pool full, want %d", got, maxConcurrent)
	}
	if got := p.Utilization(); got != 100 {
		t.Errorf("Utilization() = %v, want 100", got)
	}

	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&peak); got != maxConcurrent {
		t.Errorf("peak concurrency = %d, want %d", got, maxConcurrent)
	}
	m := p.Metrics()
	if m.PeakConnections != maxConcurrent {
		t.Errorf("PeakConnections = %d, want %d", m.PeakConnections, maxConcurrent)
	}
	if m.ActiveConnections != 0 {
		t.Errorf("ActiveConnections = %d after completion, want 0", m.ActiveConnections)
	}
}

func TestPoolAcquireTimeout(t *testing.T) {
	fake := clock.Fake(t0)
	p := NewPool(1, 30*time.Second, fake, nil)

	hold := make(chan struct{})
	holding := make(chan struct{})
	go p.Execute(context.Background(), ConnWiFiScan, func(context.Context) error {
		close(holding)
		<-hold
		return nil
	})
	<-holding
	defer close(hold)

	ran := false
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Execute(context.Background(), ConnWiFiScan, func(context.Context) error {
			ran = true
			return nil
		})
	}()

	fake.BlockUntil(1)
	fake.Advance(30 * time.Second)

	err := <-errCh
	if !errors.Is(err, ErrPoolTimeout) {
		t.Fatalf("Execute() error = %v, want ErrPoolTimeout", err)
	}
	if ran {
		t.Error("operation ran despite timeout")
	}
	if got := p.Metrics().Timeouts; got != 1 {
		t.Errorf("Timeouts = %d, want 1", got)
	}
}

func TestPoolContendedAcquireStopsTimer(t *testing.T) {
	fake := clock.Fake(t0)
	p := NewPool(1, 30*time.Second, fake, nil)

	hold := make(chan struct{})
	holding := make(chan struct{})
	first := make(chan error, 1)
	go func() {
		first <- p.Execute(context.Background(), ConnWiFiScan, func(context.Context) error {
			close(holding)
			<-hold
			return nil
		})
	}()
	<-holding

	second := make(chan error, 1)
	go func() {
		second <- p.Execute(context.Background(), ConnWiFiScan, func(context.Context) error { return nil })
	}()

	fake.BlockUntil(1)
	close(hold)

	if err := <-first; err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if n := fake.Waiters(); n != 0 {
		t.Errorf("Waiters() = %d after acquire, want 0", n)
	}
	if got := p.Metrics().Timeouts; got != 0 {
		t.Errorf("Timeouts = %d, want 0", got)
	}
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	p := NewPool(1, time.Hour, clock.Real(), nil)
	hold := make(chan struct{})
	holding := make(chan struct{})
	go p.Execute(context.Background(), ConnSystemCommand, func(context.Context) error {
		close(holding)
		<-hold
		return nil
	})
	<-holding
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Execute(ctx, ConnSystemCommand, func(context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestPoolReuseLimits(t *testing.T) {
	fake := clock.Fake(t0)
	p := NewPool(4, time.Second, fake, nil)
	noop := func(context.Context) error { return nil }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p.Execute(ctx, ConnWiFiScan, noop)
	}
	m := p.Metrics()
	if m.TotalConnections != 1 || m.ReusedConnections != 2 {
		t.Errorf("after 3 scans: total=%d reused=%d, want 1 and 2", m.TotalConnections, m.ReusedConnections)
	}

	fake.Advance(31 * time.Second)
	p.Execute(ctx, ConnWiFiScan, noop)
	if got := p.Metrics().TotalConnections; got != 2 {
		t.Errorf("after max age: TotalConnections = %d, want 2", got)
	}

	// bluetooth_scan allows five uses.
	for i := 0; i < 6; i++ {
		p.Execute(ctx, ConnBluetoothScan, noop)
	}
	if got := p.Metrics().TotalConnections; got != 4 {
		t.Errorf("after usage limit: TotalConnections = %d, want 4", got)
	}
}

func TestPoolCountsErrors(t *testing.T) {
	p := NewPool(1, time.Second, clock.Real(), nil)
	boom := errors.New("boom")
	if err := p.Execute(context.Background(), "custom", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Execute() error = %v, want %v", err, boom)
	}
	if got := p.Metrics().Errors; got != 1 {
		t.Errorf("Errors = %d, want 1", got)
	}
}

func TestPoolCleanupStale(t *testing.T) {
	fake := clock.Fake(t0)
	p := NewPool(2, time.Second, fake, nil)
	noop := func(context.Context) error { return nil }

	p.Execute(context.Background(), ConnWiFiScan, noop)
	fake.Advance(4 * time.Minute)
	p.Execute(context.Background(), ConnSystemCommand, noop)
	fake.Advance(2 * time.Minute)

	if removed := p.CleanupStale(5 * time.Minute); removed != 1 {
		t.Errorf("CleanupStale() = %d, want 1", removed)
	}
	conns := p.Connections()
	if len(conns) != 1 || conns[0].Type != ConnSystemCommand {
		t.Errorf("Connections() = %+v, want only system_command", conns)
	}
}
