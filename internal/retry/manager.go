package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blackwell-systems/netzone/internal/clock"
	"github.com/blackwell-systems/netzone/internal/zone"
)

// Outcome is the terminal state of ExecuteWithRetry.
type Outcome int

const (
	Success Outcome = iota
	Failed
	MaxRetriesExceeded
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case MaxRetriesExceeded:
		return "max_retries_exceeded"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes how one action ended.
type Result struct {
	Outcome  Outcome
	Reason   string
	Attempts int
	Err      error
}

// FailedAction is an action waiting in the retry queue.
type FailedAction struct {
	Action       Action
	ZoneID       string
	AttemptCount int
	NextRetry    time.Time
	LastError    string
	FirstAttempt time.Time
}

// Report summarizes one batch of actions.
type Report struct {
	Total     int      `json:"total" cbor:"total"`
	Succeeded int      `json:"succeeded" cbor:"succeeded"`
	Skipped   int      `json:"skipped" cbor:"skipped"`
	Failed    int      `json:"failed" cbor:"failed"`
	Errors    []string `json:"errors,omitempty" cbor:"errors,omitempty"`
}

// OK reports whether nothing failed.
func (r Report) OK() bool { return r.Failed == 0 }

// RetryReport summarizes one ProcessRetries pass.
type RetryReport struct {
	Attempted int `json:"attempted" cbor:"attempted"`
	Succeeded int `json:"succeeded" cbor:"succeeded"`
	Requeued  int `json:"requeued" cbor:"requeued"`
	Dropped   int `json:"dropped" cbor:"dropped"`
}

// QueuedAction is the wire view of a FailedAction.
type QueuedAction struct {
	Kind         string    `json:"kind" cbor:"kind"`
	Target       string    `json:"target" cbor:"target"`
	ZoneID       string    `json:"zone_id" cbor:"zone_id"`
	AttemptCount int       `json:"attempt_count" cbor:"attempt_count"`
	NextRetry    time.Time `json:"next_retry" cbor:"next_retry"`
	LastError    string    `json:"last_error" cbor:"last_error"`
	FirstAttempt time.Time `json:"first_attempt" cbor:"first_attempt"`
}

// QueueStatus describes the retry queue.
type QueueStatus struct {
	Pending int            `json:"pending" cbor:"pending"`
	Due     int            `json:"due" cbor:"due"`
	Oldest  time.Time      `json:"oldest,omitempty" cbor:"oldest,omitempty"`
	Items   []QueuedAction `json:"items,omitempty" cbor:"items,omitempty"`
}

// Manager executes zone actions with retries and owns the deferred
// retry queue.
type Manager struct {
	runner ActionRunner
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	cfg       Config
	queue     []FailedAction
	onSuccess func(Action)
	onFailure func(FailedAction)
}

// NewManager returns a Manager that runs actions through runner.
func NewManager(cfg Config, runner ActionRunner, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{runner: runner, clock: clk, logger: logger, cfg: cfg}
}

// Config returns the active retry policy.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SetConfig replaces the retry policy. Queued items keep their
// scheduled times.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// OnSuccess registers a callback for actions that succeed, including
// queued retries.
func (m *Manager) OnSuccess(fn func(Action)) {
	m.mu.Lock()
	m.onSuccess = fn
	m.mu.Unlock()
}

// OnFailure registers a callback for actions dropped from the queue.
func (m *Manager) OnFailure(fn func(FailedAction)) {
	m.mu.Lock()
	m.onFailure = fn
	m.mu.Unlock()
}

// ExecuteZoneActions runs every action a zone asks for, in order,
// without stopping at failures. Wi-Fi and Bluetooth targets that are
// already connected are skipped. Actions that still fail after their
// retries are queued for ProcessRetries.
func (m *Manager) ExecuteZoneActions(ctx context.Context, za zone.Actions, zoneID string) Report {
	actions := FromActions(za)
	report := Report{Total: len(actions)}
	m.logger.Info("executing zone actions", "zone", zoneID, "total", report.Total)

	for i, a := range actions {
		if ctx.Err() != nil {
			report.Failed += len(actions) - i
			report.Errors = append(report.Errors, ctx.Err().Error())
			break
		}

		if m.runner.IsSatisfied(ctx, a) {
			m.logger.Debug("action already satisfied", "action", a.Kind(), "target", a.Target())
			report.Succeeded++
			report.Skipped++
			continue
		}

		res := m.ExecuteWithRetry(ctx, a)
		if res.Outcome == Success {
			report.Succeeded++
			continue
		}

		report.Failed++
		report.Errors = append(report.Errors, res.Reason)
		if errors.Is(res.Err, ErrUnsafeCommand) {
			continue
		}
		m.enqueue(a, zoneID, res.Reason)
	}

	m.logger.Info("zone actions finished",
		"zone", zoneID,
		"succeeded", report.Succeeded,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report
}

// ExecuteWithRetry runs a up to MaxRetries+1 times, sleeping Delay
// between attempts. Commands rejected by the safety policy fail
// without retrying.
func (m *Manager) ExecuteWithRetry(ctx context.Context, a Action) Result {
	cfg := m.Config()
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := m.runner.Execute(ctx, a)
		if err == nil {
			if attempt > 0 {
				m.logger.Info("action succeeded after retry", "action", a.Kind(), "target", a.Target(), "attempts", attempt+1)
			}
			m.succeeded(a)
			return Result{Outcome: Success, Attempts: attempt + 1}
		}
		lastErr = err

		if errors.Is(err, ErrUnsafeCommand) {
			return Result{Outcome: Failed, Reason: err.Error(), Attempts: attempt + 1, Err: err}
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := cfg.Delay(attempt)
		m.logger.Warn("action failed, retrying",
			"action", a.Kind(),
			"target", a.Target(),
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := clock.Sleep(ctx, m.clock, delay); err != nil {
			return Result{
				Outcome:  Failed,
				Reason:   fmt.Sprintf("interrupted: %v", err),
				Attempts: attempt + 1,
				Err:      lastErr,
			}
		}
	}

	return Result{
		Outcome:  MaxRetriesExceeded,
		Reason:   lastErr.Error(),
		Attempts: cfg.MaxRetries + 1,
		Err:      lastErr,
	}
}

func (m *Manager) enqueue(a Action, zoneID, lastErr string) {
	now := m.clock.Now()
	m.mu.Lock()
	m.queue = append(m.queue, FailedAction{
		Action:       a,
		ZoneID:       zoneID,
		NextRetry:    now.Add(m.cfg.BaseDelay),
		LastError:    lastErr,
		FirstAttempt: now,
	})
	n := len(m.queue)
	m.mu.Unlock()
	m.logger.Warn("action queued for retry", "action", a.Kind(), "target", a.Target(), "queued", n)
}

// ProcessRetries attempts each due queue item once. Failures are
// requeued with a longer delay until MaxRetries, then dropped.
func (m *Manager) ProcessRetries(ctx context.Context) RetryReport {
	now := m.clock.Now()

	m.mu.Lock()
	var due []FailedAction
	kept := m.queue[:0]
	for _, fa := range m.queue {
		if !fa.NextRetry.After(now) {
			due = append(due, fa)
		} else {
			kept = append(kept, fa)
		}
	}
	m.queue = kept
	cfg := m.cfg
	onFailure := m.onFailure
	m.mu.Unlock()

	var report RetryReport
	var requeue []FailedAction
	for _, fa := range due {
		if ctx.Err() != nil {
			requeue = append(requeue, fa)
			continue
		}
		report.Attempted++

		err := m.runner.Execute(ctx, fa.Action)
		if err == nil {
			m.logger.Info("queued action succeeded", "action", fa.Action.Kind(), "target", fa.Action.Target())
			m.succeeded(fa.Action)
			report.Succeeded++
			continue
		}

		fa.AttemptCount++
		fa.LastError = err.Error()
		if fa.AttemptCount < cfg.MaxRetries {
			fa.NextRetry = m.clock.Now().Add(cfg.Delay(fa.AttemptCount))
			requeue = append(requeue, fa)
			report.Requeued++
			continue
		}

		m.logger.Warn("dropping action after max retries",
			"action", fa.Action.Kind(),
			"target", fa.Action.Target(),
			"attempts", fa.AttemptCount,
			"error", err,
		)
		report.Dropped++
		if onFailure != nil {
			onFailure(fa)
		}
	}

	if len(requeue) > 0 {
		m.mu.Lock()
		m.queue = append(m.queue, requeue...)
		m.mu.Unlock()
	}
	return report
}

func (m *Manager) succeeded(a Action) {
	m.mu.Lock()
	fn := m.onSuccess
	m.mu.Unlock()
	if fn != nil {
		fn(a)
	}
}

// QueueStatus reports what is waiting in the retry queue.
func (m *Manager) QueueStatus() QueueStatus {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	st := QueueStatus{Pending: len(m.queue)}
	for _, fa := range m.queue {
		if !fa.NextRetry.After(now) {
			st.Due++
		}
		if st.Oldest.IsZero() || fa.FirstAttempt.Before(st.Oldest) {
			st.Oldest = fa.FirstAttempt
		}
		st.Items = append(st.Items, QueuedAction{
			Kind:         fa.Action.Kind(),
			Target:       fa.Action.Target(),
			ZoneID:       fa.ZoneID,
			AttemptCount: fa.AttemptCount,
			NextRetry:    fa.NextRetry,
			LastError:    fa.LastError,
			FirstAttempt: fa.FirstAttempt,
		})
	}
	return st
}

// Pending returns a copy of the queue.
func (m *Manager) Pending() []FailedAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FailedAction(nil), m.queue...)
}

// ClearQueue empties the retry queue and returns how many items it
// held.
func (m *Manager) ClearQueue() int {
	m.mu.Lock()
	n := len(m.queue)
	m.queue = nil
	m.mu.Unlock()
	if n > 0 {
		m.logger.Info("retry queue cleared", "removed", n)
	}
	return n
}
