package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/blackwell-systems/netzone/internal/clock"
)

// ErrTaskCapacity is returned when the task manager is full and the
// new task cannot preempt anything.
var ErrTaskCapacity = errors.New("task manager at capacity")

// ErrDuplicateTask is returned when a task with the same ID is running.
var ErrDuplicateTask = errors.New("task already running")

const (
	// PreemptingPriority is the lowest priority allowed to cancel
	// running work when the manager is full.
	PreemptingPriority uint8 = 8
	// PreemptiblePriority is the highest priority that may be cancelled
	// to make room.
	PreemptiblePriority uint8 = 3

	subscriberBuffer = 100
)

// TaskStatus is the terminal state of a task.
type TaskStatus string

const (
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
	TaskTimeout TaskStatus = "timeout"
)

// TaskInfo describes a running task.
type TaskInfo struct {
	ID        string    `json:"id" cbor:"id"`
	Type      string    `json:"type" cbor:"type"`
	Priority  uint8     `json:"priority" cbor:"priority"`
	StartedAt time.Time `json:"started_at" cbor:"started_at"`
}

// TaskEvent is broadcast when a task finishes.
type TaskEvent struct {
	ID       string
	Type     string
	Status   TaskStatus
	Err      error
	Duration time.Duration
}

// TaskStats summarizes task manager activity.
type TaskStats struct {
	Running   int    `json:"running" cbor:"running"`
	Capacity  int    `json:"capacity" cbor:"capacity"`
	Submitted uint64 `json:"submitted" cbor:"submitted"`
	Completed uint64 `json:"completed" cbor:"completed"`
	Failed    uint64 `json:"failed" cbor:"failed"`
	TimedOut  uint64 `json:"timed_out" cbor:"timed_out"`
	Rejected  uint64 `json:"rejected" cbor:"rejected"`
	Preempted uint64 `json:"preempted" cbor:"preempted"`
}

type task struct {
	info   TaskInfo
	cancel context.CancelFunc
}

// Tasks runs a bounded number of background tasks. When full, a task
// with priority >= PreemptingPriority cancels enough tasks with
// priority <= PreemptiblePriority to make room.
type Tasks struct {
	max     int
	timeout time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]*task
	subs    map[int]chan TaskEvent
	nextSub int
	stats   TaskStats
	wg      sync.WaitGroup
}

// NewTasks returns a manager running at most max tasks. A task still
// running after timeout has its context cancelled; zero disables the
// per-task timeout.
func NewTasks(max int, timeout time.Duration, clk clock.Clock, logger *slog.Logger) *Tasks {
	if max < 1 {
		max = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tasks{
		max:     max,
		timeout: timeout,
		clock:   clk,
		logger:  logger,
		running: make(map[string]*task),
		subs:    make(map[int]chan TaskEvent),
	}
}

// Submit starts fn in the background.
func (t *Tasks) Submit(ctx context.Context, id, taskType string, priority uint8, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	if _, dup := t.running[id]; dup {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	if len(t.running) >= t.max {
		if priority < PreemptingPriority || !t.preemptLocked(len(t.running)-t.max+1) {
			t.stats.Rejected++
			t.mu.Unlock()
			return fmt.Errorf("%w (%d running)", ErrTaskCapacity, t.max)
		}
	}

	var taskCtx context.Context
	var cancel context.CancelFunc
	if t.timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, t.timeout)
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	tk := &task{
		info:   TaskInfo{ID: id, Type: taskType, Priority: priority, StartedAt: t.clock.Now()},
		cancel: cancel,
	}
	t.running[id] = tk
	t.stats.Submitted++
	t.wg.Add(1)
	t.mu.Unlock()

	go t.run(taskCtx, tk, fn)
	return nil
}

// preemptLocked cancels the n lowest priority preemptible tasks. It
// cancels nothing and returns false when fewer than n are eligible.
func (t *Tasks) preemptLocked(n int) bool {
	var victims []*task
	for _, tk := range t.running {
		if tk.info.Priority <= PreemptiblePriority {
			victims = append(victims, tk)
		}
	}
	if len(victims) < n {
		return false
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].info.Priority != victims[j].info.Priority {
			return victims[i].info.Priority < victims[j].info.Priority
		}
		return victims[i].info.StartedAt.After(victims[j].info.StartedAt)
	})
	for _, v := range victims[:n] {
		v.cancel()
		delete(t.running, v.info.ID)
		t.stats.Preempted++
		t.logger.Debug("preempted task", "id", v.info.ID, "priority", v.info.Priority)
	}
	return true
}

func (t *Tasks) run(ctx context.Context, tk *task, fn func(ctx context.Context) error) {
	defer t.wg.Done()
	defer tk.cancel()

	err := fn(ctx)

	ev := TaskEvent{
		ID:       tk.info.ID,
		Type:     tk.info.Type,
		Err:      err,
		Duration: t.clock.Now().Sub(tk.info.StartedAt),
	}
	switch {
	case err == nil:
		ev.Status = TaskSuccess
	case errors.Is(err, context.DeadlineExceeded):
		ev.Status = TaskTimeout
	default:
		ev.Status = TaskFailed
	}

	t.mu.Lock()
	// A preempted task was already removed; a new task may have reused
	// its ID since.
	if cur, ok := t.running[tk.info.ID]; ok && cur == tk {
		delete(t.running, tk.info.ID)
	}
	switch ev.Status {
	case TaskSuccess:
		t.stats.Completed++
	case TaskTimeout:
		t.stats.TimedOut++
	default:
		t.stats.Failed++
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	t.mu.Unlock()
}

// Subscribe returns a channel receiving completion events and a
// function to stop receiving. Slow subscribers miss events rather than
// block task completion.
func (t *Tasks) Subscribe() (<-chan TaskEvent, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	ch := make(chan TaskEvent, subscriberBuffer)
	t.subs[id] = ch
	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
}

// Cancel stops tracking the task and cancels its context.
func (t *Tasks) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.running[id]
	if !ok {
		return false
	}
	tk.cancel()
	delete(t.running, id)
	return true
}

// Running returns every tracked task, oldest first.
func (t *Tasks) Running() []TaskInfo {
	return t.filter(func(TaskInfo) bool { return true })
}

// ByType returns running tasks of the given type.
func (t *Tasks) ByType(taskType string) []TaskInfo {
	return t.filter(func(i TaskInfo) bool { return i.Type == taskType })
}

// ByPriority returns running tasks with priority in [min, max].
func (t *Tasks) ByPriority(min, max uint8) []TaskInfo {
	return t.filter(func(i TaskInfo) bool { return i.Priority >= min && i.Priority <= max })
}

// LongRunning returns tasks that have been running longer than threshold.
func (t *Tasks) LongRunning(threshold time.Duration) []TaskInfo {
	now := t.clock.Now()
	return t.filter(func(i TaskInfo) bool { return now.Sub(i.StartedAt) > threshold })
}

func (t *Tasks) filter(keep func(TaskInfo) bool) []TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []TaskInfo
	for _, tk := range t.running {
		if keep(tk.info) {
			out = append(out, tk.info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats returns a snapshot of the counters.
func (t *Tasks) Stats() TaskStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Running = len(t.running)
	s.Capacity = t.max
	return s
}

// Wait blocks until every submitted task has returned.
func (t *Tasks) Wait() {
	t.wg.Wait()
}
