package daemon

import (
	"fmt"
	"sync"
	"time"
)

// Phase is where the scan loop is in its cycle.
//
//	idle       -> scanning | shutting_down
//	scanning   -> no_change | zone_changed | idle | shutting_down
//	no_change  -> idle | shutting_down
//	zone_changed -> idle | shutting_down
//
// shutting_down is terminal.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseScanning     Phase = "scanning"
	PhaseNoChange     Phase = "no_change"
	PhaseZoneChanged  Phase = "zone_changed"
	PhaseShuttingDown Phase = "shutting_down"
)

var transitions = map[Phase][]Phase{
	PhaseIdle:         {PhaseScanning, PhaseShuttingDown},
	PhaseScanning:     {PhaseNoChange, PhaseZoneChanged, PhaseIdle, PhaseShuttingDown},
	PhaseNoChange:     {PhaseIdle, PhaseShuttingDown},
	PhaseZoneChanged:  {PhaseIdle, PhaseShuttingDown},
	PhaseShuttingDown: nil,
}

func canTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// phaseTracker holds the current phase and when it was entered.
type phaseTracker struct {
	mu    sync.RWMutex
	phase Phase
	since time.Time
}

func newPhaseTracker(now time.Time) *phaseTracker {
	return &phaseTracker{phase: PhaseIdle, since: now}
}

// set moves to the next phase, rejecting transitions outside the table.
func (p *phaseTracker) set(to Phase, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == to {
		return nil
	}
	if !canTransition(p.phase, to) {
		return fmt.Errorf("invalid phase transition %s -> %s", p.phase, to)
	}
	p.phase = to
	p.since = now
	return nil
}

func (p *phaseTracker) get() (Phase, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.phase, p.since
}
