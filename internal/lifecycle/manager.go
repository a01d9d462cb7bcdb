package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blackwell-systems/netzone/internal/clock"
	"github.com/blackwell-systems/netzone/internal/command"
)

// Handler reacts to an event. prev is the state before the event was
// applied.
type Handler func(ctx context.Context, e Event, prev DaemonState) error

// Recheck asks the daemon to re-run zone detection after delay.
type Recheck func(ctx context.Context, reason string, delay time.Duration)

// Config controls the lifecycle manager.
type Config struct {
	StatePath            string
	Interfaces           []string
	NetworkPollInterval  time.Duration
	SuspendCheckInterval time.Duration
	// WiFiSettleDelay is how long to wait after a Wi-Fi association
	// before re-checking the zone.
	WiFiSettleDelay time.Duration
}

// DefaultConfig returns the stock settings for a state file at
// statePath.
func DefaultConfig(statePath string) Config {
	return Config{
		StatePath:            statePath,
		Interfaces:           []string{"wlan0", "eth0"},
		NetworkPollInterval:  10 * time.Second,
		SuspendCheckInterval: 30 * time.Second,
		WiFiSettleDelay:      2 * time.Second,
	}
}

// Manager applies system events to the daemon state, dispatches them to
// handlers and persists the result.
type Manager struct {
	cfg    Config
	runner command.Runner
	clock  clock.Clock
	logger *slog.Logger

	// sleepGap reports time spent suspended since boot.
	sleepGap func() (time.Duration, bool)

	// eventMu serializes HandleEvent so state saves land in event order.
	eventMu sync.Mutex

	mu    sync.RWMutex
	state DaemonState

	handlersMu sync.RWMutex
	handlers   map[Event][]Handler

	statsMu sync.Mutex
	stats   MonitorStats

	wg sync.WaitGroup
}

// MonitorStats describes the background monitors.
type MonitorStats struct {
	SuspendsDetected uint32    `json:"suspends_detected" cbor:"suspends_detected"`
	LastSuspendCheck time.Time `json:"last_suspend_check" cbor:"last_suspend_check"`
	LastNetworkPoll  time.Time `json:"last_network_poll" cbor:"last_network_poll"`
}

// NewManager loads the saved state and returns a Manager. Monitoring
// starts with Start.
func NewManager(cfg Config, runner command.Runner, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		runner:   runner,
		clock:    clk,
		logger:   logger,
		sleepGap: sleepGap,
		state:    LoadState(cfg.StatePath, clk.Now(), logger),
		handlers: make(map[Event][]Handler),
	}
}

// Register adds a handler for e. A handler registered with an empty
// Target receives every event of that kind.
func (m *Manager) Register(e Event, h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[e] = append(m.handlers[e], h)
}

// RegisterDefaults installs the stock handlers: resume and session
// unlock re-check the zone at once, a Wi-Fi association re-checks after
// WiFiSettleDelay, and suspend and lock are logged.
func (m *Manager) RegisterDefaults(recheck Recheck) {
	m.Register(Event{Kind: EventSuspend}, func(ctx context.Context, e Event, prev DaemonState) error {
		m.logger.Info("system suspending", "zone", prev.CurrentZoneID)
		return nil
	})
	m.Register(Event{Kind: EventResume}, func(ctx context.Context, e Event, prev DaemonState) error {
		m.logger.Info("system resumed, re-checking zone", "zone", prev.CurrentZoneID, "last_active", prev.LastActive)
		recheck(ctx, "resume", 0)
		return nil
	})
	m.Register(Event{Kind: EventWiFiConnected}, func(ctx context.Context, e Event, prev DaemonState) error {
		m.logger.Info("wifi connected, re-checking zone", "ssid", e.Target)
		recheck(ctx, "wifi_connected", m.cfg.WiFiSettleDelay)
		return nil
	})
	m.Register(Event{Kind: EventSessionLocked}, func(ctx context.Context, e Event, prev DaemonState) error {
		m.logger.Info("session locked")
		return nil
	})
	m.Register(Event{Kind: EventSessionUnlocked}, func(ctx context.Context, e Event, prev DaemonState) error {
		m.logger.Info("session unlocked, re-checking zone")
		recheck(ctx, "session_unlocked", 0)
		return nil
	})
}

func (m *Manager) handlersFor(e Event) []Handler {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	hs := append([]Handler(nil), m.handlers[e]...)
	if e.Target != "" {
		hs = append(hs, m.handlers[Event{Kind: e.Kind}]...)
	}
	return hs
}

// HandleEvent applies e to the state, runs its handlers and saves the
// state. Handler errors are logged; only a failed save is returned.
func (m *Manager) HandleEvent(ctx context.Context, e Event) error {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	m.logger.Debug("handling system event", "event", e.String())

	m.mu.Lock()
	prev := m.state.clone()
	m.state.apply(e, m.clock.Now())
	m.mu.Unlock()

	for _, h := range m.handlersFor(e) {
		if err := h(ctx, e, prev); err != nil {
			m.logger.Error("event handler failed", "event", e.String(), "error", err)
		}
	}

	return m.save()
}

func (m *Manager) save() error {
	if m.cfg.StatePath == "" {
		return nil
	}
	m.mu.RLock()
	s := m.state.clone()
	m.mu.RUnlock()
	if err := SaveState(m.cfg.StatePath, s); err != nil {
		return fmt.Errorf("failed to save lifecycle state: %w", err)
	}
	return nil
}

// State returns a copy of the daemon state.
func (m *Manager) State() DaemonState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

// UpdateCurrentZone records the detected zone. It is saved with the
// next event or at shutdown.
func (m *Manager) UpdateCurrentZone(zoneID string, confidence float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.CurrentZoneID = zoneID
	m.state.LastLocationConfidence = confidence
	m.state.LastActive = m.clock.Now()
}

// Save writes the current state to disk.
func (m *Manager) Save() error {
	return m.save()
}

// Stats returns monitor counters.
func (m *Manager) Stats() MonitorStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// Start fires a resume if the saved state says the daemon was suspended,
// then launches the interface and suspend monitors. They stop when ctx
// is done.
func (m *Manager) Start(ctx context.Context) error {
	if m.State().IsSuspended {
		m.logger.Info("resuming from saved suspended state")
		if err := m.HandleEvent(ctx, Event{Kind: EventResume}); err != nil {
			return err
		}
	}

	if m.cfg.NetworkPollInterval > 0 && len(m.cfg.Interfaces) > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.pollInterfaces(ctx)
		}()
	}
	if m.cfg.SuspendCheckInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.watchSuspend(ctx)
		}()
	}
	return nil
}

// Shutdown fires the shutdown event and saves the final state.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("lifecycle shutdown")
	if err := m.HandleEvent(ctx, Event{Kind: EventShutdown}); err != nil {
		return err
	}
	return m.save()
}

// Wait blocks until the monitors have exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}
