package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/blackwell-systems/netzone/internal/command"
)

const (
	// minSuspendGap is the growth in boot-time-minus-monotonic time
	// between checks that counts as a suspend.
	minSuspendGap = 5 * time.Second
	// minWallGap is the extra wall-clock time between checks that counts
	// as a suspend when the kernel clocks are unavailable.
	minWallGap = 5 * time.Minute
)

// pollInterfaces checks each configured interface every
// NetworkPollInterval and turns state changes into events.
func (m *Manager) pollInterfaces(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.NetworkPollInterval)
	defer ticker.Stop()

	known := make(map[string]InterfaceState)
	for {
		for _, e := range m.interfaceChanges(ctx, known) {
			if err := m.HandleEvent(ctx, e); err != nil {
				m.logger.Warn("failed to handle interface event", "event", e.String(), "error", err)
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// interfaceChanges probes every interface and returns events for those
// whose state differs from known, updating known.
func (m *Manager) interfaceChanges(ctx context.Context, known map[string]InterfaceState) []Event {
	m.statsMu.Lock()
	m.stats.LastNetworkPoll = m.clock.Now()
	m.statsMu.Unlock()

	var events []Event
	for _, iface := range m.cfg.Interfaces {
		if ctx.Err() != nil {
			return events
		}
		cur := m.interfaceState(ctx, iface)
		prev, seen := known[iface]
		if seen && prev == cur {
			continue
		}
		known[iface] = cur
		m.logger.Debug("interface state changed", "interface", iface, "status", cur.Status, "ssid", cur.SSID)

		if prev.Status == InterfaceConnected && cur.Status != InterfaceConnected {
			events = append(events, Event{Kind: EventWiFiDisconnected})
		}
		switch cur.Status {
		case InterfaceConnected:
			events = append(events, WiFiConnected(cur.SSID))
		case InterfaceUp:
			events = append(events, NetworkUp(iface))
		default:
			events = append(events, NetworkDown(iface))
		}
	}
	return events
}

// interfaceState reads `ip link show`. Wireless interfaces that are up
// report the associated SSID when there is one. Probe failures read as
// down.
func (m *Manager) interfaceState(ctx context.Context, iface string) InterfaceState {
	out, err := command.Output(ctx, m.runner, "ip", "link", "show", iface)
	if err != nil || !strings.Contains(out, "state UP") {
		return InterfaceState{Status: InterfaceDown}
	}
	if strings.HasPrefix(iface, "wlan") || strings.HasPrefix(iface, "wifi") || strings.HasPrefix(iface, "wl") {
		if ssid := m.currentSSID(ctx); ssid != "" {
			return InterfaceState{Status: InterfaceConnected, SSID: ssid}
		}
	}
	return InterfaceState{Status: InterfaceUp}
}

func (m *Manager) currentSSID(ctx context.Context) string {
	out, err := command.Output(ctx, m.runner, "nmcli", "-t", "-f", "active,ssid", "dev", "wifi")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(out, "\n") {
		if ssid, ok := strings.CutPrefix(strings.TrimSpace(line), "yes:"); ok && ssid != "" {
			return ssid
		}
	}
	return ""
}

// watchSuspend looks for time the machine spent asleep every
// SuspendCheckInterval and fires a resume when it finds some.
func (m *Manager) watchSuspend(ctx context.Context) {
	d := newSuspendDetector(m.sleepGap, m.clock.Now())
	ticker := m.clock.NewTicker(m.cfg.SuspendCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		now := m.clock.Now()
		slept := d.check(now, m.cfg.SuspendCheckInterval)

		m.statsMu.Lock()
		m.stats.LastSuspendCheck = now
		if slept {
			m.stats.SuspendsDetected++
		}
		m.statsMu.Unlock()

		if slept {
			m.logger.Info("suspend detected")
			if err := m.HandleEvent(ctx, Event{Kind: EventResume}); err != nil {
				m.logger.Warn("failed to handle resume", "error", err)
			}
		}
	}
}

// suspendDetector compares successive readings of the kernel's sleep
// time, falling back to gaps in wall-clock time.
type suspendDetector struct {
	gap       func() (time.Duration, bool)
	lastGap   time.Duration
	lastCheck time.Time
}

func newSuspendDetector(gap func() (time.Duration, bool), now time.Time) *suspendDetector {
	d := &suspendDetector{gap: gap, lastCheck: now.Round(0)}
	if g, ok := gap(); ok {
		d.lastGap = g
	}
	return d
}

// check reports whether the machine slept since the previous check,
// given the interval the checks are expected to be apart.
func (d *suspendDetector) check(now time.Time, interval time.Duration) bool {
	now = now.Round(0)
	elapsed := now.Sub(d.lastCheck)
	d.lastCheck = now

	if g, ok := d.gap(); ok {
		grew := g - d.lastGap
		d.lastGap = g
		return grew > minSuspendGap
	}
	return elapsed-interval > minWallGap
}
