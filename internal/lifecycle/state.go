package lifecycle

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/blackwell-systems/netzone/internal/statefile"
)

// StateFileName is the lifecycle state file inside the state directory.
const StateFileName = "daemon-lifecycle-state.json"

// crashAfter is how long a state may claim to be suspended before a load
// treats it as an unclean shutdown.
const crashAfter = time.Hour

// InterfaceStatus is the observed state of one interface.
type InterfaceStatus string

const (
	InterfaceUp           InterfaceStatus = "up"
	InterfaceDown         InterfaceStatus = "down"
	InterfaceConnected    InterfaceStatus = "connected"
	InterfaceDisconnected InterfaceStatus = "disconnected"
)

// InterfaceState is an interface status plus the SSID when connected.
type InterfaceState struct {
	Status InterfaceStatus `json:"status" cbor:"status"`
	SSID   string          `json:"ssid,omitempty" cbor:"ssid,omitempty"`
}

// DaemonState survives daemon restarts.
type DaemonState struct {
	CurrentZoneID          string                    `json:"current_zone_id,omitempty" cbor:"current_zone_id,omitempty"`
	LastActive             time.Time                 `json:"last_active" cbor:"last_active"`
	SuspendResumeCount     uint32                    `json:"suspend_resume_count" cbor:"suspend_resume_count"`
	InterfaceStates        map[string]InterfaceState `json:"interface_states" cbor:"interface_states"`
	IsSuspended            bool                      `json:"is_suspended" cbor:"is_suspended"`
	RuntimeBeforeSuspend   time.Duration             `json:"runtime_before_suspend" cbor:"runtime_before_suspend"`
	LastLocationConfidence float64                   `json:"last_location_confidence" cbor:"last_location_confidence"`
}

// DefaultState is the state of a daemon with no history.
func DefaultState(now time.Time) DaemonState {
	return DaemonState{
		LastActive:      now,
		InterfaceStates: make(map[string]InterfaceState),
	}
}

func (s DaemonState) clone() DaemonState {
	out := s
	out.InterfaceStates = make(map[string]InterfaceState, len(s.InterfaceStates))
	for k, v := range s.InterfaceStates {
		out.InterfaceStates[k] = v
	}
	return out
}

// apply folds e into the state.
func (s *DaemonState) apply(e Event, now time.Time) {
	if s.InterfaceStates == nil {
		s.InterfaceStates = make(map[string]InterfaceState)
	}
	switch e.Kind {
	case EventSuspend:
		s.IsSuspended = true
		s.RuntimeBeforeSuspend = max(now.Sub(s.LastActive), 0)
	case EventResume:
		s.IsSuspended = false
		s.SuspendResumeCount++
		s.LastActive = now
	case EventNetworkUp:
		s.InterfaceStates[e.Target] = InterfaceState{Status: InterfaceUp}
	case EventNetworkDown:
		s.InterfaceStates[e.Target] = InterfaceState{Status: InterfaceDown}
	case EventWiFiConnected:
		s.InterfaceStates["wifi"] = InterfaceState{Status: InterfaceConnected, SSID: e.Target}
	case EventWiFiDisconnected:
		s.InterfaceStates["wifi"] = InterfaceState{Status: InterfaceDisconnected}
	default:
		s.LastActive = now
	}
}

// LoadState reads the state file. A missing or unreadable file yields
// DefaultState. A state left suspended for more than an hour is taken
// as a crash during suspend: the cycle is counted and the suspended
// flag cleared.
func LoadState(path string, now time.Time, logger *slog.Logger) DaemonState {
	if logger == nil {
		logger = slog.Default()
	}

	var s DaemonState
	if err := statefile.Read(path, &s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("no lifecycle state file, starting fresh", "path", path)
		} else {
			logger.Warn("failed to load lifecycle state, using defaults", "path", path, "error", err)
		}
		return DefaultState(now)
	}
	if s.InterfaceStates == nil {
		s.InterfaceStates = make(map[string]InterfaceState)
	}

	if s.IsSuspended && now.Sub(s.LastActive) > crashAfter {
		logger.Warn("possible unclean shutdown during suspend", "last_active", s.LastActive)
		s.SuspendResumeCount++
		s.IsSuspended = false
	}
	return s
}

// SaveState writes s to path atomically.
func SaveState(path string, s DaemonState) error {
	return statefile.Write(path, s)
}
