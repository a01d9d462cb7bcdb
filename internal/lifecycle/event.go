// Package lifecycle tracks system events that affect zone detection
// (suspend and resume, interface changes, session locking) and keeps a
// small daemon state record on disk across restarts.
package lifecycle

import "fmt"

// EventKind identifies a system event.
type EventKind int

const (
	EventSuspend EventKind = iota + 1
	EventResume
	EventNetworkUp
	EventNetworkDown
	EventWiFiConnected
	EventWiFiDisconnected
	EventSessionLocked
	EventSessionUnlocked
	EventShutdown
)

var kindNames = map[EventKind]string{
	EventSuspend:          "suspend",
	EventResume:           "resume",
	EventNetworkUp:        "network_up",
	EventNetworkDown:      "network_down",
	EventWiFiConnected:    "wifi_connected",
	EventWiFiDisconnected: "wifi_disconnected",
	EventSessionLocked:    "session_locked",
	EventSessionUnlocked:  "session_unlocked",
	EventShutdown:         "shutdown",
}

func (k EventKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a system event. Target is the interface name for
// EventNetworkUp and EventNetworkDown and the SSID for
// EventWiFiConnected; it is empty for the rest.
type Event struct {
	Kind   EventKind
	Target string
}

func (e Event) String() string {
	if e.Target == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + "(" + e.Target + ")"
}

// NetworkUp is the event for iface coming up.
func NetworkUp(iface string) Event { return Event{Kind: EventNetworkUp, Target: iface} }

// NetworkDown is the event for iface going down.
func NetworkDown(iface string) Event { return Event{Kind: EventNetworkDown, Target: iface} }

// WiFiConnected is the event for joining ssid.
func WiFiConnected(ssid string) Event { return Event{Kind: EventWiFiConnected, Target: ssid} }
