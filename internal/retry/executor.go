package retry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/blackwell-systems/netzone/internal/command"
	"github.com/blackwell-systems/netzone/internal/resource"
)

// ActionRunner performs single actions. IsSatisfied reports whether the
// action's target state already holds; only Wi-Fi and Bluetooth actions
// are ever satisfied.
type ActionRunner interface {
	Execute(ctx context.Context, a Action) error
	IsSatisfied(ctx context.Context, a Action) bool
}

// Executor runs actions with the system's network tools. When built
// with resources, commands go through the pool, Wi-Fi and Bluetooth
// requests through the batcher, and successes update the cached network
// state.
type Executor struct {
	runner command.Runner
	res    *resource.Resources
	logger *slog.Logger
}

// NewExecutor returns an Executor. res may be nil.
func NewExecutor(runner command.Runner, res *resource.Resources, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{runner: runner, res: res, logger: logger}
}

// Execute performs a once. Failures are *ActionError values.
func (e *Executor) Execute(ctx context.Context, a Action) error {
	var err error
	switch a := a.(type) {
	case WiFiConnection:
		if _, err = e.wifi(ctx, resource.WiFiConnect, a.SSID); err == nil {
			e.updateState(func(s *resource.NetworkState) { s.SSID = a.SSID })
		}
	case VPNConnection:
		if _, err = e.run(ctx, "nmcli", "connection", "up", a.Name); err == nil {
			e.updateState(func(s *resource.NetworkState) {
				for _, v := range s.VPNs {
					if v == a.Name {
						return
					}
				}
				s.VPNs = append(s.VPNs, a.Name)
			})
		}
	case BluetoothConnection:
		var addr string
		if addr, err = e.bluetoothAddress(ctx, a.Device); err == nil {
			if _, err = e.bluetooth(ctx, resource.BluetoothConnect, addr); err == nil {
				e.updateState(func(s *resource.NetworkState) {
					if s.Bluetooth == nil {
						s.Bluetooth = make(map[string]resource.BluetoothState)
					}
					s.Bluetooth[a.Device] = resource.BluetoothConnected
				})
			}
		}
	case TailscaleExitNode:
		_, err = e.run(ctx, "tailscale", "set", "--exit-node="+a.Node)
	case TailscaleShields:
		_, err = e.run(ctx, "tailscale", "set", fmt.Sprintf("--shields-up=%t", a.Up))
	case CustomCommand:
		if reason := checkCommand(a.Command); reason != "" {
			e.logger.Warn("custom command rejected", "command", a.Command, "reason", reason)
			err = fmt.Errorf("%w: %s (%s)", ErrUnsafeCommand, a.Command, reason)
		} else {
			_, err = e.run(ctx, "sh", "-c", a.Command)
		}
	default:
		err = fmt.Errorf("unsupported action %T", a)
	}

	if err != nil {
		return &ActionError{Action: a, Err: err}
	}
	e.logger.Debug("action succeeded", "action", a.Kind(), "target", a.Target())
	return nil
}

// IsSatisfied checks whether a Wi-Fi or Bluetooth target is already
// connected, consulting the network-state cache first. Errors count as
// not satisfied.
func (e *Executor) IsSatisfied(ctx context.Context, a Action) bool {
	switch a := a.(type) {
	case WiFiConnection:
		if st, ok := e.cachedState(); ok && st.SSID == a.SSID {
			return true
		}
		out, err := e.wifi(ctx, resource.WiFiStatus, "")
		if err != nil {
			return false
		}
		ssid := activeSSID(out)
		if ssid != "" {
			e.updateState(func(s *resource.NetworkState) { s.SSID = ssid })
		}
		return ssid == a.SSID
	case BluetoothConnection:
		if st, ok := e.cachedState(); ok && st.Bluetooth[a.Device] == resource.BluetoothConnected {
			return true
		}
		addr, err := e.bluetoothAddress(ctx, a.Device)
		if err != nil {
			return false
		}
		out, err := e.run(ctx, "bluetoothctl", "info", addr)
		return err == nil && strings.Contains(out, "Connected: yes")
	default:
		return false
	}
}

// activeSSID picks the connected network from
// `nmcli -t -f active,ssid dev wifi` output.
func activeSSID(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if ssid, ok := strings.CutPrefix(strings.TrimSpace(line), "yes:"); ok {
			return ssid
		}
	}
	return ""
}

// parseBluetoothAddress finds the address of a named device in
// `bluetoothctl devices` output ("Device <addr> <name>").
func parseBluetoothAddress(out, name string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, name) {
			continue
		}
		rest, ok := strings.CutPrefix(strings.TrimSpace(line), "Device ")
		if !ok {
			continue
		}
		if addr, _, ok := strings.Cut(rest, " "); ok && addr != "" {
			return addr, true
		}
	}
	return "", false
}

func (e *Executor) bluetoothAddress(ctx context.Context, device string) (string, error) {
	out, err := e.bluetooth(ctx, resource.BluetoothDevices, "")
	if err != nil {
		return "", fmt.Errorf("failed to list bluetooth devices: %w", err)
	}
	addr, ok := parseBluetoothAddress(out, device)
	if !ok {
		return "", fmt.Errorf("bluetooth device %q not found", device)
	}
	return addr, nil
}

func (e *Executor) run(ctx context.Context, program string, args ...string) (string, error) {
	if e.res == nil {
		return command.Output(ctx, e.runner, program, args...)
	}
	var out string
	err := e.res.Pool.Execute(ctx, resource.ConnSystemCommand, func(ctx context.Context) error {
		var err error
		out, err = command.Output(ctx, e.runner, program, args...)
		return err
	})
	return out, err
}

func (e *Executor) wifi(ctx context.Context, op resource.WiFiOp, arg string) (string, error) {
	if e.res != nil {
		return e.res.Batcher.WiFi(ctx, op, arg)
	}
	switch op {
	case resource.WiFiConnect:
		return e.run(ctx, "nmcli", "device", "wifi", "connect", arg)
	case resource.WiFiStatus:
		return e.run(ctx, "nmcli", "-t", "-f", "active,ssid", "dev", "wifi")
	default:
		return e.run(ctx, "nmcli", "-t", "-f", "SSID,SIGNAL,SECURITY", "dev", "wifi", "list")
	}
}

func (e *Executor) bluetooth(ctx context.Context, op resource.BluetoothOp, arg string) (string, error) {
	if e.res != nil {
		return e.res.Batcher.Bluetooth(ctx, op, arg)
	}
	if op == resource.BluetoothConnect {
		return e.run(ctx, "bluetoothctl", "connect", arg)
	}
	return e.run(ctx, "bluetoothctl", "devices")
}

func (e *Executor) cachedState() (resource.NetworkState, bool) {
	if e.res == nil {
		return resource.NetworkState{}, false
	}
	return e.res.Cache.NetworkState()
}

// updateState records a confirmed change in the network-state cache,
// seeding it when nothing is cached.
func (e *Executor) updateState(fn func(*resource.NetworkState)) {
	if e.res == nil {
		return
	}
	if _, ok := e.res.Cache.NetworkState(); !ok {
		var s resource.NetworkState
		fn(&s)
		e.res.Cache.PutNetworkState(s)
		return
	}
	e.res.Cache.UpdateNetworkState(fn)
}
