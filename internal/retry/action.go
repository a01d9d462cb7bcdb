// Package retry applies zone actions through external tools, retrying
// failures with exponential backoff and deferring what still fails to a
// queue that is drained on later scan cycles.
package retry

import (
	"fmt"
	"strconv"

	"github.com/blackwell-systems/netzone/internal/zone"
)

// Action is one step toward a zone's desired network state. The set of
// implementations is closed; values compare with ==.
type Action interface {
	// Kind names the action type on the wire and in logs.
	Kind() string
	// Target is the SSID, connection, device, node, flag or command the
	// action applies to.
	Target() string
	String() string
	isAction()
}

// WiFiConnection joins a Wi-Fi network.
type WiFiConnection struct{ SSID string }

// VPNConnection brings up a NetworkManager connection profile.
type VPNConnection struct{ Name string }

// BluetoothConnection connects a paired device by name.
type BluetoothConnection struct{ Device string }

// TailscaleExitNode routes traffic through a Tailscale exit node.
type TailscaleExitNode struct{ Node string }

// TailscaleShields toggles Tailscale's inbound connection blocking.
type TailscaleShields struct{ Up bool }

// CustomCommand runs a user command through the shell after the safety
// policy accepts it.
type CustomCommand struct{ Command string }

func (WiFiConnection) isAction()      {}
func (VPNConnection) isAction()       {}
func (BluetoothConnection) isAction() {}
func (TailscaleExitNode) isAction()   {}
func (TailscaleShields) isAction()    {}
func (CustomCommand) isAction()       {}

func (WiFiConnection) Kind() string      { return "wifi" }
func (VPNConnection) Kind() string       { return "vpn" }
func (BluetoothConnection) Kind() string { return "bluetooth" }
func (TailscaleExitNode) Kind() string   { return "tailscale_exit_node" }
func (TailscaleShields) Kind() string    { return "tailscale_shields" }
func (CustomCommand) Kind() string       { return "custom_command" }

func (a WiFiConnection) Target() string      { return a.SSID }
func (a VPNConnection) Target() string       { return a.Name }
func (a BluetoothConnection) Target() string { return a.Device }
func (a TailscaleExitNode) Target() string   { return a.Node }
func (a TailscaleShields) Target() string    { return strconv.FormatBool(a.Up) }
func (a CustomCommand) Target() string       { return a.Command }

func (a WiFiConnection) String() string      { return fmt.Sprintf("WiFi connection to %q", a.SSID) }
func (a VPNConnection) String() string       { return fmt.Sprintf("VPN connection %q", a.Name) }
func (a BluetoothConnection) String() string { return fmt.Sprintf("Bluetooth connection to %q", a.Device) }
func (a TailscaleExitNode) String() string   { return fmt.Sprintf("Tailscale exit node %q", a.Node) }

func (a TailscaleShields) String() string {
	if a.Up {
		return "Tailscale shields up"
	}
	return "Tailscale shields down"
}

func (a CustomCommand) String() string { return fmt.Sprintf("custom command %q", a.Command) }

// FromActions expands a zone's action set into individual actions in
// execution order: Wi-Fi, VPN, exit node, shields, Bluetooth devices,
// then custom commands.
func FromActions(za zone.Actions) []Action {
	var out []Action
	if za.WiFi != "" {
		out = append(out, WiFiConnection{SSID: za.WiFi})
	}
	if za.VPN != "" {
		out = append(out, VPNConnection{Name: za.VPN})
	}
	if za.TailscaleExitNode != "" {
		out = append(out, TailscaleExitNode{Node: za.TailscaleExitNode})
	}
	if za.TailscaleShields != nil {
		out = append(out, TailscaleShields{Up: *za.TailscaleShields})
	}
	for _, d := range za.Bluetooth {
		out = append(out, BluetoothConnection{Device: d})
	}
	for _, c := range za.CustomCommands {
		out = append(out, CustomCommand{Command: c})
	}
	return out
}

// ActionError reports a failed action. Err carries the tool's stderr.
type ActionError struct {
	Action Action
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
