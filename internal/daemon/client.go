package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/blackwell-systems/netzone/internal/codec"
	"github.com/blackwell-systems/netzone/internal/fingerprint"
	"github.com/blackwell-systems/netzone/internal/retry"
	"github.com/blackwell-systems/netzone/internal/store"
	"github.com/blackwell-systems/netzone/internal/zone"
)

const (
	dialTimeout = 5 * time.Second
	// responseTimeout covers actions that run zone actions with
	// retries, which can take a while.
	responseTimeout = 2 * time.Minute
	maxResponseSize = 16 * 1024 * 1024
)

// ServiceError is returned when the daemon answers with ok=false.
type ServiceError struct {
	Action  string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("daemon error on %q: %s", e.Action, e.Message)
}

// ErrNotRunning is returned when no daemon is listening on the socket.
var ErrNotRunning = errors.New("daemon not running")

// ErrAlreadyRunning is returned by Serve when another daemon answers on
// the socket.
var ErrAlreadyRunning = errors.New("daemon already running")

// IsRunning reports whether the daemon socket exists.
func IsRunning(socketPath string) bool {
	_, err := os.Stat(socketPath)
	return err == nil
}

// IsListening reports whether something accepts connections on the
// daemon socket. A socket file left behind by a crash does not count.
func IsListening(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Client talks to a running daemon. Each call uses its own connection.
type Client struct {
	socketPath string
}

// NewClient returns a client for the daemon listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call sends action with fields and decodes the response data into
// result when both are present. A failure reported by the daemon is a
// *ServiceError; a missing daemon is ErrNotRunning.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	req := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		req[k] = v
	}
	req["action"] = action

	resp, err := c.send(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to call %q on %s: %w", action, c.socketPath, err)
	}
	if !resp.OK {
		return &ServiceError{Action: action, Message: resp.Error}
	}
	if result != nil && len(resp.Data) > 0 {
		if err := codec.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("failed to decode %q response: %w", action, err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, req any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, errConnRefused) {
			return nil, ErrNotRunning
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(responseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := codec.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		uc.CloseWrite()
	}

	var resp Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// CurrentLocation fetches the daemon's latest fingerprint.
func (c *Client) CurrentLocation(ctx context.Context) (fingerprint.Fingerprint, error) {
	var resp LocationUpdate
	err := c.Call(ctx, ActionGetCurrentLocation, nil, &resp)
	return resp.Fingerprint, err
}

// ActiveZone returns the current zone, or nil.
func (c *Client) ActiveZone(ctx context.Context) (*zone.Zone, error) {
	var resp ActiveZone
	if err := c.Call(ctx, ActionGetActiveZone, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Zone, nil
}

// ListZones returns every zone.
func (c *Client) ListZones(ctx context.Context) ([]zone.Zone, error) {
	var resp ZoneList
	err := c.Call(ctx, ActionListZones, nil, &resp)
	return resp.Zones, err
}

// CreateZone creates a zone from the daemon's current location.
func (c *Client) CreateZone(ctx context.Context, name string, actions zone.Actions) (zone.Zone, error) {
	var z zone.Zone
	err := c.Call(ctx, ActionCreateZone, map[string]any{"name": name, "actions": actions}, &z)
	return z, err
}

// ImportZone adds a fully specified zone, fingerprints included.
func (c *Client) ImportZone(ctx context.Context, z zone.Zone) (zone.Zone, error) {
	var out zone.Zone
	err := c.Call(ctx, ActionImportZone, map[string]any{"zone": z}, &out)
	return out, err
}

// RemoveZone deletes a zone by ID or name.
func (c *Client) RemoveZone(ctx context.Context, ref string) error {
	return c.Call(ctx, ActionRemoveZone, map[string]any{"zone_id": ref}, nil)
}

// ActivateZone forces a zone by ID or name and runs its actions.
func (c *Client) ActivateZone(ctx context.Context, ref string) (Activation, error) {
	var act Activation
	err := c.Call(ctx, ActionActivateZone, map[string]any{"zone_id": ref}, &act)
	return act, err
}

// ExecuteActions runs an ad-hoc action set.
func (c *Client) ExecuteActions(ctx context.Context, actions zone.Actions) (retry.Report, error) {
	var r retry.Report
	err := c.Call(ctx, ActionExecuteActions, map[string]any{"actions": actions}, &r)
	return r, err
}

// Status returns the daemon's status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.Call(ctx, ActionGetStatus, nil, &st)
	return st, err
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, ActionShutdown, nil, nil)
}

// AddFingerprint adds the current location to a zone.
func (c *Client) AddFingerprint(ctx context.Context, ref string) (FingerprintAdded, error) {
	var resp FingerprintAdded
	err := c.Call(ctx, ActionAddFingerprint, map[string]any{"zone_id": ref}, &resp)
	return resp, err
}

// RetryStatus describes the retry queue.
func (c *Client) RetryStatus(ctx context.Context) (retry.QueueStatus, error) {
	var st retry.QueueStatus
	err := c.Call(ctx, ActionRetryStatus, nil, &st)
	return st, err
}

// ClearRetries empties the retry queue and returns how many items it
// held.
func (c *Client) ClearRetries(ctx context.Context) (int, error) {
	var resp RetriesCleared
	err := c.Call(ctx, ActionClearRetries, nil, &resp)
	return resp.Removed, err
}

// History returns up to limit recent zone changes, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]*store.HistoryEntry, error) {
	var resp History
	err := c.Call(ctx, ActionZoneHistory, map[string]any{"limit": limit}, &resp)
	return resp.Entries, err
}
