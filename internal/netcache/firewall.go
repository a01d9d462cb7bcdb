package netcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/blackwell-systems/netzone/internal/clock"
	"github.com/blackwell-systems/netzone/internal/command"
	"github.com/blackwell-systems/netzone/internal/statefile"
)

const (
	// FirewallFileName is the firewalld cache inside the cache directory.
	FirewallFileName = "firewalld_cache.json"

	firewallFreshFor = 24 * time.Hour
)

// FirewallZone is one firewalld zone.
type FirewallZone struct {
	Name    string `json:"name" cbor:"name"`
	Active  bool   `json:"is_active" cbor:"is_active"`
	Default bool   `json:"is_default" cbor:"is_default"`
}

type firewallFile struct {
	UpdatedAt time.Time      `json:"updated_at"`
	Zones     []FirewallZone `json:"zones"`
}

// FirewallCache holds the firewalld zone list for a day.
type FirewallCache struct {
	path  string
	clock clock.Clock

	mu        sync.Mutex
	updatedAt time.Time
	zones     []FirewallZone
}

// LoadFirewall reads the cache at path, starting empty if it is missing
// or unreadable.
func LoadFirewall(path string, clk clock.Clock, logger *slog.Logger) *FirewallCache {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &FirewallCache{path: path, clock: clk}

	var f firewallFile
	if err := statefile.Read(path, &f); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("ignoring unreadable firewalld cache", "path", path, "error", err)
		}
		return c
	}
	c.updatedAt = f.UpdatedAt
	c.zones = f.Zones
	return c
}

// Zones returns the cached zones if they were fetched within a day.
func (c *FirewallCache) Zones() ([]FirewallZone, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updatedAt.IsZero() || c.clock.Now().Sub(c.updatedAt) >= firewallFreshFor {
		return nil, false
	}
	return append([]FirewallZone(nil), c.zones...), true
}

// UpdatedAt is when the zones were last fetched.
func (c *FirewallCache) UpdatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatedAt
}

// Refresh fetches the zone list from firewall-cmd and stores it.
func (c *FirewallCache) Refresh(ctx context.Context, runner command.Runner) ([]FirewallZone, error) {
	all, err := command.Output(ctx, runner, "firewall-cmd", "--get-zones")
	if err != nil {
		return nil, fmt.Errorf("failed to list firewalld zones: %w", err)
	}
	def, err := command.Output(ctx, runner, "firewall-cmd", "--get-default-zone")
	if err != nil {
		return nil, fmt.Errorf("failed to get default firewalld zone: %w", err)
	}
	// No active zones is reported as a failure by some versions.
	active, _ := command.Output(ctx, runner, "firewall-cmd", "--get-active-zones")

	zones := ParseZones(all, strings.TrimSpace(def), active)

	c.mu.Lock()
	c.zones = zones
	c.updatedAt = c.clock.Now()
	c.mu.Unlock()
	return append([]FirewallZone(nil), zones...), nil
}

// ParseZones builds the zone list from `firewall-cmd --get-zones`, the
// default zone name and `firewall-cmd --get-active-zones` output, in
// which zone names are the unindented lines.
func ParseZones(all, defaultZone, active string) []FirewallZone {
	isActive := make(map[string]bool)
	for _, line := range strings.Split(active, "\n") {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		isActive[strings.TrimSpace(line)] = true
	}

	var zones []FirewallZone
	for _, name := range strings.Fields(all) {
		zones = append(zones, FirewallZone{
			Name:    name,
			Active:  isActive[name],
			Default: name == defaultZone,
		})
	}
	return zones
}

// Save writes the cache to disk.
func (c *FirewallCache) Save() error {
	c.mu.Lock()
	f := firewallFile{UpdatedAt: c.updatedAt, Zones: append([]FirewallZone(nil), c.zones...)}
	c.mu.Unlock()
	if err := statefile.Write(c.path, f); err != nil {
		return fmt.Errorf("failed to save firewalld cache: %w", err)
	}
	return nil
}

// Clear empties the cache and removes its file.
func (c *FirewallCache) Clear() error {
	c.mu.Lock()
	c.zones = nil
	c.updatedAt = time.Time{}
	c.mu.Unlock()
	return statefile.Remove(c.path)
}
