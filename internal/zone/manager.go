package zone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackwell-systems/netzone/internal/clock"
	"github.com/blackwell-systems/netzone/internal/fingerprint"
	"github.com/blackwell-systems/netzone/internal/resource"
)

// Stats summarizes the manager's view of the world.
type Stats struct {
	Zones        int       `json:"zone_count" cbor:"zone_count"`
	ActiveZoneID string    `json:"active_zone_id,omitempty" cbor:"active_zone_id,omitempty"`
	TotalChanges uint64    `json:"total_zone_changes" cbor:"total_zone_changes"`
	LastScan     time.Time `json:"last_scan,omitempty" cbor:"last_scan,omitempty"`
}

// Manager owns the zone set and the current zone. It is safe for
// concurrent use; fingerprint scans and repository writes happen
// outside its lock.
type Manager struct {
	repo   Repository
	source Source
	cache  *resource.Cache
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.RWMutex
	zones       map[string]Zone
	current     string
	fingerprint fingerprint.Fingerprint
	changes     uint64
	lastScan    time.Time
}

// NewManager returns a Manager. cache may be nil.
func NewManager(repo Repository, source Source, cache *resource.Cache, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:   repo,
		source: source,
		cache:  cache,
		clock:  clk,
		logger: logger,
		zones:  make(map[string]Zone),
	}
}

// Load reads zones and the change count from the repository.
func (m *Manager) Load(ctx context.Context) error {
	zones, err := m.repo.ListZones(ctx)
	if err != nil {
		return fmt.Errorf("failed to load zones: %w", err)
	}
	changes, err := m.repo.CountChanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to count zone changes: %w", err)
	}

	m.mu.Lock()
	m.zones = make(map[string]Zone, len(zones))
	for _, z := range zones {
		m.zones[z.ID] = z
	}
	m.changes = changes
	if _, ok := m.zones[m.current]; !ok {
		m.current = ""
	}
	m.mu.Unlock()

	m.invalidate()
	return nil
}

// Restore marks id as the current zone without recording a change. An
// unknown id is ignored.
func (m *Manager) Restore(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.zones[id]; !ok {
		return false
	}
	m.current = id
	return true
}

func (m *Manager) invalidate() {
	if m.cache != nil {
		m.cache.InvalidateZoneMatches()
	}
}

// DetectLocationChange scans and reports a move into a different zone.
// It returns nil when the fingerprint is too weak, nothing matches, or
// the best match is already the current zone.
func (m *Manager) DetectLocationChange(ctx context.Context) (*LocationChange, error) {
	fp, err := m.source.Fingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint location: %w", err)
	}
	now := m.clock.Now()

	m.mu.Lock()
	m.fingerprint = fp
	m.lastScan = now
	m.mu.Unlock()

	if fp.Confidence < MinConfidence {
		m.logger.Debug("fingerprint confidence too low", "networks", len(fp.Networks), "confidence", fp.Confidence)
		return nil, nil
	}

	id, confidence, margin, ok := m.match(fp)
	if !ok {
		return nil, nil
	}

	m.mu.Lock()
	to, exists := m.zones[id]
	if !exists || id == m.current {
		m.mu.Unlock()
		return nil, nil
	}
	change := &LocationChange{Confidence: confidence, Margin: margin}
	fromID := m.current
	if from, ok := m.zones[fromID]; ok {
		f := from.clone()
		change.From = &f
	}
	to.LastMatched = now
	to.MatchCount++
	m.zones[id] = to
	m.current = id
	m.changes++
	change.To = to.clone()
	change.SuggestedActions = change.To.Actions
	m.mu.Unlock()

	if err := m.repo.RecordMatch(ctx, id, now, change.To.MatchCount); err != nil {
		if errors.Is(err, ErrZoneNotFound) {
			m.logger.Debug("matched zone was removed", "zone", id)
		} else {
			m.logger.Warn("failed to save zone statistics", "zone", id, "error", err)
		}
	}
	m.record(ctx, Change{FromZoneID: fromID, ToZoneID: id, Confidence: confidence, At: now})

	m.logger.Info("zone change detected", "from", fromID, "to", id, "confidence", confidence, "margin", margin)
	return change, nil
}

// match finds the zone fp belongs to, consulting the zone-match cache
// first.
func (m *Manager) match(fp fingerprint.Fingerprint) (id string, confidence, margin float64, ok bool) {
	hash := fp.Hash()
	if m.cache != nil {
		if hit, found := m.cache.ZoneMatch(hash); found {
			m.mu.RLock()
			_, exists := m.zones[hit.ZoneID]
			m.mu.RUnlock()
			if exists {
				return hit.ZoneID, hit.Confidence, hit.Margin, true
			}
		}
	}

	m.mu.RLock()
	var best, second float64
	for _, z := range m.zones {
		s := z.Score(fp)
		if s >= z.threshold() && (id == "" || s > best || (s == best && z.ID < id)) {
			if id != "" && best > second {
				second = best
			}
			best, id = s, z.ID
			continue
		}
		if s > second {
			second = s
		}
	}
	m.mu.RUnlock()

	if id == "" {
		return "", 0, 0, false
	}
	margin = (best - second) / best
	if m.cache != nil {
		m.cache.PutZoneMatch(resource.ZoneMatch{ZoneID: id, Confidence: best, Margin: margin, FingerprintHash: hash})
	}
	return id, best, margin, true
}

func (m *Manager) record(ctx context.Context, c Change) {
	if err := m.repo.RecordChange(ctx, c); err != nil {
		m.logger.Warn("failed to record zone change", "to", c.ToZoneID, "error", err)
	}
}

// CreateZone makes a zone from the current location.
func (m *Manager) CreateZone(ctx context.Context, name string, actions Actions) (Zone, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Zone{}, fmt.Errorf("zone name must not be empty")
	}
	fp, err := m.source.Fingerprint(ctx)
	if err != nil {
		return Zone{}, fmt.Errorf("failed to fingerprint location: %w", err)
	}
	m.mu.Lock()
	m.fingerprint = fp
	m.mu.Unlock()

	if fp.Confidence < MinConfidence {
		return Zone{}, fmt.Errorf("%w (%d networks visible)", ErrLowConfidence, len(fp.Networks))
	}

	z := Zone{
		ID:                  uuid.NewString()[:8],
		Name:                name,
		Fingerprints:        []fingerprint.Fingerprint{fp},
		ConfidenceThreshold: DefaultThreshold,
		Actions:             actions,
		CreatedAt:           m.clock.Now(),
	}
	if err := m.repo.SaveZone(ctx, z); err != nil {
		return Zone{}, fmt.Errorf("failed to save zone %s: %w", name, err)
	}

	m.mu.Lock()
	m.zones[z.ID] = z
	m.mu.Unlock()
	m.invalidate()

	m.logger.Info("zone created", "zone", z.ID, "name", name, "networks", len(fp.Networks))
	return z.clone(), nil
}

// ImportZone adds a fully specified zone, assigning an ID and creation
// time when missing.
func (m *Manager) ImportZone(ctx context.Context, z Zone) (Zone, error) {
	if strings.TrimSpace(z.Name) == "" {
		return Zone{}, fmt.Errorf("zone name must not be empty")
	}
	if z.ID == "" {
		z.ID = uuid.NewString()[:8]
	}
	if z.ConfidenceThreshold <= 0 || z.ConfidenceThreshold > 1 {
		z.ConfidenceThreshold = DefaultThreshold
	}
	if z.CreatedAt.IsZero() {
		z.CreatedAt = m.clock.Now()
	}
	if err := m.repo.SaveZone(ctx, z); err != nil {
		return Zone{}, fmt.Errorf("failed to save zone %s: %w", z.Name, err)
	}
	m.mu.Lock()
	m.zones[z.ID] = z.clone()
	m.mu.Unlock()
	m.invalidate()
	return z, nil
}

// AddFingerprint records the current location as another fingerprint
// of the zone identified by ID or name. It reports false without error
// when the location is already well represented.
func (m *Manager) AddFingerprint(ctx context.Context, ref string) (bool, error) {
	if _, err := m.Zone(ref); err != nil {
		return false, err
	}
	fp, err := m.source.Fingerprint(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to fingerprint location: %w", err)
	}
	if fp.Confidence < MinConfidence {
		return false, fmt.Errorf("%w (%d networks visible)", ErrLowConfidence, len(fp.Networks))
	}

	m.mu.Lock()
	m.fingerprint = fp
	z, ok := m.lookupLocked(ref)
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrZoneNotFound, ref)
	}
	if z.Score(fp) >= DuplicateSimilarity {
		m.mu.Unlock()
		return false, nil
	}
	z = z.clone()
	z.Fingerprints = append(z.Fingerprints, fp)
	if n := len(z.Fingerprints); n > MaxFingerprints {
		z.Fingerprints = z.Fingerprints[n-MaxFingerprints:]
	}
	m.zones[z.ID] = z
	m.mu.Unlock()

	if err := m.repo.SaveZone(ctx, z); err != nil {
		return false, fmt.Errorf("failed to save zone %s: %w", z.ID, err)
	}
	m.invalidate()
	m.logger.Info("fingerprint added", "zone", z.ID, "fingerprints", len(z.Fingerprints))
	return true, nil
}

// RemoveZone deletes a zone. Removing the current zone clears it.
func (m *Manager) RemoveZone(ctx context.Context, id string) error {
	m.mu.RLock()
	_, ok := m.zones[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrZoneNotFound, id)
	}
	if err := m.repo.DeleteZone(ctx, id); err != nil {
		return fmt.Errorf("failed to delete zone %s: %w", id, err)
	}

	m.mu.Lock()
	delete(m.zones, id)
	if m.current == id {
		m.current = ""
	}
	m.mu.Unlock()
	m.invalidate()

	m.logger.Info("zone removed", "zone", id)
	return nil
}

// ActivateZone forces the current zone. The change has confidence 1.
func (m *Manager) ActivateZone(ctx context.Context, id string) (*LocationChange, error) {
	now := m.clock.Now()

	m.mu.Lock()
	to, ok := m.zones[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrZoneNotFound, id)
	}
	change := &LocationChange{To: to.clone(), Confidence: 1.0, Margin: 1.0}
	change.SuggestedActions = change.To.Actions
	fromID := m.current
	if from, ok := m.zones[fromID]; ok {
		f := from.clone()
		change.From = &f
	}
	m.current = id
	m.changes++
	m.mu.Unlock()

	m.record(ctx, Change{FromZoneID: fromID, ToZoneID: id, Confidence: 1.0, Manual: true, At: now})
	m.logger.Info("zone activated", "zone", id)
	return change, nil
}

// ListZones returns every zone ordered by creation time.
func (m *Manager) ListZones() []Zone {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Zone, 0, len(m.zones))
	for _, z := range m.zones {
		out = append(out, z.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Zone looks up a zone by ID, then by case-insensitive name.
func (m *Manager) Zone(ref string) (Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.lookupLocked(ref)
	if !ok {
		return Zone{}, fmt.Errorf("%w: %s", ErrZoneNotFound, ref)
	}
	return z.clone(), nil
}

func (m *Manager) lookupLocked(ref string) (Zone, bool) {
	if z, ok := m.zones[ref]; ok {
		return z, true
	}
	for _, z := range m.zones {
		if strings.EqualFold(z.Name, ref) {
			return z, true
		}
	}
	return Zone{}, false
}

// ActiveZone returns the current zone, if any.
func (m *Manager) ActiveZone() (Zone, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.zones[m.current]
	if !ok {
		return Zone{}, false
	}
	return z.clone(), true
}

// CurrentFingerprint returns the most recent fingerprint seen.
func (m *Manager) CurrentFingerprint() fingerprint.Fingerprint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fingerprint
}

// Len returns the number of zones.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.zones)
}

// Stats returns counters for status reporting.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{Zones: len(m.zones), TotalChanges: m.changes, LastScan: m.lastScan}
	if _, ok := m.zones[m.current]; ok {
		s.ActiveZoneID = m.current
	}
	return s
}
