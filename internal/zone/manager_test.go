package zone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/blackwell-systems/netzone/internal/clock"
	"github.com/blackwell-systems/netzone/internal/fingerprint"
	"github.com/blackwell-systems/netzone/internal/resource"
)

var t0 = time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)

type memRepo struct {
	mu      sync.Mutex
	zones   map[string]Zone
	changes []Change
	failAll error
}

func newMemRepo() *memRepo {
	return &memRepo{zones: make(map[string]Zone)}
}

func (r *memRepo) ListZones(context.Context) ([]Zone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return nil, r.failAll
	}
	var out []Zone
	for _, z := range r.zones {
		out = append(out, z)
	}
	return out, nil
}

func (r *memRepo) SaveZone(_ context.Context, z Zone) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return r.failAll
	}
	r.zones[z.ID] = z
	return nil
}

func (r *memRepo) DeleteZone(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.zones[id]; !ok {
		return ErrZoneNotFound
	}
	delete(r.zones, id)
	return nil
}

func (r *memRepo) RecordMatch(_ context.Context, id string, at time.Time, count uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return r.failAll
	}
	z, ok := r.zones[id]
	if !ok {
		return ErrZoneNotFound
	}
	z.LastMatched = at
	z.MatchCount = count
	r.zones[id] = z
	return nil
}

func (r *memRepo) RecordChange(_ context.Context, c Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return r.failAll
	}
	r.changes = append(r.changes, c)
	return nil
}

func (r *memRepo) CountChanges(context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.changes)), nil
}

// fixedSource returns whatever fingerprint it currently holds.
type fixedSource struct {
	mu  sync.Mutex
	fp  fingerprint.Fingerprint
	err error
}

func (s *fixedSource) set(fp fingerprint.Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fp = fp
}

func (s *fixedSource) Fingerprint(context.Context) (fingerprint.Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fp, s.err
}

// place builds a fingerprint of n networks named prefix-0..prefix-n-1.
func place(prefix string, n int) fingerprint.Fingerprint {
	var sigs []fingerprint.Signature
	for i := 0; i < n; i++ {
		sigs = append(sigs, fingerprint.Signature{
			SSID:        fmt.Sprintf("%s-%d", prefix, i),
			BSSIDPrefix: "00:11:22",
			Signal:      -70,
			Frequency:   2412,
		})
	}
	return fingerprint.New(sigs, t0)
}

func setupManager(t *testing.T) (*Manager, *memRepo, *fixedSource, *resource.Cache) {
	t.Helper()
	clk := clock.Fake(t0)
	repo := newMemRepo()
	src := &fixedSource{}
	cache := resource.NewCache(resource.DefaultCacheConfig(), clk, nil)
	return NewManager(repo, src, cache, clk, nil), repo, src, cache
}

func TestCreateZoneRequiresConfidence(t *testing.T) {
	m, repo, src, _ := setupManager(t)
	ctx := context.Background()

	src.set(place("lonely", 0))
	if _, err := m.CreateZone(ctx, "Nowhere", DefaultActions()); !errors.Is(err, ErrLowConfidence) {
		t.Errorf("CreateZone() with no networks error = %v, want ErrLowConfidence", err)
	}

	if _, err := m.CreateZone(ctx, "  ", DefaultActions()); err == nil {
		t.Error("CreateZone() with blank name should fail")
	}

	src.set(place("home", 4))
	z, err := m.CreateZone(ctx, "Home", Actions{WiFi: "HomeNet", Notifications: true})
	if err != nil {
		t.Fatalf("CreateZone() error = %v", err)
	}
	if len(z.ID) != 8 {
		t.Errorf("zone ID %q should be 8 characters", z.ID)
	}
	if z.ConfidenceThreshold != DefaultThreshold {
		t.Errorf("ConfidenceThreshold = %v, want %v", z.ConfidenceThreshold, DefaultThreshold)
	}
	if _, ok := repo.zones[z.ID]; !ok {
		t.Error("zone was not persisted")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestDetectLocationChange(t *testing.T) {
	m, repo, src, _ := setupManager(t)
	ctx := context.Background()

	src.set(place("home", 5))
	home, err := m.CreateZone(ctx, "Home", DefaultActions())
	if err != nil {
		t.Fatal(err)
	}
	src.set(place("office", 8))
	office, err := m.CreateZone(ctx, "Office", Actions{VPN: "corp"})
	if err != nil {
		t.Fatal(err)
	}

	// First match enters a zone from nowhere.
	src.set(place("home", 5))
	change, err := m.DetectLocationChange(ctx)
	if err != nil {
		t.Fatalf("DetectLocationChange() error = %v", err)
	}
	if change == nil || change.To.ID != home.ID || change.From != nil {
		t.Fatalf("change = %+v, want entry into home", change)
	}
	if change.Confidence != 1.0 || change.Margin != 1.0 {
		t.Errorf("confidence=%v margin=%v, want 1 and 1", change.Confidence, change.Margin)
	}

	// Same place again is not a change.
	if change, _ := m.DetectLocationChange(ctx); change != nil {
		t.Errorf("repeat detection = %+v, want nil", change)
	}

	src.set(place("office", 8))
	change, err = m.DetectLocationChange(ctx)
	if err != nil || change == nil {
		t.Fatalf("DetectLocationChange() = %v, %v", change, err)
	}
	if change.From == nil || change.From.ID != home.ID || change.To.ID != office.ID {
		t.Errorf("change from=%v to=%s, want home to office", change.From, change.To.ID)
	}
	if change.SuggestedActions.VPN != "corp" {
		t.Errorf("SuggestedActions = %+v", change.SuggestedActions)
	}
	if change.To.MatchCount != 1 {
		t.Errorf("MatchCount = %d, want 1", change.To.MatchCount)
	}

	s := m.Stats()
	if s.TotalChanges != 2 || s.ActiveZoneID != office.ID || s.Zones != 2 {
		t.Errorf("Stats() = %+v", s)
	}
	if len(repo.changes) != 2 {
		t.Errorf("recorded %d changes, want 2", len(repo.changes))
	}
}

func TestDetectDoesNotRecreateRemovedZone(t *testing.T) {
	m, repo, src, _ := setupManager(t)
	ctx := context.Background()

	src.set(place("home", 5))
	home, err := m.CreateZone(ctx, "Home", DefaultActions())
	if err != nil {
		t.Fatal(err)
	}

	// The zone disappears from storage while the manager still holds it,
	// as when a removal lands between matching and saving.
	repo.mu.Lock()
	delete(repo.zones, home.ID)
	repo.mu.Unlock()

	change, err := m.DetectLocationChange(ctx)
	if err != nil {
		t.Fatalf("DetectLocationChange() error = %v", err)
	}
	if change == nil || change.To.ID != home.ID || change.To.MatchCount != 1 {
		t.Fatalf("change = %+v, want entry into home", change)
	}

	repo.mu.Lock()
	_, back := repo.zones[home.ID]
	repo.mu.Unlock()
	if back {
		t.Error("match statistics recreated a removed zone")
	}
}

func TestDetectRecordsMatchStats(t *testing.T) {
	m, repo, src, _ := setupManager(t)
	ctx := context.Background()

	src.set(place("home", 5))
	home, err := m.CreateZone(ctx, "Home", DefaultActions())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.DetectLocationChange(ctx); err != nil {
		t.Fatal(err)
	}

	repo.mu.Lock()
	stored := repo.zones[home.ID]
	repo.mu.Unlock()
	if stored.MatchCount != 1 || !stored.LastMatched.Equal(t0) {
		t.Errorf("stored stats = %d at %v, want 1 at %v", stored.MatchCount, stored.LastMatched, t0)
	}
	if len(stored.Fingerprints) != 1 || stored.Name != "Home" {
		t.Errorf("stored zone = %+v", stored)
	}
}

func TestDetectLocationChangeNoMatch(t *testing.T) {
	tests := []struct {
		name string
		scan fingerprint.Fingerprint
	}{
		{"too few networks", place("home", 0)},
		{"unknown place", place("cafe", 6)},
		// Two shared networks out of nine seen: similarity 0.22.
		{"partial overlap", fingerprint.New(append(place("home", 2).Networks, place("cafe", 4).Networks...), t0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, src, _ := setupManager(t)
			ctx := context.Background()
			src.set(place("home", 5))
			if _, err := m.CreateZone(ctx, "Home", DefaultActions()); err != nil {
				t.Fatal(err)
			}

			src.set(tt.scan)
			change, err := m.DetectLocationChange(ctx)
			if err != nil {
				t.Fatalf("DetectLocationChange() error = %v", err)
			}
			if change != nil {
				t.Errorf("change = %+v, want nil", change)
			}
		})
	}
}

func TestDetectLocationChangeSourceError(t *testing.T) {
	m, _, src, _ := setupManager(t)
	src.err = errors.New("pool timeout")
	if _, err := m.DetectLocationChange(context.Background()); err == nil {
		t.Error("DetectLocationChange() should surface source errors")
	}
}

func TestDetectUsesZoneMatchCache(t *testing.T) {
	m, _, src, cache := setupManager(t)
	ctx := context.Background()

	src.set(place("home", 5))
	home, _ := m.CreateZone(ctx, "Home", DefaultActions())
	if _, err := m.DetectLocationChange(ctx); err != nil {
		t.Fatal(err)
	}
	m.mu.Lock()
	m.current = ""
	m.mu.Unlock()

	change, err := m.DetectLocationChange(ctx)
	if err != nil || change == nil || change.To.ID != home.ID {
		t.Fatalf("DetectLocationChange() = %+v, %v", change, err)
	}
	if hits := cache.Stats().ZoneMatch.Hits; hits != 1 {
		t.Errorf("zone match cache hits = %d, want 1", hits)
	}

	// Creating a zone invalidates cached matches.
	src.set(place("office", 4))
	if _, err := m.CreateZone(ctx, "Office", DefaultActions()); err != nil {
		t.Fatal(err)
	}
	if n := cache.Stats().ZoneMatch.Entries; n != 0 {
		t.Errorf("zone match cache has %d entries after CreateZone", n)
	}
}

func TestBestZoneWinsWithMargin(t *testing.T) {
	m, _, src, _ := setupManager(t)
	ctx := context.Background()

	src.set(place("a", 10))
	wide, _ := m.CreateZone(ctx, "Wide", DefaultActions())
	src.set(place("a", 9))
	narrow, _ := m.CreateZone(ctx, "Narrow", DefaultActions())

	src.set(place("a", 9))
	change, err := m.DetectLocationChange(ctx)
	if err != nil || change == nil {
		t.Fatalf("DetectLocationChange() = %v, %v", change, err)
	}
	if change.To.ID != narrow.ID {
		t.Errorf("matched %s, want the exact zone %s (not %s)", change.To.Name, narrow.ID, wide.ID)
	}
	// Wide scores 0.9, so the margin is (1.0-0.9)/1.0.
	if change.Margin < 0.099 || change.Margin > 0.101 {
		t.Errorf("Margin = %v, want 0.1", change.Margin)
	}
}

func TestActivateAndRemoveZone(t *testing.T) {
	m, repo, src, _ := setupManager(t)
	ctx := context.Background()

	src.set(place("home", 5))
	home, _ := m.CreateZone(ctx, "Home", DefaultActions())

	if _, err := m.ActivateZone(ctx, "missing"); !errors.Is(err, ErrZoneNotFound) {
		t.Errorf("ActivateZone(missing) error = %v, want ErrZoneNotFound", err)
	}

	change, err := m.ActivateZone(ctx, home.ID)
	if err != nil {
		t.Fatal(err)
	}
	if change.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", change.Confidence)
	}
	if z, ok := m.ActiveZone(); !ok || z.ID != home.ID {
		t.Errorf("ActiveZone() = %v, %v", z.ID, ok)
	}
	if len(repo.changes) != 1 || !repo.changes[0].Manual {
		t.Errorf("changes = %+v, want one manual change", repo.changes)
	}

	if err := m.RemoveZone(ctx, home.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.ActiveZone(); ok {
		t.Error("ActiveZone() should be cleared after removing it")
	}
	if err := m.RemoveZone(ctx, home.ID); !errors.Is(err, ErrZoneNotFound) {
		t.Errorf("second RemoveZone() error = %v, want ErrZoneNotFound", err)
	}
}

func TestAddFingerprint(t *testing.T) {
	m, _, src, _ := setupManager(t)
	ctx := context.Background()

	src.set(place("home", 5))
	home, _ := m.CreateZone(ctx, "Home", DefaultActions())

	added, err := m.AddFingerprint(ctx, "home")
	if err != nil || added {
		t.Errorf("AddFingerprint() identical location = %v, %v; want false, nil", added, err)
	}

	src.set(place("upstairs", 4))
	added, err = m.AddFingerprint(ctx, home.ID)
	if err != nil || !added {
		t.Fatalf("AddFingerprint() = %v, %v; want true", added, err)
	}
	z, _ := m.Zone(home.ID)
	if len(z.Fingerprints) != 2 {
		t.Errorf("Fingerprints = %d, want 2", len(z.Fingerprints))
	}

	// The new fingerprint now matches the zone.
	change, err := m.DetectLocationChange(ctx)
	if err != nil || change == nil || change.To.ID != home.ID {
		t.Errorf("DetectLocationChange() upstairs = %+v, %v", change, err)
	}

	if _, err := m.AddFingerprint(ctx, "garage"); !errors.Is(err, ErrZoneNotFound) {
		t.Errorf("AddFingerprint(garage) error = %v, want ErrZoneNotFound", err)
	}
}

func TestAddFingerprintKeepsNewest(t *testing.T) {
	m, _, src, _ := setupManager(t)
	ctx := context.Background()

	src.set(place("room-0", 4))
	home, _ := m.CreateZone(ctx, "Home", DefaultActions())
	for i := 1; i <= MaxFingerprints+2; i++ {
		src.set(place(fmt.Sprintf("room-%d", i), 4))
		if _, err := m.AddFingerprint(ctx, home.ID); err != nil {
			t.Fatal(err)
		}
	}
	z, _ := m.Zone(home.ID)
	if len(z.Fingerprints) != MaxFingerprints {
		t.Fatalf("Fingerprints = %d, want %d", len(z.Fingerprints), MaxFingerprints)
	}
	if got := z.Fingerprints[0].Networks[0].SSID; got != "room-3-0" {
		t.Errorf("oldest kept fingerprint starts with %q, want room-3-0", got)
	}
}

func TestLoadAndRestore(t *testing.T) {
	repo := newMemRepo()
	repo.zones["abcd1234"] = Zone{ID: "abcd1234", Name: "Home", CreatedAt: t0}
	repo.changes = []Change{{ToZoneID: "abcd1234"}, {ToZoneID: "abcd1234"}}

	m := NewManager(repo, &fixedSource{}, nil, clock.Fake(t0), nil)
	if err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Restore("nope") {
		t.Error("Restore() accepted an unknown zone")
	}
	if !m.Restore("abcd1234") {
		t.Fatal("Restore() rejected a known zone")
	}
	s := m.Stats()
	if s.Zones != 1 || s.TotalChanges != 2 || s.ActiveZoneID != "abcd1234" {
		t.Errorf("Stats() = %+v", s)
	}

	repo.failAll = errors.New("disk on fire")
	if err := m.Load(context.Background()); err == nil {
		t.Error("Load() should fail when the repository does")
	}
}

func TestActionsCount(t *testing.T) {
	on := true
	a := Actions{
		WiFi:             "Home",
		TailscaleShields: &on,
		Bluetooth:        []string{"Headphones", "Keyboard"},
		CustomCommands:   []string{"notify-send hi"},
	}
	if got := a.Count(); got != 5 {
		t.Errorf("Count() = %d, want 5", got)
	}
	if got := DefaultActions().Count(); got != 0 {
		t.Errorf("DefaultActions().Count() = %d, want 0", got)
	}
}
