package resource

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blackwell-systems/netzone/internal/clock"
	"github.com/blackwell-systems/netzone/internal/fingerprint"
)

// CacheConfig sets TTLs and bounds for the Cache.
type CacheConfig struct {
	FingerprintTTL  time.Duration `yaml:"fingerprint_ttl"`
	NetworkStateTTL time.Duration `yaml:"network_state_ttl"`
	ZoneMatchTTL    time.Duration `yaml:"zone_match_ttl"`
	MaxEntries      int           `yaml:"max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultCacheConfig returns the stock cache settings.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		FingerprintTTL:  60 * time.Second,
		NetworkStateTTL: 30 * time.Second,
		ZoneMatchTTL:    120 * time.Second,
		MaxEntries:      1000,
		CleanupInterval: 300 * time.Second,
	}
}

// ZoneMatch is a cached answer to "which zone does this fingerprint
// belong to".
type ZoneMatch struct {
	ZoneID          string  `json:"zone_id" cbor:"zone_id"`
	Confidence      float64 `json:"confidence" cbor:"confidence"`
	Margin          float64 `json:"margin" cbor:"margin"`
	FingerprintHash string  `json:"fingerprint_hash" cbor:"fingerprint_hash"`
}

// BluetoothState is the connection state of one paired device.
type BluetoothState string

const (
	BluetoothConnected    BluetoothState = "connected"
	BluetoothDisconnected BluetoothState = "disconnected"
	BluetoothConnecting   BluetoothState = "connecting"
	BluetoothUnknown      BluetoothState = "unknown"
)

// InterfaceInfo describes one network interface.
type InterfaceInfo struct {
	Up          bool     `json:"is_up" cbor:"is_up"`
	Addresses   []string `json:"ip_addresses" cbor:"ip_addresses"`
	Type        string   `json:"interface_type" cbor:"interface_type"`
	LinkSpeedMb uint32   `json:"link_speed,omitempty" cbor:"link_speed,omitempty"`
}

// NetworkState is what the daemon last observed about connectivity.
type NetworkState struct {
	SSID       string                    `json:"wifi_ssid,omitempty" cbor:"wifi_ssid,omitempty"`
	VPNs       []string                  `json:"vpn_connections,omitempty" cbor:"vpn_connections,omitempty"`
	Bluetooth  map[string]BluetoothState `json:"bluetooth,omitempty" cbor:"bluetooth,omitempty"`
	Interfaces map[string]InterfaceInfo  `json:"interfaces,omitempty" cbor:"interfaces,omitempty"`
}

func (s NetworkState) clone() NetworkState {
	out := NetworkState{SSID: s.SSID, VPNs: append([]string(nil), s.VPNs...)}
	if s.Bluetooth != nil {
		out.Bluetooth = make(map[string]BluetoothState, len(s.Bluetooth))
		for k, v := range s.Bluetooth {
			out.Bluetooth[k] = v
		}
	}
	if s.Interfaces != nil {
		out.Interfaces = make(map[string]InterfaceInfo, len(s.Interfaces))
		for k, v := range s.Interfaces {
			v.Addresses = append([]string(nil), v.Addresses...)
			out.Interfaces[k] = v
		}
	}
	return out
}

type entry[T any] struct {
	value        T
	createdAt    time.Time
	accessCount  uint64
	lastAccessed time.Time
}

func (e *entry[T]) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.createdAt) >= ttl
}

func (e *entry[T]) touch(now time.Time) {
	e.accessCount++
	e.lastAccessed = now
}

// KindStats counts lookups against one cache.
type KindStats struct {
	Hits          uint64 `json:"hits" cbor:"hits"`
	Misses        uint64 `json:"misses" cbor:"misses"`
	Evictions     uint64 `json:"evictions" cbor:"evictions"`
	Invalidations uint64 `json:"invalidations" cbor:"invalidations"`
	Entries       int    `json:"entries" cbor:"entries"`
}

// HitRate is hits over lookups as a percentage.
func (k KindStats) HitRate() float64 {
	total := k.Hits + k.Misses
	if total == 0 {
		return 0
	}
	return float64(k.Hits) / float64(total) * 100
}

// CacheStats reports each cache kind separately.
type CacheStats struct {
	Fingerprint  KindStats `json:"fingerprint" cbor:"fingerprint"`
	ZoneMatch    KindStats `json:"zone_match" cbor:"zone_match"`
	NetworkState KindStats `json:"network_state" cbor:"network_state"`
}

// HitRate is the combined hit rate over all kinds.
func (s CacheStats) HitRate() float64 {
	hits := s.Fingerprint.Hits + s.ZoneMatch.Hits + s.NetworkState.Hits
	misses := s.Fingerprint.Misses + s.ZoneMatch.Misses + s.NetworkState.Misses
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses) * 100
}

// EvictionScore ranks a fingerprint entry for eviction. Frequently used
// entries score higher; every hour without access costs one point.
// Lowest scores are evicted first.
func EvictionScore(accessCount uint64, lastAccessed, now time.Time) float64 {
	frequencyBonus := math.Log(1 + float64(accessCount))
	agePenalty := now.Sub(lastAccessed).Hours()
	return frequencyBonus - agePenalty
}

// Cache holds the daemon's three TTL caches. Each has its own lock.
type Cache struct {
	cfg    CacheConfig
	clock  clock.Clock
	logger *slog.Logger

	fpMu         sync.Mutex
	fingerprints map[string]*entry[fingerprint.Fingerprint]
	fpStats      KindStats

	zmMu    sync.Mutex
	matches *lru.Cache[string, *entry[ZoneMatch]]
	zmStats KindStats

	nsMu    sync.Mutex
	network *entry[NetworkState]
	nsStats KindStats
}

// NewCache builds a Cache.
func NewCache(cfg CacheConfig, clk clock.Clock, logger *slog.Logger) *Cache {
	if cfg.MaxEntries < 1 {
		cfg.MaxEntries = DefaultCacheConfig().MaxEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		cfg:          cfg,
		clock:        clk,
		logger:       logger,
		fingerprints: make(map[string]*entry[fingerprint.Fingerprint]),
	}
	c.matches, _ = lru.New[string, *entry[ZoneMatch]](cfg.MaxEntries)
	return c
}

// Fingerprint returns the cached fingerprint for key if present and
// within TTL.
func (c *Cache) Fingerprint(key string) (fingerprint.Fingerprint, bool) {
	now := c.clock.Now()

	c.fpMu.Lock()
	defer c.fpMu.Unlock()

	e, ok := c.fingerprints[key]
	if !ok || e.expired(now, c.cfg.FingerprintTTL) {
		if ok {
			delete(c.fingerprints, key)
		}
		c.fpStats.Misses++
		return fingerprint.Fingerprint{}, false
	}
	e.touch(now)
	c.fpStats.Hits++
	return e.value, true
}

// PutFingerprint stores fp under key, evicting the lowest scoring
// entries when the cache grows past MaxEntries.
func (c *Cache) PutFingerprint(key string, fp fingerprint.Fingerprint) {
	now := c.clock.Now()

	c.fpMu.Lock()
	defer c.fpMu.Unlock()

	c.fingerprints[key] = &entry[fingerprint.Fingerprint]{value: fp, createdAt: now, lastAccessed: now}
	if len(c.fingerprints) > c.cfg.MaxEntries {
		c.evictFingerprintsLocked(now)
	}
}

func (c *Cache) evictFingerprintsLocked(now time.Time) {
	type scored struct {
		key   string
		score float64
	}
	ranked := make([]scored, 0, len(c.fingerprints))
	for k, e := range c.fingerprints {
		ranked = append(ranked, scored{k, EvictionScore(e.accessCount, e.lastAccessed, now)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score < ranked[j].score })

	target := c.cfg.MaxEntries * 8 / 10
	excess := len(c.fingerprints) - target
	for i := 0; i < excess && i < len(ranked); i++ {
		delete(c.fingerprints, ranked[i].key)
		c.fpStats.Evictions++
	}
	c.logger.Debug("evicted fingerprint cache entries", "count", excess, "remaining", len(c.fingerprints))
}

// ZoneMatch returns the cached match for a fingerprint. An entry whose
// stored hash does not match the lookup key is treated as corrupt and
// dropped.
func (c *Cache) ZoneMatch(fingerprintHash string) (ZoneMatch, bool) {
	now := c.clock.Now()

	c.zmMu.Lock()
	defer c.zmMu.Unlock()

	e, ok := c.matches.Get(fingerprintHash)
	if !ok {
		c.zmStats.Misses++
		return ZoneMatch{}, false
	}
	if e.expired(now, c.cfg.ZoneMatchTTL) || e.value.FingerprintHash != fingerprintHash {
		c.matches.Remove(fingerprintHash)
		c.zmStats.Misses++
		return ZoneMatch{}, false
	}
	e.touch(now)
	c.zmStats.Hits++
	return e.value, true
}

// PutZoneMatch caches m under its fingerprint hash.
func (c *Cache) PutZoneMatch(m ZoneMatch) {
	now := c.clock.Now()
	c.zmMu.Lock()
	defer c.zmMu.Unlock()
	if c.matches.Add(m.FingerprintHash, &entry[ZoneMatch]{value: m, createdAt: now, lastAccessed: now}) {
		c.zmStats.Evictions++
	}
}

// InvalidateZoneMatches drops every cached zone match. Called whenever
// the zone set changes.
func (c *Cache) InvalidateZoneMatches() {
	c.zmMu.Lock()
	defer c.zmMu.Unlock()
	c.zmStats.Invalidations += uint64(c.matches.Len())
	c.matches.Purge()
}

// NetworkState returns the cached network state if within TTL.
func (c *Cache) NetworkState() (NetworkState, bool) {
	now := c.clock.Now()

	c.nsMu.Lock()
	defer c.nsMu.Unlock()

	if c.network == nil || c.network.expired(now, c.cfg.NetworkStateTTL) {
		c.nsStats.Misses++
		return NetworkState{}, false
	}
	c.network.touch(now)
	c.nsStats.Hits++
	return c.network.value.clone(), true
}

// PutNetworkState replaces the cached network state.
func (c *Cache) PutNetworkState(s NetworkState) {
	now := c.clock.Now()
	c.nsMu.Lock()
	defer c.nsMu.Unlock()
	c.network = &entry[NetworkState]{value: s.clone(), createdAt: now, lastAccessed: now}
}

// UpdateNetworkState applies fn to the cached state if one is live,
// keeping its original creation time.
func (c *Cache) UpdateNetworkState(fn func(*NetworkState)) {
	now := c.clock.Now()
	c.nsMu.Lock()
	defer c.nsMu.Unlock()
	if c.network == nil || c.network.expired(now, c.cfg.NetworkStateTTL) {
		return
	}
	fn(&c.network.value)
}

// InvalidateNetworkState forgets the cached network state.
func (c *Cache) InvalidateNetworkState() {
	c.nsMu.Lock()
	defer c.nsMu.Unlock()
	if c.network != nil {
		c.network = nil
		c.nsStats.Invalidations++
	}
}

// InvalidateAll empties every cache.
func (c *Cache) InvalidateAll() {
	c.fpMu.Lock()
	c.fpStats.Invalidations += uint64(len(c.fingerprints))
	c.fingerprints = make(map[string]*entry[fingerprint.Fingerprint])
	c.fpMu.Unlock()

	c.InvalidateZoneMatches()
	c.InvalidateNetworkState()
}

// Sweep removes TTL-expired entries from every cache and returns how
// many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	removed := 0

	c.fpMu.Lock()
	for k, e := range c.fingerprints {
		if e.expired(now, c.cfg.FingerprintTTL) {
			delete(c.fingerprints, k)
			removed++
		}
	}
	c.fpMu.Unlock()

	c.zmMu.Lock()
	for _, k := range c.matches.Keys() {
		if e, ok := c.matches.Peek(k); ok && e.expired(now, c.cfg.ZoneMatchTTL) {
			c.matches.Remove(k)
			removed++
		}
	}
	c.zmMu.Unlock()

	c.nsMu.Lock()
	if c.network != nil && c.network.expired(now, c.cfg.NetworkStateTTL) {
		c.network = nil
		removed++
	}
	c.nsMu.Unlock()

	return removed
}

// Run sweeps expired entries every CleanupInterval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	if c.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := c.clock.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache sweep", "expired", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stats returns per-kind counters.
func (c *Cache) Stats() CacheStats {
	var s CacheStats

	c.fpMu.Lock()
	s.Fingerprint = c.fpStats
	s.Fingerprint.Entries = len(c.fingerprints)
	c.fpMu.Unlock()

	c.zmMu.Lock()
	s.ZoneMatch = c.zmStats
	s.ZoneMatch.Entries = c.matches.Len()
	c.zmMu.Unlock()

	c.nsMu.Lock()
	s.NetworkState = c.nsStats
	if c.network != nil {
		s.NetworkState.Entries = 1
	}
	c.nsMu.Unlock()

	return s
}
