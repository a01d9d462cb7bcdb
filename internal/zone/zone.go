// Package zone defines user zones and matches the current Wi-Fi
// fingerprint against them.
package zone

import (
	"context"
	"errors"
	"time"

	"github.com/blackwell-systems/netzone/internal/fingerprint"
)

const (
	// DefaultThreshold is the weighted similarity a fingerprint needs
	// to match a zone when the zone does not set its own.
	DefaultThreshold = 0.8
	// MinConfidence is the fingerprint confidence below which no
	// detection or zone creation is attempted.
	MinConfidence = 0.3
	// MaxFingerprints bounds how many fingerprints a zone keeps.
	MaxFingerprints = 10
	// DuplicateSimilarity is the similarity at which a new fingerprint
	// is considered a duplicate of one the zone already has.
	DuplicateSimilarity = 0.95
)

var (
	// ErrZoneNotFound is returned for an unknown zone ID or name.
	ErrZoneNotFound = errors.New("zone not found")
	// ErrLowConfidence is returned when too few networks are visible
	// to describe a location.
	ErrLowConfidence = errors.New("insufficient WiFi networks for reliable zone creation")
)

// Actions is the desired network state for a zone. Empty strings and a
// nil TailscaleShields mean "leave alone".
type Actions struct {
	WiFi              string   `json:"wifi,omitempty" cbor:"wifi,omitempty" yaml:"wifi,omitempty"`
	VPN               string   `json:"vpn,omitempty" cbor:"vpn,omitempty" yaml:"vpn,omitempty"`
	TailscaleExitNode string   `json:"tailscale_exit_node,omitempty" cbor:"tailscale_exit_node,omitempty" yaml:"tailscale_exit_node,omitempty"`
	TailscaleShields  *bool    `json:"tailscale_shields,omitempty" cbor:"tailscale_shields,omitempty" yaml:"tailscale_shields,omitempty"`
	Bluetooth         []string `json:"bluetooth,omitempty" cbor:"bluetooth,omitempty" yaml:"bluetooth,omitempty"`
	CustomCommands    []string `json:"custom_commands,omitempty" cbor:"custom_commands,omitempty" yaml:"custom_commands,omitempty"`
	Notifications     bool     `json:"notifications" cbor:"notifications" yaml:"notifications"`
}

// DefaultActions returns an empty action set with notifications on.
func DefaultActions() Actions {
	return Actions{Notifications: true}
}

// Count returns how many individual actions the set describes.
func (a Actions) Count() int {
	n := len(a.Bluetooth) + len(a.CustomCommands)
	if a.WiFi != "" {
		n++
	}
	if a.VPN != "" {
		n++
	}
	if a.TailscaleExitNode != "" {
		n++
	}
	if a.TailscaleShields != nil {
		n++
	}
	return n
}

// Zone is a named location and what to do on entering it.
type Zone struct {
	ID                  string                    `json:"id" cbor:"id"`
	Name                string                    `json:"name" cbor:"name"`
	Fingerprints        []fingerprint.Fingerprint `json:"fingerprints" cbor:"fingerprints"`
	ConfidenceThreshold float64                   `json:"confidence_threshold" cbor:"confidence_threshold"`
	Actions             Actions                   `json:"actions" cbor:"actions"`
	CreatedAt           time.Time                 `json:"created_at" cbor:"created_at"`
	LastMatched         time.Time                 `json:"last_matched,omitempty" cbor:"last_matched,omitempty"`
	MatchCount          uint64                    `json:"match_count" cbor:"match_count"`
}

// Score is the best weighted similarity between fp and any of the
// zone's fingerprints.
func (z Zone) Score(fp fingerprint.Fingerprint) float64 {
	best := 0.0
	for _, zf := range z.Fingerprints {
		if s := fingerprint.WeightedSimilarity(zf, fp); s > best {
			best = s
		}
	}
	return best
}

func (z Zone) threshold() float64 {
	if z.ConfidenceThreshold <= 0 {
		return DefaultThreshold
	}
	return z.ConfidenceThreshold
}

func (z Zone) clone() Zone {
	out := z
	out.Fingerprints = append([]fingerprint.Fingerprint(nil), z.Fingerprints...)
	out.Actions.Bluetooth = append([]string(nil), z.Actions.Bluetooth...)
	out.Actions.CustomCommands = append([]string(nil), z.Actions.CustomCommands...)
	if z.Actions.TailscaleShields != nil {
		v := *z.Actions.TailscaleShields
		out.Actions.TailscaleShields = &v
	}
	return out
}

// LocationChange describes a move into a zone. From is nil when no zone
// was active. Confidence is the weighted similarity of the match; Margin
// is how far ahead of the runner-up zone it was, relative to Confidence.
type LocationChange struct {
	From             *Zone   `json:"from,omitempty" cbor:"from,omitempty"`
	To               Zone    `json:"to" cbor:"to"`
	Confidence       float64 `json:"confidence" cbor:"confidence"`
	Margin           float64 `json:"margin" cbor:"margin"`
	SuggestedActions Actions `json:"suggested_actions" cbor:"suggested_actions"`
}

// Change is one entry in the zone change history.
type Change struct {
	FromZoneID string    `json:"from_zone_id,omitempty" cbor:"from_zone_id,omitempty"`
	ToZoneID   string    `json:"to_zone_id" cbor:"to_zone_id"`
	Confidence float64   `json:"confidence" cbor:"confidence"`
	Manual     bool      `json:"manual" cbor:"manual"`
	At         time.Time `json:"at" cbor:"at"`
}

// Repository persists zones and their change history.
type Repository interface {
	ListZones(ctx context.Context) ([]Zone, error)
	SaveZone(ctx context.Context, z Zone) error
	DeleteZone(ctx context.Context, id string) error
	// RecordMatch updates the match statistics of an existing zone. A
	// zone that no longer exists is ErrZoneNotFound and is not recreated.
	RecordMatch(ctx context.Context, id string, at time.Time, count uint64) error
	RecordChange(ctx context.Context, c Change) error
	CountChanges(ctx context.Context) (uint64, error)
}

// Source produces the fingerprint of the current location.
type Source interface {
	Fingerprint(ctx context.Context) (fingerprint.Fingerprint, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (fingerprint.Fingerprint, error)

// Fingerprint calls f.
func (f SourceFunc) Fingerprint(ctx context.Context) (fingerprint.Fingerprint, error) {
	return f(ctx)
}
