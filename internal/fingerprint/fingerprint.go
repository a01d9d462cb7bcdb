// Package fingerprint captures the visible Wi-Fi environment as a
// LocationFingerprint and scores how similar two fingerprints are.
//
// A fingerprint is a set of network signatures. Two signatures are the
// same network when their SSID (plain or hashed), BSSID vendor prefix
// and frequency match; signal is carried for weighting only.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// PrivacyMode controls how SSIDs are stored in a fingerprint.
type PrivacyMode int

const (
	// PrivacyHigh hashes SSIDs.
	PrivacyHigh PrivacyMode = iota
	// PrivacyMedium hashes SSIDs.
	PrivacyMedium
	// PrivacyLow stores SSIDs in plain text.
	PrivacyLow
)

func (m PrivacyMode) String() string {
	switch m {
	case PrivacyHigh:
		return "high"
	case PrivacyMedium:
		return "medium"
	case PrivacyLow:
		return "low"
	default:
		return fmt.Sprintf("PrivacyMode(%d)", int(m))
	}
}

// ParsePrivacyMode parses "high", "medium" or "low".
func ParsePrivacyMode(s string) (PrivacyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "":
		return PrivacyHigh, nil
	case "medium":
		return PrivacyMedium, nil
	case "low":
		return PrivacyLow, nil
	default:
		return PrivacyHigh, fmt.Errorf("unknown privacy mode %q (want high, medium or low)", s)
	}
}

// StrongSignal is the threshold above which a network counts toward the
// weighted-similarity bonus.
const StrongSignal = -60

// Signature is one visible access point.
type Signature struct {
	SSID        string `json:"ssid" cbor:"ssid"`
	BSSIDPrefix string `json:"bssid_prefix" cbor:"bssid_prefix"`
	Signal      int8   `json:"signal_strength" cbor:"signal_strength"`
	Frequency   uint32 `json:"frequency" cbor:"frequency"`
}

// identity is what makes two signatures the same network. Each band of
// a dual-band access point is its own network.
type identity struct {
	ssid   string
	prefix string
	freq   uint32
}

func (s Signature) id() identity {
	return identity{ssid: s.SSID, prefix: s.BSSIDPrefix, freq: s.Frequency}
}

// Fingerprint is a snapshot of the visible networks at one moment.
// Networks holds one entry per identity, sorted.
type Fingerprint struct {
	Networks   []Signature `json:"wifi_networks" cbor:"wifi_networks"`
	Confidence float64     `json:"confidence_score" cbor:"confidence_score"`
	Timestamp  time.Time   `json:"timestamp" cbor:"timestamp"`
}

// New builds a fingerprint from raw scan entries. Entries with an empty
// SSID are dropped and duplicate identities collapse to the strongest
// signal.
func New(networks []Signature, at time.Time) Fingerprint {
	best := make(map[identity]Signature, len(networks))
	for _, n := range networks {
		if n.SSID == "" {
			continue
		}
		if prev, ok := best[n.id()]; ok && prev.Signal >= n.Signal {
			continue
		}
		best[n.id()] = n
	}

	set := make([]Signature, 0, len(best))
	for _, n := range best {
		set = append(set, n)
	}
	sort.Slice(set, func(i, j int) bool {
		if set[i].SSID != set[j].SSID {
			return set[i].SSID < set[j].SSID
		}
		if set[i].BSSIDPrefix != set[j].BSSIDPrefix {
			return set[i].BSSIDPrefix < set[j].BSSIDPrefix
		}
		return set[i].Frequency < set[j].Frequency
	})

	return Fingerprint{
		Networks:   set,
		Confidence: Confidence(len(set)),
		Timestamp:  at,
	}
}

// Empty reports whether no networks were seen.
func (f Fingerprint) Empty() bool {
	return len(f.Networks) == 0
}

// Hash is a stable digest of the fingerprint's network identities.
// Signal does not contribute.
func (f Fingerprint) Hash() string {
	h := blake3.New()
	for _, n := range f.Networks {
		h.WriteString(n.SSID)
		h.WriteString("\x00")
		h.WriteString(n.BSSIDPrefix)
		h.WriteString("\x00")
		h.WriteString(strconv.FormatUint(uint64(n.Frequency), 10))
		h.WriteString("\x00")
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Confidence maps the number of distinct visible networks to how much
// a fingerprint can be trusted for matching.
func Confidence(networks int) float64 {
	switch {
	case networks <= 0:
		return 0.0
	case networks <= 2:
		return 0.3
	case networks <= 5:
		return 0.6
	case networks <= 10:
		return 0.8
	default:
		return 0.9
	}
}

// HashSSID returns the 16 character digest stored instead of a plain
// SSID in high and medium privacy modes.
func HashSSID(ssid string) string {
	sum := blake3.Sum256([]byte(ssid))
	return hex.EncodeToString(sum[:])[:16]
}

// Similarity is the Jaccard index of the two network sets. Two empty
// fingerprints have similarity 0.
func Similarity(a, b Fingerprint) float64 {
	if len(a.Networks) == 0 && len(b.Networks) == 0 {
		return 0.0
	}
	inB := make(map[identity]struct{}, len(b.Networks))
	for _, n := range b.Networks {
		inB[n.id()] = struct{}{}
	}

	inA := make(map[identity]struct{}, len(a.Networks))
	intersection := 0
	for _, n := range a.Networks {
		if _, dup := inA[n.id()]; dup {
			continue
		}
		inA[n.id()] = struct{}{}
		if _, ok := inB[n.id()]; ok {
			intersection++
		}
	}
	union := len(inA) + len(inB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// WeightedSimilarity adds up to 0.2 to Similarity for networks that are
// strong in both fingerprints. The result never exceeds 1.0.
func WeightedSimilarity(a, b Fingerprint) float64 {
	base := Similarity(a, b)

	strongB := make(map[identity]struct{})
	for _, n := range b.Networks {
		if n.Signal > StrongSignal {
			strongB[n.id()] = struct{}{}
		}
	}
	strong := make(map[identity]struct{})
	for _, n := range a.Networks {
		if n.Signal <= StrongSignal {
			continue
		}
		if _, ok := strongB[n.id()]; ok {
			strong[n.id()] = struct{}{}
		}
	}

	bonus := float64(len(strong)) / 10.0
	if bonus > 0.2 {
		bonus = 0.2
	}
	if base+bonus > 1.0 {
		return 1.0
	}
	return base + bonus
}
