package fingerprint

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/blackwell-systems/netzone/internal/clock"
	"github.com/blackwell-systems/netzone/internal/command"
)

var scanTime = time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)

func sig(ssid, prefix string, signal int8) Signature {
	return Signature{SSID: ssid, BSSIDPrefix: prefix, Signal: signal, Frequency: 2437}
}

func networks(n int) []Signature {
	out := make([]Signature, n)
	for i := range out {
		out[i] = sig(fmt.Sprintf("net-%02d", i), "AA:BB:CC", -70)
	}
	return out
}

func TestConfidenceBuckets(t *testing.T) {
	tests := []struct {
		count int
		want  float64
	}{
		{0, 0.0},
		{1, 0.3},
		{2, 0.3},
		{3, 0.6},
		{5, 0.6},
		{6, 0.8},
		{7, 0.8},
		{10, 0.8},
		{11, 0.9},
		{40, 0.9},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d networks", tt.count), func(t *testing.T) {
			fp := New(networks(tt.count), scanTime)
			if fp.Confidence != tt.want {
				t.Errorf("Confidence = %v, want %v", fp.Confidence, tt.want)
			}
		})
	}
}

func TestNewDropsEmptyAndDeduplicates(t *testing.T) {
	fp := New([]Signature{
		sig("Home", "AA:BB:CC", -70),
		sig("Home", "AA:BB:CC", -40),
		sig("", "DD:EE:FF", -30),
		sig("Cafe", "11:22:33", -80),
	}, scanTime)

	if len(fp.Networks) != 2 {
		t.Fatalf("len(Networks) = %d, want 2", len(fp.Networks))
	}
	for _, n := range fp.Networks {
		if n.SSID == "Home" && n.Signal != -40 {
			t.Errorf("duplicate kept signal %d, want strongest -40", n.Signal)
		}
	}
}

func TestNewCountsEachBand(t *testing.T) {
	band := func(freq uint32, signal int8) Signature {
		return Signature{SSID: "Corp", BSSIDPrefix: "AA:BB:CC", Signal: signal, Frequency: freq}
	}

	tests := []struct {
		name           string
		in             []Signature
		wantNetworks   int
		wantConfidence float64
	}{
		{
			name:           "three bands of one vendor",
			in:             []Signature{band(2412, -50), band(5180, -60), band(5500, -70)},
			wantNetworks:   3,
			wantConfidence: 0.6,
		},
		{
			name:           "same band seen twice",
			in:             []Signature{band(2412, -70), band(2412, -45), band(5180, -60)},
			wantNetworks:   2,
			wantConfidence: 0.3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := New(tt.in, scanTime)
			if len(fp.Networks) != tt.wantNetworks {
				t.Fatalf("len(Networks) = %d, want %d", len(fp.Networks), tt.wantNetworks)
			}
			if fp.Confidence != tt.wantConfidence {
				t.Errorf("Confidence = %v, want %v", fp.Confidence, tt.wantConfidence)
			}
			for i := 1; i < len(fp.Networks); i++ {
				if fp.Networks[i-1].Frequency >= fp.Networks[i].Frequency {
					t.Errorf("Networks not ordered by frequency: %+v", fp.Networks)
				}
			}
		})
	}

	fp := New([]Signature{band(2412, -70), band(2412, -45)}, scanTime)
	if fp.Networks[0].Signal != -45 {
		t.Errorf("duplicate kept signal %d, want strongest -45", fp.Networks[0].Signal)
	}
}

func TestSimilarityDistinguishesBands(t *testing.T) {
	a := New([]Signature{{SSID: "Corp", BSSIDPrefix: "AA:BB:CC", Signal: -50, Frequency: 2412}}, scanTime)
	b := New([]Signature{{SSID: "Corp", BSSIDPrefix: "AA:BB:CC", Signal: -50, Frequency: 5180}}, scanTime)
	if got := Similarity(a, b); got != 0.0 {
		t.Errorf("Similarity() = %v, want 0.0 across bands", got)
	}
	if a.Hash() == b.Hash() {
		t.Error("Hash() equal for different bands")
	}
}

func TestSimilarityProperties(t *testing.T) {
	a := New([]Signature{sig("A", "AA:AA:AA", -50), sig("B", "BB:BB:BB", -70), sig("C", "CC:CC:CC", -80)}, scanTime)
	b := New([]Signature{sig("B", "BB:BB:BB", -65), sig("C", "CC:CC:CC", -75), sig("D", "DD:DD:DD", -55)}, scanTime)
	empty := New(nil, scanTime)

	if got, want := Similarity(a, b), 0.5; got != want {
		t.Errorf("Similarity(a, b) = %v, want %v", got, want)
	}
	if Similarity(a, b) != Similarity(b, a) {
		t.Errorf("Similarity not symmetric: %v vs %v", Similarity(a, b), Similarity(b, a))
	}
	if got := Similarity(a, a); got != 1.0 {
		t.Errorf("Similarity(a, a) = %v, want 1.0", got)
	}
	if got := Similarity(empty, empty); got != 0.0 {
		t.Errorf("Similarity(empty, empty) = %v, want 0.0", got)
	}
	if got := Similarity(a, empty); got != 0.0 {
		t.Errorf("Similarity(a, empty) = %v, want 0.0", got)
	}
}

func TestSimilarityIgnoresSignalForIdentity(t *testing.T) {
	a := New([]Signature{sig("Home", "AA:BB:CC", -40)}, scanTime)
	b := New([]Signature{sig("Home", "AA:BB:CC", -85)}, scanTime)
	if got := Similarity(a, b); got != 1.0 {
		t.Errorf("Similarity() = %v, want 1.0 when only signal differs", got)
	}
}

func TestWeightedSimilarityBonus(t *testing.T) {
	tests := []struct {
		name string
		a, b []Signature
		want float64
	}{
		{
			name: "weak signals get no bonus",
			a:    []Signature{sig("A", "AA:AA:AA", -70), sig("B", "BB:BB:BB", -70)},
			b:    []Signature{sig("A", "AA:AA:AA", -70), sig("C", "CC:CC:CC", -70)},
			want: 1.0 / 3.0,
		},
		{
			name: "one shared strong network adds 0.1",
			a:    []Signature{sig("A", "AA:AA:AA", -50), sig("B", "BB:BB:BB", -70)},
			b:    []Signature{sig("A", "AA:AA:AA", -55), sig("C", "CC:CC:CC", -70)},
			want: 1.0/3.0 + 0.1,
		},
		{
			name: "strong only on one side does not count",
			a:    []Signature{sig("A", "AA:AA:AA", -50), sig("B", "BB:BB:BB", -70)},
			b:    []Signature{sig("A", "AA:AA:AA", -75), sig("C", "CC:CC:CC", -70)},
			want: 1.0 / 3.0,
		},
		{
			name: "bonus capped at 0.2",
			a: []Signature{sig("A", "AA:AA:AA", -40), sig("B", "BB:BB:BB", -40),
				sig("C", "CC:CC:CC", -40), sig("X", "XX:XX:XX", -40)},
			b: []Signature{sig("A", "AA:AA:AA", -40), sig("B", "BB:BB:BB", -40),
				sig("C", "CC:CC:CC", -40), sig("Y", "YY:YY:YY", -40)},
			want: 3.0/5.0 + 0.2,
		},
		{
			name: "total capped at 1.0",
			a:    []Signature{sig("A", "AA:AA:AA", -40), sig("B", "BB:BB:BB", -40)},
			b:    []Signature{sig("A", "AA:AA:AA", -40), sig("B", "BB:BB:BB", -40)},
			want: 1.0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WeightedSimilarity(New(tt.a, scanTime), New(tt.b, scanTime))
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("WeightedSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHashStableAcrossSignalChanges(t *testing.T) {
	a := New([]Signature{sig("A", "AA:AA:AA", -40), sig("B", "BB:BB:BB", -70)}, scanTime)
	b := New([]Signature{sig("B", "BB:BB:BB", -50), sig("A", "AA:AA:AA", -80)}, scanTime.Add(time.Minute))
	c := New([]Signature{sig("A", "AA:AA:AA", -40)}, scanTime)

	if a.Hash() != b.Hash() {
		t.Error("Hash() differs for same identities")
	}
	if a.Hash() == c.Hash() {
		t.Error("Hash() equal for different identities")
	}
}

func TestHashSSID(t *testing.T) {
	h := HashSSID("HomeNetwork")
	if len(h) != 16 {
		t.Errorf("len(HashSSID()) = %d, want 16", len(h))
	}
	if h != HashSSID("HomeNetwork") {
		t.Error("HashSSID() not deterministic")
	}
	if h == HashSSID("homenetwork") {
		t.Error("HashSSID() collided on different input")
	}
}

func TestParseNMCLI(t *testing.T) {
	out := "Home:AA\\:BB\\:CC\\:DD\\:EE\\:FF:80:2437 MHz\n" +
		":11\\:22\\:33\\:44\\:55\\:66:90:5180 MHz\n" +
		"Cafe\\:Guest:12\\:34\\:56\\:78\\:9A\\:BC:30:5745 MHz\n" +
		"Broken:xx:notanumber:garbage\n"

	got := ParseNMCLI(out)
	if len(got) != 3 {
		t.Fatalf("ParseNMCLI() returned %d networks, want 3: %+v", len(got), got)
	}
	if got[0].SSID != "Home" || got[0].BSSIDPrefix != "AA:BB:CC" || got[0].Signal != -60 || got[0].Frequency != 2437 {
		t.Errorf("first network = %+v", got[0])
	}
	if got[1].SSID != "Cafe:Guest" || got[1].Frequency != 5745 {
		t.Errorf("escaped ssid network = %+v", got[1])
	}
	if got[2].BSSIDPrefix != "unknown" || got[2].Signal != defaultSignal || got[2].Frequency != defaultFrequency {
		t.Errorf("malformed fields not defaulted: %+v", got[2])
	}
}

const iwctlOutput = `                               Available networks
--------------------------------------------------------------------------------
      Network name                      Security            Signal
--------------------------------------------------------------------------------
  > ` + "\x1b[1;90m" + `Home Network` + "\x1b[0m" + `                      psk                 ****
      Cafe                              open                **
`

func TestParseIWCTL(t *testing.T) {
	got := ParseIWCTL(iwctlOutput)
	if len(got) != 2 {
		t.Fatalf("ParseIWCTL() returned %d networks, want 2: %+v", len(got), got)
	}
	if got[0].SSID != "Home Network" || got[0].Signal != -50 {
		t.Errorf("first network = %+v", got[0])
	}
	if got[1].SSID != "Cafe" || got[1].Signal != -70 {
		t.Errorf("second network = %+v", got[1])
	}
}

func TestScanHashesUnlessLowPrivacy(t *testing.T) {
	runner := command.NewFake().On(
		"nmcli --colors no -t -f SSID,BSSID,SIGNAL,FREQ device wifi",
		command.Ok("Home:AA\\:BB\\:CC\\:DD\\:EE\\:FF:80:2437 MHz\n"),
	)
	s := NewScanner(runner, WithClock(clock.Fake(scanTime)))

	high := s.Scan(context.Background(), PrivacyHigh)
	if len(high.Networks) != 1 || high.Networks[0].SSID != HashSSID("Home") {
		t.Errorf("high privacy networks = %+v, want hashed ssid", high.Networks)
	}
	if !high.Timestamp.Equal(scanTime) {
		t.Errorf("Timestamp = %v, want %v", high.Timestamp, scanTime)
	}

	low := s.Scan(context.Background(), PrivacyLow)
	if len(low.Networks) != 1 || low.Networks[0].SSID != "Home" {
		t.Errorf("low privacy networks = %+v, want plain ssid", low.Networks)
	}
}

func TestScanFallsBackToIWD(t *testing.T) {
	runner := command.NewFake().
		On("nmcli --colors no -t -f SSID,BSSID,SIGNAL,FREQ device wifi", command.Fail("NetworkManager is not running")).
		On("iwctl station wlan1 get-networks", command.Ok(iwctlOutput))
	s := NewScanner(runner, WithIWDDevice("wlan1"))

	fp := s.Scan(context.Background(), PrivacyLow)
	if len(fp.Networks) != 2 {
		t.Errorf("len(Networks) = %d, want 2 from iwctl fallback", len(fp.Networks))
	}
}

func TestScanNeverFails(t *testing.T) {
	s := NewScanner(command.NewFake())
	fp := s.Scan(context.Background(), PrivacyHigh)
	if !fp.Empty() || fp.Confidence != 0.0 {
		t.Errorf("Scan() with no backends = %+v, want empty fingerprint with confidence 0", fp)
	}
}

func TestParsePrivacyMode(t *testing.T) {
	tests := []struct {
		in      string
		want    PrivacyMode
		wantErr bool
	}{
		{"high", PrivacyHigh, false},
		{"Medium", PrivacyMedium, false},
		{" low ", PrivacyLow, false},
		{"", PrivacyHigh, false},
		{"paranoid", PrivacyHigh, true},
	}
	for _, tt := range tests {
		got, err := ParsePrivacyMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePrivacyMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParsePrivacyMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
