package fingerprint

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/blackwell-systems/netzone/internal/clock"
	"github.com/blackwell-systems/netzone/internal/command"
)

const (
	defaultSignal    int8   = -50
	defaultFrequency uint32 = 2412
	unknownBSSID            = "unknown"
)

// Scanner lists visible access points through NetworkManager, falling
// back to iwd when nmcli yields nothing.
type Scanner struct {
	runner    command.Runner
	clock     clock.Clock
	logger    *slog.Logger
	iwdDevice string
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithClock sets the clock used to timestamp fingerprints.
func WithClock(c clock.Clock) ScannerOption {
	return func(s *Scanner) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ScannerOption {
	return func(s *Scanner) { s.logger = l }
}

// WithIWDDevice sets the station used for the iwctl fallback.
func WithIWDDevice(dev string) ScannerOption {
	return func(s *Scanner) { s.iwdDevice = dev }
}

// NewScanner returns a Scanner that runs tools through runner.
func NewScanner(runner command.Runner, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		runner:    runner,
		clock:     clock.Real(),
		logger:    slog.Default(),
		iwdDevice: "wlan0",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan captures the current fingerprint. It never fails: when neither
// backend produces networks the result is empty with confidence 0.
func (s *Scanner) Scan(ctx context.Context, mode PrivacyMode) Fingerprint {
	networks := s.scanNetworkManager(ctx)
	if len(networks) == 0 {
		networks = s.scanIWD(ctx)
	}

	for i := range networks {
		if mode != PrivacyLow {
			networks[i].SSID = HashSSID(networks[i].SSID)
		}
	}

	fp := New(networks, s.clock.Now())
	s.logger.Debug("wifi scan complete", "networks", len(fp.Networks), "confidence", fp.Confidence)
	return fp
}

func (s *Scanner) scanNetworkManager(ctx context.Context) []Signature {
	out, err := command.Output(ctx, s.runner, "nmcli", "--colors", "no", "-t", "-f", "SSID,BSSID,SIGNAL,FREQ", "device", "wifi")
	if err != nil {
		s.logger.Debug("nmcli scan failed", "error", err)
		return nil
	}
	return ParseNMCLI(out)
}

func (s *Scanner) scanIWD(ctx context.Context) []Signature {
	out, err := command.Output(ctx, s.runner, "iwctl", "station", s.iwdDevice, "get-networks")
	if err != nil {
		s.logger.Debug("iwctl scan failed", "device", s.iwdDevice, "error", err)
		return nil
	}
	return ParseIWCTL(out)
}

// ParseNMCLI parses terse `nmcli -t -f SSID,BSSID,SIGNAL,FREQ device wifi`
// output. nmcli escapes ':' inside fields as '\:'.
func ParseNMCLI(out string) []Signature {
	var networks []Signature
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := splitTerse(line)
		if len(fields) < 4 || fields[0] == "" {
			continue
		}
		networks = append(networks, Signature{
			SSID:        fields[0],
			BSSIDPrefix: bssidPrefix(fields[1]),
			Signal:      signalFromPercent(fields[2]),
			Frequency:   parseFrequency(fields[3]),
		})
	}
	return networks
}

// splitTerse splits a terse nmcli line on unescaped colons.
func splitTerse(line string) []string {
	var (
		fields []string
		cur    strings.Builder
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	return append(fields, cur.String())
}

func bssidPrefix(bssid string) string {
	bssid = strings.TrimSpace(bssid)
	if len(bssid) < 8 {
		return unknownBSSID
	}
	return strings.ToUpper(bssid[:8])
}

// signalFromPercent converts nmcli's 0-100 quality into dBm.
func signalFromPercent(s string) int8 {
	pct, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || pct < 0 || pct > 100 {
		return defaultSignal
	}
	return int8(pct/2 - 100)
}

func parseFrequency(s string) uint32 {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "MHz"))
	f, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return defaultFrequency
	}
	return uint32(f)
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// ParseIWCTL parses `iwctl station <dev> get-networks`. The table has a
// four line header; the connected network is marked with '>'. Signal is
// drawn as one to four asterisks.
func ParseIWCTL(out string) []Signature {
	lines := strings.Split(ansiEscape.ReplaceAllString(out, ""), "\n")
	if len(lines) <= 4 {
		return nil
	}

	var networks []Signature
	for _, line := range lines[4:] {
		fields := strings.Fields(line)
		if len(fields) > 0 && fields[0] == ">" {
			fields = fields[1:]
		}
		if len(fields) < 3 {
			continue
		}
		stars := fields[len(fields)-1]
		name := strings.Join(fields[:len(fields)-2], " ")
		networks = append(networks, Signature{
			SSID:        name,
			BSSIDPrefix: unknownBSSID,
			Signal:      signalFromStars(stars),
			Frequency:   defaultFrequency,
		})
	}
	return networks
}

func signalFromStars(s string) int8 {
	n := strings.Count(s, "*")
	if n == 0 {
		return defaultSignal
	}
	return int8(-90 + 10*n)
}
