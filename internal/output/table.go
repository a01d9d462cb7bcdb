// Package output renders netzone state for the terminal.
//
// The Render functions return plain strings laid out as fixed-width
// tables. ANSI colors are added only when stdout is a terminal and
// NO_COLOR is unset. Spinner covers operations that wait on the daemon.
package output

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/blackwell-systems/netzone/internal/daemon"
	"github.com/blackwell-systems/netzone/internal/fingerprint"
	"github.com/blackwell-systems/netzone/internal/netcache"
	"github.com/blackwell-systems/netzone/internal/retry"
	"github.com/blackwell-systems/netzone/internal/store"
	"github.com/blackwell-systems/netzone/internal/zone"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// IsColorEnabled returns true if ANSI color codes should be emitted.
// It checks that os.Stdout is a TTY and that the NO_COLOR env var is not set.
func IsColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

// colorize wraps text in the given ANSI color code if color is enabled,
// otherwise returns the plain text.
func colorize(color, text string) string {
	if IsColorEnabled() {
		return color + text + colorReset
	}
	return text
}

// RenderZoneTable renders configured zones sorted by name. The zone with
// activeID is marked with an asterisk.
func RenderZoneTable(zones []zone.Zone, activeID string, now time.Time) string {
	if len(zones) == 0 {
		return "No zones configured.\n"
	}

	sorted := make([]zone.Zone, len(zones))
	copy(sorted, zones)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  %-20s %-10s %-12s %-8s %-8s %s\n",
		"Zone", "ID", "Fingerprints", "Actions", "Matches", "Last Matched"))
	sb.WriteString(strings.Repeat("─", 80))
	sb.WriteString("\n")

	for _, z := range sorted {
		marker := " "
		if z.ID == activeID {
			marker = colorize(colorGreen, "*")
		}
		sb.WriteString(fmt.Sprintf("%s %-20s %-10s %-12d %-8d %-8s %s\n",
			marker,
			truncate(z.Name, 20),
			truncate(z.ID, 10),
			len(z.Fingerprints),
			z.Actions.Count(),
			humanize.Comma(int64(z.MatchCount)),
			relativeTime(z.LastMatched, now)))
	}
	return sb.String()
}

// RenderZone renders one zone with its actions.
func RenderZone(z zone.Zone, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Zone:        %s (%s)\n", z.Name, z.ID))
	sb.WriteString(fmt.Sprintf("Created:     %s\n", relativeTime(z.CreatedAt, now)))
	sb.WriteString(fmt.Sprintf("Threshold:   %s\n", formatConfidence(z.ConfidenceThreshold)))
	sb.WriteString(fmt.Sprintf("Matched:     %s times, last %s\n",
		humanize.Comma(int64(z.MatchCount)), relativeTime(z.LastMatched, now)))
	sb.WriteString(fmt.Sprintf("Fingerprints: %d\n", len(z.Fingerprints)))

	actions := describeActions(z.Actions)
	if len(actions) == 0 {
		sb.WriteString("Actions:     none\n")
		return sb.String()
	}
	sb.WriteString("Actions:\n")
	for _, a := range actions {
		sb.WriteString("  - " + a + "\n")
	}
	return sb.String()
}

func describeActions(a zone.Actions) []string {
	var out []string
	if a.WiFi != "" {
		out = append(out, "wifi: "+a.WiFi)
	}
	if a.VPN != "" {
		out = append(out, "vpn: "+a.VPN)
	}
	if a.TailscaleExitNode != "" {
		out = append(out, "tailscale exit node: "+a.TailscaleExitNode)
	}
	if a.TailscaleShields != nil {
		out = append(out, fmt.Sprintf("tailscale shields: %t", *a.TailscaleShields))
	}
	for _, d := range a.Bluetooth {
		out = append(out, "bluetooth: "+d)
	}
	for _, c := range a.CustomCommands {
		out = append(out, "command: "+c)
	}
	if a.Notifications {
		out = append(out, "notifications")
	}
	return out
}

// RenderFingerprint renders the networks of a fingerprint, strongest first.
func RenderFingerprint(fp fingerprint.Fingerprint, now time.Time) string {
	if fp.Empty() {
		return "No WiFi networks visible.\n"
	}

	nets := make([]fingerprint.Signature, len(fp.Networks))
	copy(nets, fp.Networks)
	sort.SliceStable(nets, func(i, j int) bool {
		return nets[i].Signal > nets[j].Signal
	})

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Scanned %s, confidence %s\n\n",
		relativeTime(fp.Timestamp, now), formatConfidence(fp.Confidence)))
	sb.WriteString(fmt.Sprintf("%-34s %-10s %-8s %s\n", "SSID", "BSSID", "Signal", "Freq"))
	sb.WriteString(strings.Repeat("─", 64))
	sb.WriteString("\n")
	for _, n := range nets {
		freq := "—"
		if n.Frequency > 0 {
			freq = fmt.Sprintf("%d MHz", n.Frequency)
		}
		sb.WriteString(fmt.Sprintf("%-34s %-10s %-8s %s\n",
			truncate(n.SSID, 34),
			n.BSSIDPrefix,
			fmt.Sprintf("%d", n.Signal),
			freq))
	}
	return sb.String()
}

// RenderStatus renders the daemon status summary.
func RenderStatus(st daemon.Status, now time.Time) string {
	var sb strings.Builder

	state := colorize(colorGreen, "monitoring")
	if !st.Monitoring {
		state = colorize(colorYellow, "idle")
	}
	active := "none"
	if st.ActiveZoneID != "" {
		active = fmt.Sprintf("%s (%s)", st.ActiveZoneName, st.ActiveZoneID)
	}
	lastScan := "never"
	if !st.LastScan.IsZero() {
		lastScan = relativeTime(st.LastScan, now)
	}

	sb.WriteString(fmt.Sprintf("Daemon:        %s, phase %s since %s\n",
		state, st.Phase, relativeTime(st.PhaseSince, now)))
	sb.WriteString(fmt.Sprintf("Uptime:        %s\n", time.Duration(st.UptimeSeconds)*time.Second))
	sb.WriteString(fmt.Sprintf("Active zone:   %s\n", active))
	sb.WriteString(fmt.Sprintf("Zones:         %d\n", st.ZoneCount))
	sb.WriteString(fmt.Sprintf("Zone changes:  %s\n", humanize.Comma(int64(st.TotalZoneChanges))))
	sb.WriteString(fmt.Sprintf("Last scan:     %s (every %s)\n", lastScan, st.ScanInterval))
	sb.WriteString(fmt.Sprintf("Privacy mode:  %s\n", st.PrivacyMode))
	sb.WriteString(fmt.Sprintf("Suspends:      %d\n", st.SuspendResumeCount))

	queue := fmt.Sprintf("%d pending", st.RetryQueue)
	if st.RetryQueue > 0 {
		queue = colorize(colorYellow, queue)
	}
	sb.WriteString(fmt.Sprintf("Retry queue:   %s\n", queue))
	if st.DNSNetwork != "" {
		sb.WriteString(fmt.Sprintf("DNS:           %s\n", renderFastestDNS(st.DNSNetwork, st.FastestDNS)))
	}

	r := st.Resources
	sb.WriteString("\nResources\n")
	sb.WriteString(strings.Repeat("─", 40))
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Pool:          %d active, %d peak, %.0f%% utilized\n",
		r.Pool.ActiveConnections, r.Pool.PeakConnections, r.PoolUtilization*100))
	sb.WriteString(fmt.Sprintf("Commands:      %s run, %d timeouts, %d errors\n",
		humanize.Comma(int64(r.Pool.TotalConnections)), r.Pool.Timeouts, r.Pool.Errors))
	sb.WriteString(fmt.Sprintf("Cache:         %.0f%% hit rate\n", r.CacheHitRate*100))
	sb.WriteString(fmt.Sprintf("Tasks:         %d/%d running, %s completed, %d failed, %d preempted\n",
		r.Tasks.Running, r.Tasks.Capacity, humanize.Comma(int64(r.Tasks.Completed)),
		r.Tasks.Failed, r.Tasks.Preempted))
	sb.WriteString(fmt.Sprintf("Batches:       %s flushed\n", humanize.Comma(int64(r.BatchFlushes))))
	return sb.String()
}

func renderFastestDNS(network string, servers []netcache.DNSServer) string {
	if len(servers) == 0 {
		return network + ", " + colorize(colorGray, "not benchmarked")
	}
	parts := make([]string, len(servers))
	for i, s := range servers {
		parts[i] = fmt.Sprintf("%s %.1fms", s.IP, s.AverageLatencyMS)
	}
	return network + ", fastest " + strings.Join(parts, ", ")
}

// RenderHistoryTable renders zone transitions, newest first as given.
func RenderHistoryTable(entries []*store.HistoryEntry, now time.Time) string {
	if len(entries) == 0 {
		return "No zone changes recorded.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-16s %-20s %-20s %-11s %s\n",
		"When", "From", "To", "Confidence", "Trigger"))
	sb.WriteString(strings.Repeat("─", 80))
	sb.WriteString("\n")

	for _, e := range entries {
		trigger := "scan"
		if e.Manual {
			trigger = "manual"
		}
		sb.WriteString(fmt.Sprintf("%-16s %-20s %-20s %-11s %s\n",
			relativeTime(e.At, now),
			truncate(zoneLabel(e.FromName, e.FromZoneID), 20),
			truncate(zoneLabel(e.ToName, e.ToZoneID), 20),
			fmt.Sprintf("%.0f%%", e.Confidence*100),
			trigger))
	}
	return sb.String()
}

func zoneLabel(name, id string) string {
	switch {
	case name != "":
		return name
	case id != "":
		return id
	default:
		return "—"
	}
}

// RenderRetryQueue renders queued actions and when they next run.
func RenderRetryQueue(qs retry.QueueStatus, now time.Time) string {
	if qs.Pending == 0 {
		return "Retry queue is empty.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d pending, %d due, oldest failure %s\n\n",
		qs.Pending, qs.Due, relativeTime(qs.Oldest, now)))
	sb.WriteString(fmt.Sprintf("%-12s %-24s %-10s %-9s %-14s %s\n",
		"Action", "Target", "Zone", "Attempts", "Next Retry", "Last Error"))
	sb.WriteString(strings.Repeat("─", 96))
	sb.WriteString("\n")

	for _, it := range qs.Items {
		next := relativeTime(it.NextRetry, now)
		if !it.NextRetry.After(now) {
			next = colorize(colorYellow, "due")
		}
		sb.WriteString(fmt.Sprintf("%-12s %-24s %-10s %-9d %-14s %s\n",
			it.Kind,
			truncate(it.Target, 24),
			truncate(it.ZoneID, 10),
			it.AttemptCount,
			next,
			truncate(it.LastError, 40)))
	}
	return sb.String()
}

// RenderReport renders the outcome of a batch of zone actions.
func RenderReport(r retry.Report) string {
	if r.Total == 0 {
		return "No actions to run.\n"
	}

	var sb strings.Builder
	summary := fmt.Sprintf("%d/%d actions succeeded", r.Succeeded, r.Total)
	if r.Skipped > 0 {
		summary += fmt.Sprintf(" (%d already in place)", r.Skipped)
	}
	if r.OK() {
		sb.WriteString(colorize(colorGreen, "✓") + " " + summary + "\n")
		return sb.String()
	}

	sb.WriteString(colorize(colorRed, "✗") + " " + summary + fmt.Sprintf(", %d failed\n", r.Failed))
	for _, e := range r.Errors {
		sb.WriteString("  - " + e + "\n")
	}
	return sb.String()
}

// RenderDNSCache renders cached DNS benchmarks with their fastest servers.
func RenderDNSCache(entries []netcache.DNSBenchmark, now time.Time) string {
	if len(entries) == 0 {
		return "DNS benchmark cache is empty.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-18s %-14s %-20s %-16s %-9s %s\n",
		"Network", "Measured", "Server", "IP", "Latency", "Success"))
	sb.WriteString(strings.Repeat("─", 90))
	sb.WriteString("\n")

	for _, b := range entries {
		fastest := b.Fastest(3)
		if len(fastest) == 0 {
			sb.WriteString(fmt.Sprintf("%-18s %-14s %s\n",
				truncate(b.NetworkID, 18), relativeTime(b.Timestamp, now), colorize(colorGray, "no servers")))
			continue
		}
		for i, s := range fastest {
			network, measured := "", ""
			if i == 0 {
				network = truncate(b.NetworkID, 18)
				measured = relativeTime(b.Timestamp, now)
			}
			name := s.Name
			if s.SupportsDoT {
				name += " (DoT)"
			}
			sb.WriteString(fmt.Sprintf("%-18s %-14s %-20s %-16s %-9s %.0f%%\n",
				network,
				measured,
				truncate(name, 20),
				s.IP,
				fmt.Sprintf("%.1fms", s.AverageLatencyMS),
				s.SuccessRate*100))
		}
	}
	return sb.String()
}

// RenderFirewallZones renders cached firewalld zones.
func RenderFirewallZones(zones []netcache.FirewallZone, updated, now time.Time) string {
	if len(zones) == 0 {
		return "No firewall zones cached.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Updated %s\n\n", relativeTime(updated, now)))
	sb.WriteString(fmt.Sprintf("%-20s %-8s %s\n", "Zone", "Active", "Default"))
	sb.WriteString(strings.Repeat("─", 40))
	sb.WriteString("\n")
	for _, z := range zones {
		active, def := "", ""
		if z.Active {
			active = colorize(colorGreen, "yes")
		}
		if z.Default {
			def = "yes"
		}
		sb.WriteString(fmt.Sprintf("%-20s %-8s %s\n", truncate(z.Name, 20), active, def))
	}
	return sb.String()
}

// formatConfidence renders a 0..1 score as a percentage colored by
// strength.
func formatConfidence(c float64) string {
	s := fmt.Sprintf("%.0f%%", c*100)
	switch {
	case c >= zone.DefaultThreshold:
		return colorize(colorGreen, s)
	case c >= zone.MinConfidence:
		return colorize(colorYellow, s)
	default:
		return colorize(colorRed, s)
	}
}

// relativeTime formats t relative to now ("3 minutes ago"). The zero
// time renders as "never".
func relativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// truncate truncates a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
