// Package notify sends desktop notifications about zone changes.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/blackwell-systems/netzone/internal/command"
)

// Urgency is the notification urgency level.
type Urgency string

const (
	Low      Urgency = "low"
	Normal   Urgency = "normal"
	Critical Urgency = "critical"
)

// Message is one notification.
type Message struct {
	Title   string
	Body    string
	Urgency Urgency
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Config controls desktop notifications.
type Config struct {
	Enabled bool          `yaml:"enabled"`
	AppName string        `yaml:"app_name"`
	Icon    string        `yaml:"icon"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the stock notification settings.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		AppName: "netzone",
		Icon:    "network-wireless",
		Timeout: 5 * time.Second,
	}
}

// Desktop shows notifications with notify-send.
type Desktop struct {
	cfg    Config
	runner command.Runner
	logger *slog.Logger
}

// NewDesktop returns a Desktop notifier.
func NewDesktop(cfg Config, runner command.Runner, logger *slog.Logger) *Desktop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desktop{cfg: cfg, runner: runner, logger: logger}
}

// Notify implements Notifier. It does nothing when notifications are
// disabled.
func (d *Desktop) Notify(ctx context.Context, msg Message) error {
	if !d.cfg.Enabled {
		d.logger.Debug("notifications disabled, dropping", "title", msg.Title)
		return nil
	}
	if _, err := command.Output(ctx, d.runner, "notify-send", d.args(msg)...); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

func (d *Desktop) args(msg Message) []string {
	urgency := msg.Urgency
	if urgency == "" {
		urgency = Normal
	}
	args := []string{"--urgency=" + string(urgency)}
	if d.cfg.AppName != "" {
		args = append(args, "--app-name="+d.cfg.AppName)
	}
	if d.cfg.Icon != "" {
		args = append(args, "--icon="+d.cfg.Icon)
	}
	if d.cfg.Timeout > 0 {
		args = append(args, "--expire-time="+strconv.FormatInt(d.cfg.Timeout.Milliseconds(), 10))
	}
	return append(args, msg.Title, msg.Body)
}

// Recorder keeps notifications in memory. It backs the daemon when no
// desktop session is available and is used in tests.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// Notify implements Notifier.
func (r *Recorder) Notify(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

// Messages returns everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// ZoneChanged builds the zone-change notification. from is empty on the
// first zone entered.
func ZoneChanged(from, to string, confidence float64) Message {
	pct := confidence * 100
	body := fmt.Sprintf("Entered %s zone\nConfidence: %.0f%%", to, pct)
	if from != "" {
		body = fmt.Sprintf("Switched from %s to %s zone\nConfidence: %.0f%%", from, to, pct)
	}
	return Message{Title: "Network Zone Changed", Body: body, Urgency: Normal}
}

// ActionsFailed builds the notification for a zone whose actions did
// not all succeed.
func ActionsFailed(zoneName string, errs []string) Message {
	body := "Zone activated but actions failed: "
	for i, e := range errs {
		if i > 0 {
			body += "; "
		}
		body += e
	}
	return Message{Title: zoneName, Body: body, Urgency: Critical}
}
