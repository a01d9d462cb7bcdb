package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const spinnerFrame = 100 * time.Millisecond

// writerIsTTY returns true if the given writer exposes an Fd() method
// (e.g. *os.File) and that fd is a terminal. Falls back to false for
// plain io.Writer values such as *bytes.Buffer.
func writerIsTTY(w io.Writer) bool {
	type fder interface {
		Fd() uintptr
	}
	if f, ok := w.(fder); ok {
		return isatty.IsTerminal(f.Fd())
	}
	return false
}

// Spinner shows that the CLI is waiting on the daemon, e.g. during a
// scan or while zone actions run.
//
// On a terminal it animates on one line. Otherwise the message is
// printed once so piped output and logs stay readable.
type Spinner struct {
	message string
	chars   []string
	writer  io.Writer
	tty     bool
	timeout time.Duration
	timing  bool

	mu      sync.Mutex
	running bool
	started time.Time
	done    chan struct{}
	width   int
}

// NewSpinner creates a spinner writing to stderr. It does not start
// until Start is called.
func NewSpinner(message string) *Spinner {
	return &Spinner{
		message: message,
		chars:   []string{"|", "/", "-", "\\"},
		writer:  os.Stderr,
		tty:     writerIsTTY(os.Stderr),
	}
}

// WithTimeout shows timing next to the message: remaining time when
// timeout is positive, elapsed time otherwise. Call it before Start.
func (s *Spinner) WithTimeout(timeout time.Duration) *Spinner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = timeout
	s.timing = true
	return s
}

// SetWriter redirects output.
func (s *Spinner) SetWriter(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = w
	s.tty = writerIsTTY(w)
}

// Start begins the animation. Calling Start on a running spinner does
// nothing.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.started = time.Now()

	if !s.tty {
		fmt.Fprintf(s.writer, "%s...\n", s.message)
		return
	}

	s.done = make(chan struct{})
	go s.animate(s.done)
}

func (s *Spinner) animate(done <-chan struct{}) {
	ticker := time.NewTicker(spinnerFrame)
	defer ticker.Stop()

	idx := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.running {
				s.mu.Unlock()
				return
			}
			line := s.chars[idx] + "  " + s.formatMessage()
			if n := len(line); n > s.width {
				s.width = n
			}
			fmt.Fprintf(s.writer, "\r%-*s", s.width, line)
			idx = (idx + 1) % len(s.chars)
			s.mu.Unlock()
		}
	}
}

// formatMessage must be called with s.mu held.
func (s *Spinner) formatMessage() string {
	if !s.timing {
		return s.message
	}
	elapsed := time.Since(s.started)
	if s.timeout > 0 {
		remaining := s.timeout - elapsed
		if remaining < 0 {
			remaining = 0
		}
		return fmt.Sprintf("%s (%ds remaining)", s.message, int(remaining.Seconds()))
	}
	return fmt.Sprintf("%s (%ds elapsed)", s.message, int(elapsed.Seconds()))
}

// UpdateMessage changes the message of a running spinner.
func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

// Stop ends the animation and clears the line. It is safe to call more
// than once.
func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.tty && s.width > 0 {
		fmt.Fprintf(s.writer, "\r%s\r", strings.Repeat(" ", s.width))
	}
}

// StopWithMessage stops the spinner and prints a final line.
func (s *Spinner) StopWithMessage(message string) {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.writer, message)
}

// Spin runs fn behind a spinner on w and stops it when fn returns.
func Spin(w io.Writer, message string, fn func() error) error {
	s := NewSpinner(message)
	s.SetWriter(w)
	s.Start()
	defer s.Stop()
	return fn()
}
