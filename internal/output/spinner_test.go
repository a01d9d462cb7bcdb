package output

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// syncBuffer guards a bytes.Buffer written by the animation goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func ttySpinner(message string, w *syncBuffer) *Spinner {
	s := NewSpinner(message)
	s.SetWriter(w)
	s.tty = true
	return s
}

func TestSpinnerNonTTYPrintsOnce(t *testing.T) {
	buf := &bytes.Buffer{}
	s := NewSpinner("Scanning")
	s.SetWriter(buf)

	s.Start()
	s.Start()
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	if got := buf.String(); got != "Scanning...\n" {
		t.Errorf("non-TTY spinner output = %q, want a single line", got)
	}
}

func TestSpinnerAnimates(t *testing.T) {
	buf := &syncBuffer{}
	s := ttySpinner("Scanning", buf)

	s.Start()
	time.Sleep(350 * time.Millisecond)
	s.Stop()

	out := buf.String()
	if !strings.Contains(out, "\r|  Scanning") {
		t.Errorf("missing first frame in %q", out)
	}
	if !strings.Contains(out, "/  Scanning") {
		t.Errorf("spinner did not advance: %q", out)
	}
}

func TestSpinnerStopIsIdempotent(t *testing.T) {
	buf := &syncBuffer{}
	s := ttySpinner("Test", buf)

	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	s.Stop()
	s.Stop()

	if s.running {
		t.Error("spinner still running after Stop()")
	}
}

func TestSpinnerUpdateMessage(t *testing.T) {
	buf := &syncBuffer{}
	s := ttySpinner("Initial", buf)

	s.Start()
	s.UpdateMessage("Updated")
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	if !strings.Contains(buf.String(), "Updated") {
		t.Errorf("spinner should contain updated message, got: %q", buf.String())
	}
}

func TestSpinnerStopWithMessage(t *testing.T) {
	buf := &bytes.Buffer{}
	s := NewSpinner("Activating zone")
	s.SetWriter(buf)

	s.Start()
	s.StopWithMessage("Zone activated")

	if !strings.HasSuffix(buf.String(), "Zone activated\n") {
		t.Errorf("final message missing, got: %q", buf.String())
	}
}

func TestSpinnerTiming(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		want    string
	}{
		{"remaining", 30 * time.Second, "Waiting (30s remaining)"},
		{"elapsed", 0, "Waiting (0s elapsed)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSpinner("Waiting").WithTimeout(tt.timeout)
			s.started = time.Now().Add(100 * time.Millisecond)
			s.mu.Lock()
			got := s.formatMessage()
			s.mu.Unlock()
			if got != tt.want {
				t.Errorf("formatMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSpin(t *testing.T) {
	buf := &bytes.Buffer{}
	want := errors.New("daemon error")

	err := Spin(buf, "Creating zone", func() error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("Spin() error = %v, want %v", err, want)
	}
	if !strings.Contains(buf.String(), "Creating zone...") {
		t.Errorf("Spin() output = %q", buf.String())
	}
}

func TestSpinnerConcurrentUpdates(t *testing.T) {
	buf := &syncBuffer{}
	s := ttySpinner("Concurrent spinner", buf)
	s.Start()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				s.UpdateMessage("Message from goroutine")
				time.Sleep(10 * time.Millisecond)
			}
		}()
	}
	wg.Wait()
	s.Stop()
}
