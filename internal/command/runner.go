// Package command runs the external network tools (nmcli, bluetoothctl,
// tailscale, ip, iwctl, notify-send) that the daemon drives.
//
// Every invocation goes through a Runner so the rest of the daemon can
// be exercised against a scripted Fake instead of the real system.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Result is the outcome of a process that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the process exited with status 0.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes a program and captures its output. A non-zero exit
// status is reported in Result, not as an error; the error return is
// reserved for processes that could not be started at all.
type Runner interface {
	Run(ctx context.Context, program string, args ...string) (Result, error)
}

// ExecRunner runs real processes with LC_ALL=C so tool output is
// parsed in a stable locale.
type ExecRunner struct {
	installed *lru.Cache[string, bool]
}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	cache, _ := lru.New[string, bool](64)
	return &ExecRunner{installed: cache}
}

// Run starts program with args and waits for it to exit.
func (r *ExecRunner) Run(ctx context.Context, program string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("failed to run %s: %w", program, err)
	}
	return res, nil
}

// IsInstalled reports whether program resolves on PATH. Lookups are
// cached for the life of the runner.
func (r *ExecRunner) IsInstalled(program string) bool {
	if ok, hit := r.installed.Get(program); hit {
		return ok
	}
	_, err := exec.LookPath(program)
	r.installed.Add(program, err == nil)
	return err == nil
}

// Line renders a program invocation the way a shell user would type it.
func Line(program string, args ...string) string {
	if len(args) == 0 {
		return program
	}
	return program + " " + strings.Join(args, " ")
}

// Output runs program and returns stdout, turning a non-zero exit into
// an error that carries stderr.
func Output(ctx context.Context, r Runner, program string, args ...string) (string, error) {
	res, err := r.Run(ctx, program, args...)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return res.Stdout, fmt.Errorf("%s exited with status %d: %s",
			Line(program, args...), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}
