package command

import (
	"context"
	"strings"
	"sync"
)

// Fake is a scripted Runner for tests. Responses are keyed by the full
// command line; each call consumes the next scripted Result and the
// last one repeats. Unscripted commands exit 127.
type Fake struct {
	mu       sync.Mutex
	scripts  map[string][]Result
	prefixes map[string]Result
	calls    []string
	onCall   func(line string)
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		scripts:  make(map[string][]Result),
		prefixes: make(map[string]Result),
	}
}

// On scripts the results returned for an exact command line.
func (f *Fake) On(line string, results ...Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[line] = append(f.scripts[line], results...)
	return f
}

// OnPrefix scripts a result for every command line starting with prefix
// that has no exact script.
func (f *Fake) OnPrefix(prefix string, result Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes[prefix] = result
	return f
}

// OnCall registers a hook invoked with each command line before the
// scripted result is returned.
func (f *Fake) OnCall(fn func(line string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCall = fn
}

// Run implements Runner.
func (f *Fake) Run(ctx context.Context, program string, args ...string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	line := Line(program, args...)

	f.mu.Lock()
	f.calls = append(f.calls, line)
	hook := f.onCall
	res, ok := f.next(line)
	f.mu.Unlock()

	if hook != nil {
		hook(line)
	}
	if !ok {
		return Result{ExitCode: 127, Stderr: program + ": command not found"}, nil
	}
	return res, nil
}

func (f *Fake) next(line string) (Result, bool) {
	if queue := f.scripts[line]; len(queue) > 0 {
		res := queue[0]
		if len(queue) > 1 {
			f.scripts[line] = queue[1:]
		}
		return res, true
	}
	longest := ""
	for prefix := range f.prefixes {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(longest) {
			longest = prefix
		}
	}
	if longest != "" {
		return f.prefixes[longest], true
	}
	return Result{}, false
}

// Calls returns every command line run so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many times line was run.
func (f *Fake) CallCount(line string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == line {
			n++
		}
	}
	return n
}

// Ok is a successful Result with the given stdout.
func Ok(stdout string) Result {
	return Result{Stdout: stdout}
}

// Fail is a Result with exit status 1 and the given stderr.
func Fail(stderr string) Result {
	return Result{ExitCode: 1, Stderr: stderr}
}
