// Package executortest provides a scripted executor.Runner for tests.
package executortest

import (
	"context"
	"strings"
	"sync"

	"superd/internal/executor"
)

// FakeRunner records every command and answers from a script. Commands with
// no scripted answer succeed with empty output.
type FakeRunner struct {
	mu      sync.Mutex
	calls   []executor.Command
	results map[string]executor.Result

	handler func(cmd executor.Command) *executor.Result
}

// New returns an empty FakeRunner.
func New() *FakeRunner {
	return &FakeRunner{results: make(map[string]executor.Result)}
}

// On scripts the result for every command whose argv starts with prefix.
// The longest matching prefix wins.
func (f *FakeRunner) On(prefix string, res executor.Result) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[prefix] = res
	return f
}

// SetHandler installs fn, which is consulted before the script. Returning
// nil falls through to the script.
func (f *FakeRunner) SetHandler(fn func(cmd executor.Command) *executor.Result) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
	return f
}

// Fail scripts exit status 1 with the given stderr for prefix.
func (f *FakeRunner) Fail(prefix, stderr string) *FakeRunner {
	return f.On(prefix, executor.Result{ExitCode: 1, Stderr: stderr})
}

// Run implements executor.Runner.
func (f *FakeRunner) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	handler := f.handler
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if handler != nil {
		if res := handler(cmd); res != nil {
			return res, nil
		}
	}

	line := cmd.String()

	f.mu.Lock()
	defer f.mu.Unlock()

	best := ""
	var found *executor.Result
	for prefix, res := range f.results {
		if strings.HasPrefix(line, prefix) && len(prefix) >= len(best) {
			best = prefix
			r := res
			found = &r
		}
	}
	if found != nil {
		return found, nil
	}
	return &executor.Result{}, nil
}

// Calls returns a copy of every recorded command.
func (f *FakeRunner) Calls() []executor.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]executor.Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// Lines returns every recorded command rendered as a single string.
func (f *FakeRunner) Lines() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Ran reports whether a command starting with prefix was recorded.
func (f *FakeRunner) Ran(prefix string) bool {
	for _, line := range f.Lines() {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
