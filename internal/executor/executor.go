// Package executor runs the external programs superd delegates to: systemctl,
// ufw, mysql, tar, certbot and friends. Arguments always travel as an argv;
// nothing is ever interpreted by a shell.
package executor

import (
	"context"
	"io"
	"strings"

	"superd/internal/fault"
)

// Command describes one program invocation.
type Command struct {
	Name string
	Args []string

	// Stdin, when set, is streamed to the process.
	Stdin io.Reader

	// Dir is the working directory. Empty means the daemon's own.
	Dir string

	// Privileged commands are run through "sudo -n" when the runner is
	// configured for it.
	Privileged bool
}

// Argv returns the command and its arguments as one slice.
func (c Command) Argv() []string {
	return append([]string{c.Name}, c.Args...)
}

// String renders the argv for logs and tests.
func (c Command) String() string {
	return strings.Join(c.Argv(), " ")
}

// Result is the captured outcome of a finished process.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports a zero exit status.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Runner executes commands.
//
// Run returns an error only when the process could not be started or was
// stopped by ctx. A non-zero exit status is reported through Result and
// left to the caller.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Check converts a non-zero exit into an external-command failure. The
// message carries the captured stderr when the program produced any.
func Check(res *Result, action, target string) error {
	if res.Success() {
		return nil
	}
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return fault.Externalf("Failed to %s %s: %s", action, target, msg)
	}
	return fault.Externalf("Failed to %s %s", action, target)
}
