package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"pkt.systems/pslog"

	"superd/internal/fault"
)

// LocalConfig configures a LocalRunner.
type LocalConfig struct {
	// UseSudo prefixes privileged commands with "sudo -n".
	UseSudo bool

	// Env is the child environment. Nil means the daemon's own environment
	// passed through ScrubEnvironment.
	Env []string

	Logger pslog.Logger
}

// LocalRunner runs commands directly on the host.
type LocalRunner struct {
	useSudo bool
	env     []string
	logger  pslog.Logger
}

// NewLocalRunner creates a host command runner.
func NewLocalRunner(cfg LocalConfig) *LocalRunner {
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	env := cfg.Env
	if env == nil {
		env = ScrubEnvironment(os.Environ())
	}
	return &LocalRunner{
		useSudo: cfg.UseSudo,
		env:     env,
		logger:  cfg.Logger.With("component", "executor"),
	}
}

// Run executes c and captures its output.
func (lr *LocalRunner) Run(ctx context.Context, c Command) (*Result, error) {
	name, args := c.Name, c.Args
	if c.Privileged && lr.useSudo {
		args = append([]string{"-n", name}, args...)
		name = "sudo"
	}

	path, err := findBinary(name)
	if err != nil {
		return nil, fault.Wrap(fault.External, err, fmt.Sprintf("Failed to execute %s: command not found", name))
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = c.Dir
	cmd.Env = lr.env
	cmd.Stdin = c.Stdin
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			lr.logger.Warn("command interrupted", "cmd", c.Name, "err", ctxErr, "elapsed", time.Since(start))
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, fault.Wrap(fault.Timeout, ctxErr, fmt.Sprintf("%s timed out", c.Name))
			}
			return nil, fault.Wrap(fault.Internal, ctxErr, fmt.Sprintf("%s cancelled", c.Name))
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			lr.logger.Debug("command failed", "cmd", c.Name, "exit_code", res.ExitCode, "elapsed", time.Since(start))
			return res, nil
		}
		return nil, fault.Wrap(fault.External, err, fmt.Sprintf("Failed to execute %s: %v", c.Name, err))
	}

	lr.logger.Debug("command finished", "cmd", c.Name, "elapsed", time.Since(start))
	return res, nil
}

// findBinary locates name in the standard system directories before falling
// back to PATH, so a privileged daemon does not pick up stray binaries.
func findBinary(name string) (string, error) {
	paths := []string{
		"/usr/local/sbin/" + name,
		"/usr/local/bin/" + name,
		"/usr/sbin/" + name,
		"/usr/bin/" + name,
		"/sbin/" + name,
		"/bin/" + name,
	}

	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}

	return exec.LookPath(name)
}
