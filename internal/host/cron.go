package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"superd/internal/executor"
	"superd/internal/fault"
)

// CronJob is one crontab entry.
type CronJob struct {
	Command  string `json:"command"`
	Schedule string `json:"schedule"`
}

func (h *Host) cronPath(user string) string {
	return filepath.Join(h.paths.Cron, user+".cron")
}

// UpdateCronJobs rewrites the user's crontab file and installs it with
// crontab -u.
func (h *Host) UpdateCronJobs(ctx context.Context, user string, jobs []CronJob) (string, error) {
	if err := checkRecordName(user); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, job := range jobs {
		// A newline would smuggle an extra entry into the crontab.
		if strings.ContainsAny(job.Command+job.Schedule, "\r\n") {
			return "", fault.BadParamf("Invalid cron job: newlines are not allowed")
		}
		fmt.Fprintf(&b, "%s %s\n", job.Schedule, job.Command)
	}

	if err := h.fs.MkdirAll(h.paths.Cron, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", h.paths.Cron, err)
	}
	path := h.cronPath(user)
	if err := afero.WriteFile(h.fs, path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	res, err := h.runner.Run(ctx, executor.Command{
		Name:       "crontab",
		Args:       []string{"-u", user, path},
		Privileged: true,
	})
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fault.Externalf("Failed to apply crontab for %s", user)
	}

	h.logger.Info("cron jobs applied", "user", user, "jobs", len(jobs))
	return fmt.Sprintf("Cron jobs updated and applied for %s", user), nil
}

// ListCronJobs returns the non-empty lines of the user's crontab file.
func (h *Host) ListCronJobs(user string) ([]string, error) {
	if err := checkRecordName(user); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(h.fs, h.cronPath(user))
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read crontab: %w", err)
	}

	jobs := []string{}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			jobs = append(jobs, line)
		}
	}
	return jobs, nil
}
