package host

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/sourcegraph/conc/iter"

	"superd/internal/executor"
	"superd/internal/fault"
)

// Status reports each monitored unit as "running" or "stopped", plus the
// daemon itself. Units are probed in parallel.
func (h *Host) Status(ctx context.Context) map[string]string {
	states := iter.Map(h.statusServices, func(svc *string) string {
		res, err := h.runner.Run(ctx, executor.Command{Name: "systemctl", Args: []string{"is-active", *svc}})
		if err != nil || strings.TrimSpace(res.Stdout) != "active" {
			return "stopped"
		}
		return "running"
	})

	status := make(map[string]string, len(states)+1)
	for i, svc := range h.statusServices {
		status[svc] = states[i]
	}
	status["daemon"] = "running"
	return status
}

// RestartService restarts an allowlisted systemd unit.
func (h *Host) RestartService(ctx context.Context, service string) (string, error) {
	h.mu.RLock()
	allowed := slices.Contains(h.allowed, service)
	h.mu.RUnlock()

	if !allowed {
		return "", fault.New(fault.BadParam, "Service not allowed")
	}

	res, err := h.runner.Run(ctx, executor.Command{Name: "systemctl", Args: []string{"restart", service}, Privileged: true})
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fault.Externalf("Failed to restart service %s", service)
	}

	h.logger.Info("service restarted", "service", service)
	return fmt.Sprintf("Service %s restarted successfully", service), nil
}
