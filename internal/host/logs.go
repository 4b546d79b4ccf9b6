package host

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"

	"superd/internal/executor"
	"superd/internal/fault"
)

// DefaultLogLines is the tail length used when a caller gives none.
const DefaultLogLines = 50

// LogPaths maps log names and services to files on disk.
type LogPaths struct {
	NginxAccess string            `yaml:"nginx_access"`
	NginxError  string            `yaml:"nginx_error"`
	PHPError    string            `yaml:"php_error"`
	Daemon      string            `yaml:"daemon"`
	Services    map[string]string `yaml:"services"`
}

// DefaultLogPaths returns the panel's stock log locations.
func DefaultLogPaths() LogPaths {
	return LogPaths{
		NginxAccess: "/var/log/supercp/nginx_access.log",
		NginxError:  "/var/log/supercp/nginx_error.log",
		PHPError:    "/var/log/supercp/php_error.log",
		Daemon:      "/home/super/getsupercp/storage/logs/super-daemon.log",
		Services: map[string]string{
			"nginx":        "/var/log/supercp/nginx_error.log",
			"php8.4-fpm":   "/var/log/supercp/php_error.log",
			"mysql":        "/var/log/mysql/error.log",
			"redis-server": "/var/log/redis/redis-server.log",
		},
	}
}

func (l LogPaths) withDefaults() LogPaths {
	d := DefaultLogPaths()
	if l.NginxAccess == "" {
		l.NginxAccess = d.NginxAccess
	}
	if l.NginxError == "" {
		l.NginxError = d.NginxError
	}
	if l.PHPError == "" {
		l.PHPError = d.PHPError
	}
	if l.Daemon == "" {
		l.Daemon = d.Daemon
	}
	if len(l.Services) == 0 {
		l.Services = d.Services
	} else {
		l.Services = maps.Clone(l.Services)
	}
	return l
}

func (l LogPaths) byType(logType string) string {
	switch logType {
	case "nginx_access":
		return l.NginxAccess
	case "nginx_error":
		return l.NginxError
	case "php_error":
		return l.PHPError
	default:
		return l.Daemon
	}
}

// Logs returns the last lines of a panel log. Any type other than the
// nginx and php names selects the daemon log.
func (h *Host) Logs(ctx context.Context, logType string, lines uint64) (string, error) {
	h.mu.RLock()
	path := h.logs.byType(logType)
	h.mu.RUnlock()

	return h.tail(ctx, path, lines, "Failed to read logs")
}

// ServiceLogs returns the last lines of a service's log.
func (h *Host) ServiceLogs(ctx context.Context, service string, lines uint64) (string, error) {
	h.mu.RLock()
	path, ok := h.logs.Services[service]
	h.mu.RUnlock()

	if !ok {
		return "", fault.BadParamf("Unknown service: %s", service)
	}
	return h.tail(ctx, path, lines, "Failed to read service logs")
}

// tail reports a missing file as a result rather than an error.
func (h *Host) tail(ctx context.Context, path string, lines uint64, failure string) (string, error) {
	if _, err := h.fs.Stat(path); err != nil {
		return fmt.Sprintf("Log file %s not found", path), nil
	}

	res, err := h.runner.Run(ctx, executor.Command{
		Name: "tail",
		Args: []string{"-n", strconv.FormatUint(lines, 10), "--", path},
	})
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fault.Externalf("%s: %s", failure, strings.TrimSpace(res.Stderr))
	}
	if res.Stdout == "" {
		return "Log is empty", nil
	}
	return res.Stdout, nil
}
