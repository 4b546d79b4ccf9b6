package host

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"superd/internal/executor"
	"superd/internal/fault"
)

var (
	firewallActions   = []string{"allow", "deny", "reject", "limit"}
	firewallProtocols = []string{"tcp", "udp"}
)

// FirewallRule is a single ufw port rule.
type FirewallRule struct {
	Port     uint64 `json:"port"`
	Protocol string `json:"protocol"`
	Action   string `json:"action"`
	Source   string `json:"source"`
}

func (r FirewallRule) validate() error {
	if r.Port == 0 || r.Port > 65535 {
		return fault.BadParamf("Invalid port: %d", r.Port)
	}
	if !slices.Contains(firewallProtocols, r.Protocol) {
		return fault.BadParamf("Invalid protocol: %s", r.Protocol)
	}
	if !slices.Contains(firewallActions, r.Action) {
		return fault.BadParamf("Invalid action: %s", r.Action)
	}
	if r.Source != "" && r.Source != "any" {
		if _, err := netip.ParsePrefix(r.Source); err != nil {
			if _, err := netip.ParseAddr(r.Source); err != nil {
				return fault.BadParamf("Invalid source: %s", r.Source)
			}
		}
	}
	return nil
}

// FirewallStatus is the parsed output of ufw status.
type FirewallStatus struct {
	Status string         `json:"status"`
	Rules  []FirewallRule `json:"rules"`
}

// Active reports whether ufw is enabled.
func (s *FirewallStatus) Active() bool {
	return s.Status == "active"
}

func (h *Host) ufw(ctx context.Context, args ...string) (*executor.Result, error) {
	return h.runner.Run(ctx, executor.Command{Name: "ufw", Args: args, Privileged: true})
}

// ApplyFirewallRule adds a port rule, optionally restricted to a source.
func (h *Host) ApplyFirewallRule(ctx context.Context, rule FirewallRule) (string, error) {
	if rule.Source == "" {
		rule.Source = "any"
	}
	if err := rule.validate(); err != nil {
		return "", err
	}

	args := []string{rule.Action}
	if rule.Source != "any" {
		args = append(args, "from", rule.Source)
	}
	args = append(args, "to", "any", "port", strconv.FormatUint(rule.Port, 10), "proto", rule.Protocol)

	res, err := h.ufw(ctx, args...)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fault.Externalf("Failed to apply firewall rule for port %d", rule.Port)
	}

	h.logger.Info("firewall rule applied", "action", rule.Action, "port", rule.Port, "protocol", rule.Protocol, "source", rule.Source)
	return fmt.Sprintf("Firewall rule applied: %s %d/%s from %s", rule.Action, rule.Port, rule.Protocol, rule.Source), nil
}

// DeleteFirewallRule removes a port rule.
func (h *Host) DeleteFirewallRule(ctx context.Context, rule FirewallRule) (string, error) {
	rule.Source = ""
	if err := rule.validate(); err != nil {
		return "", err
	}

	res, err := h.ufw(ctx, "delete", rule.Action, fmt.Sprintf("%d/%s", rule.Port, rule.Protocol))
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fault.Externalf("Failed to delete firewall rule for port %d", rule.Port)
	}

	h.logger.Info("firewall rule deleted", "action", rule.Action, "port", rule.Port, "protocol", rule.Protocol)
	return fmt.Sprintf("Firewall rule deleted: %s %d/%s", rule.Action, rule.Port, rule.Protocol), nil
}

// SetFirewall enables or disables ufw.
func (h *Host) SetFirewall(ctx context.Context, enable bool) (string, error) {
	verb, done := "disable", "disabled"
	args := []string{"disable"}
	if enable {
		verb, done = "enable", "enabled"
		args = []string{"--force", "enable"}
	}

	res, err := h.ufw(ctx, args...)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fault.Externalf("Failed to %s firewall", verb)
	}

	h.logger.Info("firewall toggled", "enabled", enable)
	return "Firewall " + done, nil
}

// FirewallStatus queries ufw for its state and rules.
func (h *Host) FirewallStatus(ctx context.Context) (*FirewallStatus, error) {
	res, err := h.ufw(ctx, "status")
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, executor.Check(res, "query", "firewall status")
	}
	return ParseUFWStatus(res.Stdout), nil
}

// ParseUFWStatus extracts the state and the ALLOW/DENY port rules from
// ufw status output.
func ParseUFWStatus(out string) *FirewallStatus {
	status := &FirewallStatus{Status: "inactive", Rules: []FirewallRule{}}
	if strings.Contains(out, "Status: active") {
		status.Status = "active"
	}

	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "/") || !(strings.Contains(line, "ALLOW") || strings.Contains(line, "DENY")) {
			continue
		}
		parts := slices.DeleteFunc(strings.Fields(line), func(f string) bool { return f == "(v6)" })
		if len(parts) < 2 {
			continue
		}
		port, proto, ok := strings.Cut(parts[0], "/")
		if !ok || strings.Contains(proto, "/") {
			continue
		}
		n, _ := strconv.ParseUint(port, 10, 64)
		rule := FirewallRule{
			Port:     n,
			Protocol: proto,
			Action:   strings.ToLower(parts[1]),
			Source:   "any",
		}
		if len(parts) > 2 {
			rule.Source = parts[2]
		}
		status.Rules = append(status.Rules, rule)
	}
	return status
}
