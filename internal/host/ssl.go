package host

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"superd/internal/executor"
	"superd/internal/fault"
)

// DefaultCertEmail is the account address used when none is supplied.
const DefaultCertEmail = "admin@example.com"

// certbot reports these on a non-zero exit when a usable certificate is
// already in place.
var certAlreadyPresent = []string{"Certificate not due for renewal", "Cert already exists"}

// RequestCertificate obtains a Let's Encrypt certificate for domain with
// certbot and checks the issued files are in place.
func (h *Host) RequestCertificate(ctx context.Context, domain, email string) (string, error) {
	if err := checkDomain(domain); err != nil {
		return "", err
	}
	if email == "" {
		email = DefaultCertEmail
	}
	if strings.HasPrefix(email, "-") {
		return "", fault.BadParamf("Invalid email: %s", email)
	}

	res, err := h.runner.Run(ctx, executor.Command{
		Name: "certbot",
		Args: []string{
			"certonly", "--non-interactive", "--agree-tos", "--nginx",
			"-d", domain,
			"-m", email,
			"--register-unsafely-without-email",
		},
		Privileged: true,
	})
	if err != nil {
		return "", err
	}
	if !res.Success() && !containsAny(res.Stderr, certAlreadyPresent) {
		return "", fault.Externalf("Failed to request SSL certificate for %s: %s", domain, strings.TrimSpace(res.Stderr))
	}

	dir := filepath.Join(h.paths.LetsEncrypt, domain)
	for _, name := range []string{"fullchain.pem", "privkey.pem"} {
		if _, err := h.fs.Stat(filepath.Join(dir, name)); err != nil {
			return "", fault.Preconditionf("Certificate files not found after certbot execution for %s", domain)
		}
	}

	h.logger.Info("certificate issued", "domain", domain)
	return fmt.Sprintf("SSL certificate requested and configured for %s via Let's Encrypt", domain), nil
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
