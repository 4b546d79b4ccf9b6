package provision

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/miekg/dns"

	"superd/internal/fault"
)

// Template file names looked up in Layout.TemplatesDir.
const (
	NginxTemplate = "nginx_vhost.conf.stub"
	PoolTemplate  = "php_fpm_pool.conf.stub"
)

// Layout names every host path and service the workflow touches.
type Layout struct {
	TemplatesDir      string `yaml:"templates_dir"`
	TempDir           string `yaml:"temp_dir"`
	NginxAvailableDir string `yaml:"nginx_available_dir"`
	NginxEnabledDir   string `yaml:"nginx_enabled_dir"`
	PHPRoot           string `yaml:"php_root"`
	WebService        string `yaml:"web_service"`
	PHPService        string `yaml:"php_service"`
}

// DefaultLayout returns the stock Debian/Ubuntu layout.
func DefaultLayout() Layout {
	return Layout{
		TemplatesDir:      "/home/super/getsupercp/resources/templates/system",
		TempDir:           "/tmp",
		NginxAvailableDir: "/etc/nginx/sites-available",
		NginxEnabledDir:   "/etc/nginx/sites-enabled",
		PHPRoot:           "/etc/php",
		WebService:        "nginx",
		PHPService:        "php8.4-fpm",
	}
}

// WithDefaults fills empty fields from DefaultLayout.
func (l Layout) WithDefaults() Layout {
	d := DefaultLayout()
	if l.TemplatesDir == "" {
		l.TemplatesDir = d.TemplatesDir
	}
	if l.TempDir == "" {
		l.TempDir = d.TempDir
	}
	if l.NginxAvailableDir == "" {
		l.NginxAvailableDir = d.NginxAvailableDir
	}
	if l.NginxEnabledDir == "" {
		l.NginxEnabledDir = d.NginxEnabledDir
	}
	if l.PHPRoot == "" {
		l.PHPRoot = d.PHPRoot
	}
	if l.WebService == "" {
		l.WebService = d.WebService
	}
	if l.PHPService == "" {
		l.PHPService = d.PHPService
	}
	return l
}

// PoolDir is the PHP-FPM pool directory for a runtime version.
func (l Layout) PoolDir(version string) string {
	return filepath.Join(l.PHPRoot, version, "fpm", "pool.d")
}

// Paths holds the three artifacts of one vhost.
type Paths struct {
	Available string
	Enabled   string
	Pool      string
}

// PathsFor computes the artifact locations of a vhost.
func (l Layout) PathsFor(domain, user, version string) Paths {
	return Paths{
		Available: filepath.Join(l.NginxAvailableDir, domain),
		Enabled:   filepath.Join(l.NginxEnabledDir, domain),
		Pool:      filepath.Join(l.PoolDir(version), user+".conf"),
	}
}

var (
	userPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]{0,31}$`)
	versionPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)
)

// ValidateDomain rejects names that are not DNS names or that could
// address a path outside the nginx directories.
func ValidateDomain(domain string) error {
	if domain == "" || strings.ContainsAny(domain, "/\\ ") || strings.HasPrefix(domain, "-") || strings.HasPrefix(domain, ".") {
		return fault.BadParamf("Invalid domain: %s", domain)
	}
	if _, ok := dns.IsDomainName(domain); !ok {
		return fault.BadParamf("Invalid domain: %s", domain)
	}
	return nil
}

// ValidateUser rejects names that are not plain system account names.
func ValidateUser(user string) error {
	if !userPattern.MatchString(user) {
		return fault.BadParamf("Invalid user: %s", user)
	}
	return nil
}

// ValidateVersion rejects runtime versions other than MAJOR.MINOR.
func ValidateVersion(version string) error {
	if !versionPattern.MatchString(version) {
		return fault.BadParamf("Invalid php_version: %s", version)
	}
	return nil
}
