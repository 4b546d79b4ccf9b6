// Package host implements the single-shot host operations behind the panel:
// service control, backups, databases, FTP and email records, cron, DNS
// zones, certificates, statistics, the sandboxed file manager, logs and the
// ufw firewall.
package host

import (
	"slices"
	"sync"

	"github.com/spf13/afero"
	"pkt.systems/pslog"

	"superd/internal/executor"
	"superd/internal/sandbox"
)

// Paths are the directories owned by the daemon's metadata stores.
type Paths struct {
	Backups     string `yaml:"backups"`
	Databases   string `yaml:"databases"`
	FTPUsers    string `yaml:"ftp_users"`
	Cron        string `yaml:"cron"`
	DNS         string `yaml:"dns"`
	Mail        string `yaml:"mail"`
	LetsEncrypt string `yaml:"letsencrypt"`
}

// DefaultPaths returns the stock layout of a panel install.
func DefaultPaths() Paths {
	return Paths{
		Backups:     "/var/lib/supercp/backups",
		Databases:   "/var/lib/supercp/databases",
		FTPUsers:    "/etc/supercp/ftp_users",
		Cron:        "/var/spool/supercp/cron",
		DNS:         "/etc/supercp/dns",
		Mail:        "/var/mail/supercp",
		LetsEncrypt: "/etc/letsencrypt/live",
	}
}

// WithDefaults fills empty fields from DefaultPaths.
func (p Paths) WithDefaults() Paths {
	d := DefaultPaths()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&p.Backups, d.Backups)
	fill(&p.Databases, d.Databases)
	fill(&p.FTPUsers, d.FTPUsers)
	fill(&p.Cron, d.Cron)
	fill(&p.DNS, d.DNS)
	fill(&p.Mail, d.Mail)
	fill(&p.LetsEncrypt, d.LetsEncrypt)
	return p
}

// DefaultServices are the units reported by Status and accepted by
// RestartService unless configured otherwise.
var DefaultServices = []string{"nginx", "php8.4-fpm", "mysql", "redis-server"}

// Config wires a Host.
type Config struct {
	Runner   executor.Runner
	FS       afero.Fs
	Sandbox  *sandbox.Sandbox
	Paths    Paths
	Logs     LogPaths
	DNS      ZoneDefaults
	Uploader Uploader

	StatusServices  []string
	AllowedServices []string

	Logger pslog.Logger
}

// Host runs operations against the local machine.
type Host struct {
	runner   executor.Runner
	fs       afero.Fs
	sandbox  *sandbox.Sandbox
	paths    Paths
	dns      ZoneDefaults
	uploader Uploader
	logger   pslog.Logger

	statusServices []string

	databases *recordStore
	ftpUsers  *recordStore
	mailboxes *recordStore

	// Reloadable settings.
	mu      sync.RWMutex
	allowed []string
	logs    LogPaths
}

// New creates a Host. A nil FS means the host filesystem.
func New(cfg Config) *Host {
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox = sandbox.New(sandbox.DefaultRoot)
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if len(cfg.StatusServices) == 0 {
		cfg.StatusServices = DefaultServices
	}
	if len(cfg.AllowedServices) == 0 {
		cfg.AllowedServices = DefaultServices
	}

	paths := cfg.Paths.WithDefaults()

	return &Host{
		runner:         cfg.Runner,
		fs:             cfg.FS,
		sandbox:        cfg.Sandbox,
		paths:          paths,
		dns:            cfg.DNS.withDefaults(),
		uploader:       cfg.Uploader,
		logger:         cfg.Logger.With("component", "host"),
		statusServices: slices.Clone(cfg.StatusServices),
		databases:      newRecordStore(cfg.FS, paths.Databases),
		ftpUsers:       newRecordStore(cfg.FS, paths.FTPUsers),
		mailboxes:      newRecordStore(cfg.FS, paths.Mail),
		allowed:        slices.Clone(cfg.AllowedServices),
		logs:           cfg.Logs.withDefaults(),
	}
}

// SetAllowedServices replaces the restart allowlist.
func (h *Host) SetAllowedServices(services []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allowed = slices.Clone(services)
}

// SetLogPaths replaces the log file mapping.
func (h *Host) SetLogPaths(logs LogPaths) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = logs.withDefaults()
}

// Sandbox returns the file-manager sandbox.
func (h *Host) Sandbox() *sandbox.Sandbox {
	return h.sandbox
}
