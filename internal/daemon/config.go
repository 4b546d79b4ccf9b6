package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"superd/internal/host"
	"superd/internal/provision"
	"superd/internal/sandbox"
	"superd/pkg/protocol"
)

// DefaultTimeout bounds every method without its own timeout.
const DefaultTimeout = 2 * time.Minute

// SandboxConfig configures the file-manager root. Symlink resolution is on
// unless resolve_symlinks is explicitly false.
type SandboxConfig struct {
	Root            string `yaml:"root"`
	ResolveSymlinks *bool  `yaml:"resolve_symlinks,omitempty"`
}

// New builds the sandbox described by c.
func (c SandboxConfig) New() *sandbox.Sandbox {
	var opts []sandbox.Option
	if c.ResolveSymlinks == nil || *c.ResolveSymlinks {
		opts = append(opts, sandbox.WithSymlinkResolution())
	}
	return sandbox.New(c.Root, opts...)
}

// ServicesConfig lists the systemd units superd reports on and may restart.
type ServicesConfig struct {
	Status  []string `yaml:"status"`
	Allowed []string `yaml:"allowed"`
}

// TimeoutsConfig bounds method execution. Methods maps a method name to its
// own limit.
type TimeoutsConfig struct {
	Default time.Duration            `yaml:"default"`
	Methods map[string]time.Duration `yaml:"methods,omitempty"`
}

// For returns the timeout that applies to method.
func (t TimeoutsConfig) For(method string) time.Duration {
	if d, ok := t.Methods[method]; ok && d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return DefaultTimeout
}

// PHPConfig holds PHP defaults.
type PHPConfig struct {
	DefaultVersion string `yaml:"default_version"`
}

// Config is the daemon configuration file.
type Config struct {
	SocketPath  string `yaml:"socket_path"`
	SocketMode  string `yaml:"socket_mode"`
	SocketGroup string `yaml:"socket_group,omitempty"`
	AuditLog    string `yaml:"audit_log,omitempty"`
	APIAddr     string `yaml:"api_addr,omitempty"`
	UseSudo     *bool  `yaml:"use_sudo,omitempty"`

	Sandbox  SandboxConfig     `yaml:"sandbox"`
	Layout   provision.Layout  `yaml:"layout"`
	Services ServicesConfig    `yaml:"services"`
	Paths    host.Paths        `yaml:"paths"`
	Logs     host.LogPaths     `yaml:"logs"`
	Timeouts TimeoutsConfig    `yaml:"timeouts"`
	DNS      host.ZoneDefaults `yaml:"dns"`
	PHP      PHPConfig         `yaml:"php"`

	BackupRemote host.RemoteConfig `yaml:"backup_remote,omitempty"`
}

// DefaultConfig returns the configuration of a stock panel install.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a YAML config file. Missing keys take their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = protocol.DefaultSocketPath
	}
	if c.SocketMode == "" {
		c.SocketMode = "0666"
	}
	if c.UseSudo == nil {
		useSudo := true
		c.UseSudo = &useSudo
	}
	if c.Sandbox.Root == "" {
		c.Sandbox.Root = sandbox.DefaultRoot
	}
	if len(c.Services.Status) == 0 {
		c.Services.Status = host.DefaultServices
	}
	if len(c.Services.Allowed) == 0 {
		c.Services.Allowed = host.DefaultServices
	}
	if c.Timeouts.Default == 0 {
		c.Timeouts.Default = DefaultTimeout
	}
	if c.PHP.DefaultVersion == "" {
		c.PHP.DefaultVersion = "8.4"
	}
	c.Layout = c.Layout.WithDefaults()
	c.Paths = c.Paths.WithDefaults()
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := c.SocketFileMode(); err != nil {
		return err
	}
	if !filepath.IsAbs(c.Sandbox.Root) {
		return fmt.Errorf("sandbox.root %q must be absolute", c.Sandbox.Root)
	}
	if c.Timeouts.Default < 0 {
		return fmt.Errorf("timeouts.default must not be negative")
	}
	for name, d := range c.Timeouts.Methods {
		if d < 0 {
			return fmt.Errorf("timeouts.methods.%s must not be negative", name)
		}
	}
	if err := provision.ValidateVersion(c.PHP.DefaultVersion); err != nil {
		return fmt.Errorf("php.default_version: %w", err)
	}
	return nil
}

// SocketFileMode parses SocketMode as an octal permission.
func (c *Config) SocketFileMode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(c.SocketMode, 8, 32)
	if err != nil || mode > 0777 {
		return 0, fmt.Errorf("socket_mode %q is not an octal permission", c.SocketMode)
	}
	return os.FileMode(mode), nil
}

// Sudo reports whether privileged commands go through sudo.
func (c *Config) Sudo() bool {
	return c.UseSudo == nil || *c.UseSudo
}
