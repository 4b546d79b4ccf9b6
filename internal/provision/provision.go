// Package provision creates and removes nginx + PHP-FPM virtual hosts.
//
// A create runs a fixed sequence of steps. The first failing step aborts the
// run and is reported together with the path it was working on. Steps that
// already completed stay in effect: there is no rollback and no retry, so
// an operator can pick up from the reported step by hand.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"pkt.systems/pslog"

	"superd/internal/executor"
	"superd/internal/fault"
)

// Step names one stage of the create workflow.
type Step string

const (
	StepCheckUser     Step = "check user"
	StepCreateRoot    Step = "create web root"
	StepLoadTemplates Step = "load templates"
	StepCheckPool     Step = "check pool directory"
	StepWriteTemp     Step = "write temporary configs"
	StepMoveNginx     Step = "move nginx config"
	StepEnableNginx   Step = "enable nginx config"
	StepMovePool      Step = "move php pool config"
	StepReload        Step = "reload services"
)

// StepError reports the step that stopped a workflow. Its message is the
// message of the underlying fault.
type StepError struct {
	Step Step
	Path string
	Err  error
}

func (e *StepError) Error() string {
	return e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// VHost is the input of Create.
type VHost struct {
	Domain             string
	User               string
	Root               string
	PHPVersion         string
	HasSSL             bool
	SSLCertificatePath string
	SSLKeyPath         string
}

// Validate checks the fields that end up in paths and argv.
func (v VHost) Validate() error {
	if err := ValidateDomain(v.Domain); err != nil {
		return err
	}
	if err := ValidateUser(v.User); err != nil {
		return err
	}
	if err := ValidateVersion(v.PHPVersion); err != nil {
		return err
	}
	if !filepath.IsAbs(v.Root) {
		return fault.BadParamf("Invalid root: %s must be an absolute path", v.Root)
	}
	return nil
}

// Config wires a Provisioner.
type Config struct {
	Runner executor.Runner
	FS     afero.Fs
	Layout Layout
	Logger pslog.Logger
}

// Provisioner runs the vhost workflows.
type Provisioner struct {
	runner executor.Runner
	fs     afero.Fs
	layout Layout
	logger pslog.Logger
}

// New creates a Provisioner. A nil FS means the host filesystem.
func New(cfg Config) *Provisioner {
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Provisioner{
		runner: cfg.Runner,
		fs:     cfg.FS,
		layout: cfg.Layout.WithDefaults(),
		logger: cfg.Logger.With("component", "provision"),
	}
}

// Layout returns the effective layout.
func (p *Provisioner) Layout() Layout {
	return p.layout
}

// Create provisions a vhost and reloads the affected services.
func (p *Provisioner) Create(ctx context.Context, v VHost) (string, error) {
	if err := v.Validate(); err != nil {
		return "", err
	}

	logger := p.logger.With("domain", v.Domain, "user", v.User, "php_version", v.PHPVersion)
	paths := p.layout.PathsFor(v.Domain, v.User, v.PHPVersion)

	// 1. The account must already exist.
	res, err := p.runner.Run(ctx, executor.Command{Name: "id", Args: []string{v.User}})
	if err != nil {
		return "", p.fail(logger, StepCheckUser, "", err)
	}
	if !res.Success() {
		return "", p.fail(logger, StepCheckUser, "",
			fault.Preconditionf("User '%s' does not exist in the system", v.User))
	}

	// 2. Web root.
	if _, err := p.fs.Stat(v.Root); errors.Is(err, os.ErrNotExist) {
		res, err := p.runner.Run(ctx, executor.Command{Name: "mkdir", Args: []string{"-p", v.Root}, Privileged: true})
		if err != nil {
			return "", p.fail(logger, StepCreateRoot, v.Root, err)
		}
		if err := executor.Check(res, "create web root", v.Root); err != nil {
			return "", p.fail(logger, StepCreateRoot, v.Root, err)
		}
	}

	// 3. Templates.
	nginxStub, err := p.loadTemplate(NginxTemplate)
	if err != nil {
		return "", p.fail(logger, StepLoadTemplates, filepath.Join(p.layout.TemplatesDir, NginxTemplate), err)
	}
	poolStub, err := p.loadTemplate(PoolTemplate)
	if err != nil {
		return "", p.fail(logger, StepLoadTemplates, filepath.Join(p.layout.TemplatesDir, PoolTemplate), err)
	}

	// 4. Render.
	nginxConf := RenderNginx(nginxStub, v)
	poolConf := RenderPool(poolStub, v)

	// 5. The runtime must be installed.
	poolDir := p.layout.PoolDir(v.PHPVersion)
	if ok, _ := afero.DirExists(p.fs, poolDir); !ok {
		return "", p.fail(logger, StepCheckPool, poolDir,
			fault.Preconditionf("PHP-FPM pool directory %s does not exist. Is PHP %s installed?", poolDir, v.PHPVersion))
	}

	// 6. Stage in the temp dir, then move into place.
	suffix := uuid.NewString()[:8]
	tempNginx := filepath.Join(p.layout.TempDir, fmt.Sprintf("nginx_%s_%s.conf", v.Domain, suffix))
	tempPool := filepath.Join(p.layout.TempDir, fmt.Sprintf("php_%s_%s.conf", v.User, suffix))
	defer p.fs.Remove(tempNginx)
	defer p.fs.Remove(tempPool)

	if err := afero.WriteFile(p.fs, tempNginx, []byte(nginxConf), 0644); err != nil {
		return "", p.fail(logger, StepWriteTemp, tempNginx, fault.Wrap(fault.Internal, err, fmt.Sprintf("Failed to write %s: %v", tempNginx, err)))
	}
	if err := afero.WriteFile(p.fs, tempPool, []byte(poolConf), 0644); err != nil {
		return "", p.fail(logger, StepWriteTemp, tempPool, fault.Wrap(fault.Internal, err, fmt.Sprintf("Failed to write %s: %v", tempPool, err)))
	}

	moves := []struct {
		step Step
		cmd  executor.Command
		path string
		msg  string
	}{
		{
			step: StepMoveNginx,
			cmd:  executor.Command{Name: "mv", Args: []string{tempNginx, paths.Available}, Privileged: true},
			path: paths.Available,
			msg:  "Failed to move Nginx config to %s. Ensure daemon has sudo access.",
		},
		{
			step: StepEnableNginx,
			cmd:  executor.Command{Name: "ln", Args: []string{"-sf", paths.Available, paths.Enabled}, Privileged: true},
			path: paths.Enabled,
			msg:  "Failed to enable Nginx config at %s. Ensure daemon has sudo access.",
		},
		{
			step: StepMovePool,
			cmd:  executor.Command{Name: "mv", Args: []string{tempPool, paths.Pool}, Privileged: true},
			path: paths.Pool,
			msg:  "Failed to move PHP pool config to %s. Ensure daemon has sudo access.",
		},
	}

	for _, m := range moves {
		res, err := p.runner.Run(ctx, m.cmd)
		if err != nil {
			return "", p.fail(logger, m.step, m.path, err)
		}
		if !res.Success() {
			return "", p.fail(logger, m.step, m.path, fault.Externalf(m.msg, m.path))
		}
	}

	// 7. Reload. Steps 1-6 stand even if this fails.
	if _, err := p.Reload(ctx); err != nil {
		return "", p.fail(logger, StepReload, "", err)
	}

	logger.Info("vhost created", "available", paths.Available, "pool", paths.Pool)
	return fmt.Sprintf("VHost created for %s. Configs: %s, %s", v.Domain, paths.Available, paths.Pool), nil
}

// Delete removes a vhost's artifacts and reloads services. Missing
// artifacts are not an error, so Delete can be repeated safely.
func (p *Provisioner) Delete(ctx context.Context, domain, user, phpVersion string) (string, error) {
	if err := ValidateDomain(domain); err != nil {
		return "", err
	}
	if err := ValidateUser(user); err != nil {
		return "", err
	}
	if err := ValidateVersion(phpVersion); err != nil {
		return "", err
	}

	logger := p.logger.With("domain", domain, "user", user)
	paths := p.layout.PathsFor(domain, user, phpVersion)

	for _, target := range []string{paths.Enabled, paths.Available, paths.Pool} {
		res, err := p.runner.Run(ctx, executor.Command{Name: "rm", Args: []string{"-f", target}, Privileged: true})
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			logger.Warn("remove failed", "path", target, "err", err)
			continue
		}
		if !res.Success() {
			logger.Warn("remove failed", "path", target, "exit_code", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
		}
	}

	if _, err := p.Reload(ctx); err != nil {
		return "", err
	}

	logger.Info("vhost deleted")
	return fmt.Sprintf("VHost deleted for %s", domain), nil
}

// Reload reloads the web server and the PHP runtime manager. Both reloads
// are always attempted and both must succeed.
func (p *Provisioner) Reload(ctx context.Context) (string, error) {
	ok := true
	for _, svc := range []string{p.layout.WebService, p.layout.PHPService} {
		res, err := p.runner.Run(ctx, executor.Command{Name: "systemctl", Args: []string{"reload", svc}, Privileged: true})
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			p.logger.Warn("reload failed", "service", svc, "err", err)
			ok = false
			continue
		}
		if !res.Success() {
			p.logger.Warn("reload failed", "service", svc, "exit_code", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
			ok = false
		}
	}

	if !ok {
		return "", fault.Externalf("Failed to reload one or more services")
	}
	return "Services reloaded successfully", nil
}

// List returns the configured site names, excluding nginx's "default".
func (p *Provisioner) List() ([]string, error) {
	entries, err := afero.ReadDir(p.fs, p.layout.NginxAvailableDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", p.layout.NginxAvailableDir, err)
	}

	domains := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name() == "default" {
			continue
		}
		domains = append(domains, e.Name())
	}
	sort.Strings(domains)
	return domains, nil
}

func (p *Provisioner) loadTemplate(name string) (string, error) {
	path := filepath.Join(p.layout.TemplatesDir, name)
	data, err := afero.ReadFile(p.fs, path)
	if err != nil {
		return "", fault.Wrap(fault.Internal, err, fmt.Sprintf("Failed to load template %s: %v", path, err))
	}
	return string(data), nil
}

func (p *Provisioner) fail(logger pslog.Logger, step Step, path string, err error) error {
	logger.Warn("vhost step failed", "step", string(step), "path", path, "err", err)
	return &StepError{Step: step, Path: path, Err: err}
}
