package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	godaemon "github.com/sevlyar/go-daemon"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"superd/internal/daemon"
	"superd/internal/executor"
	"superd/internal/host"
	"superd/internal/provision"
)

const (
	systemConfigPath = "/etc/superd/superd.yaml"
	defaultPIDFile   = "/run/superd/superd.pid"
)

// loadConfig finds and reads the config file, then applies flag and
// environment overrides. It returns the file path, or "" when running on
// built-in defaults.
func loadConfig() (*daemon.Config, string, error) {
	path := strings.TrimSpace(viper.GetString("config"))
	if path == "" {
		if _, err := os.Stat(systemConfigPath); err == nil {
			path = systemConfigPath
		}
	}
	if path == "" {
		if found, err := xdg.SearchConfigFile(filepath.Join("superd", "superd.yaml")); err == nil {
			path = found
		}
	}

	cfg := daemon.DefaultConfig()
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, "", fmt.Errorf("resolve config path %q: %w", path, err)
		}
		path = abs
		if cfg, err = daemon.LoadConfig(path); err != nil {
			return nil, "", err
		}
	}

	if v := viper.GetString("socket"); v != "" {
		cfg.SocketPath = v
	}
	if v := viper.GetString("api-addr"); v != "" {
		cfg.APIAddr = v
	}
	if v := viper.GetString("audit-log"); v != "" {
		cfg.AuditLog = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// detach re-executes the binary in the background. In the parent it
// returns the child process; in the child it returns nil and a release
// func that removes the pid file.
func detach(pidFile string) (*os.Process, func(), error) {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0755); err != nil {
		return nil, nil, fmt.Errorf("create pid directory: %w", err)
	}
	cntxt := &godaemon.Context{
		PidFileName: pidFile,
		PidFilePerm: 0644,
		WorkDir:     "/",
		Umask:       027,
	}
	child, err := cntxt.Reborn()
	if err != nil {
		return nil, nil, fmt.Errorf("daemonize: %w", err)
	}
	if child != nil {
		return child, nil, nil
	}
	return nil, func() { cntxt.Release() }, nil
}

// serve wires the host, the vhost workflow and the server, then runs until
// ctx is cancelled.
func serve(ctx context.Context, logger pslog.Logger) error {
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if configPath != "" {
		logger.Info("loaded config file", "path", configPath)
	} else {
		logger.Info("no config file found, using defaults")
	}

	runner := executor.NewLocalRunner(executor.LocalConfig{UseSudo: cfg.Sudo(), Logger: logger})


	var uploader host.Uploader
	if cfg.BackupRemote.Enabled() {
		s3, err := host.NewS3Uploader(cfg.BackupRemote)
		if err != nil {
			return err
		}
		uploader = s3
		logger.Info("offsite backups enabled", "endpoint", cfg.BackupRemote.Endpoint, "bucket", cfg.BackupRemote.Bucket)
	}

	h := host.New(host.Config{
		Runner:          runner,
		Sandbox:         cfg.Sandbox.New(),
		Paths:           cfg.Paths,
		Logs:            cfg.Logs,
		DNS:             cfg.DNS,
		Uploader:        uploader,
		StatusServices:  cfg.Services.Status,
		AllowedServices: cfg.Services.Allowed,
		Logger:          logger,
	})
	p := provision.New(provision.Config{Runner: runner, Layout: cfg.Layout, Logger: logger})

	srv, err := daemon.NewServer(daemon.Options{
		Config:      cfg,
		ConfigPath:  configPath,
		Host:        h,
		Provisioner: p,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	logger.Info("welcome to superd", "pid", os.Getpid(), "uid", os.Getuid(), "socket", cfg.SocketPath, "version", version)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		srv.Shutdown()
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		srv.Shutdown()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}
