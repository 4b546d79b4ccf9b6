package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"superd/internal/executor"
	"superd/internal/fault"
)

// Uploader copies a finished backup to offsite storage and returns the
// object name it was stored under.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// CreateBackup archives sourcePath into <backups>/<name>.tar.gz and returns
// the archive path.
func (h *Host) CreateBackup(ctx context.Context, name, sourcePath string) (string, error) {
	if err := checkRecordName(name); err != nil {
		return "", err
	}
	if err := h.fs.MkdirAll(h.paths.Backups, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", h.paths.Backups, err)
	}

	target := filepath.Join(h.paths.Backups, name+".tar.gz")
	clean := filepath.Clean(sourcePath)
	parent, base := filepath.Dir(clean), filepath.Base(clean)

	res, err := h.runner.Run(ctx, executor.Command{
		Name: "tar",
		Args: []string{"-czf", target, "-C", parent, "--", base},
	})
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fault.Externalf("Failed to create backup archive")
	}

	// The panel serves archives for download.
	if err := h.fs.Chmod(target, 0644); err != nil {
		h.logger.Warn("could not make backup readable", "path", target, "err", err)
	}
	h.logBackup("backup created", target)

	if err := h.upload(ctx, target); err != nil {
		return "", err
	}
	return target, nil
}

// CreateDBBackup dumps a database into <backups>/<db>_<unix>.sql and
// returns the dump path.
func (h *Host) CreateDBBackup(ctx context.Context, dbName string) (string, error) {
	if err := checkIdentifier(dbName, "database name"); err != nil {
		return "", err
	}
	if err := h.fs.MkdirAll(h.paths.Backups, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", h.paths.Backups, err)
	}

	target := filepath.Join(h.paths.Backups, fmt.Sprintf("%s_%d.sql", dbName, time.Now().Unix()))

	res, err := h.runner.Run(ctx, executor.Command{Name: "mysqldump", Args: []string{dbName}})
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fault.Externalf("Failed to create database backup: %s", strings.TrimSpace(res.Stderr))
	}

	if err := afero.WriteFile(h.fs, target, []byte(res.Stdout), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", target, err)
	}
	h.logBackup("database backup created", target)

	if err := h.upload(ctx, target); err != nil {
		return "", err
	}
	return target, nil
}

// RestoreBackup extracts an archive into targetPath.
func (h *Host) RestoreBackup(ctx context.Context, path, targetPath string) (string, error) {
	if _, err := h.fs.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", fault.Preconditionf("Backup file not found")
	}

	res, err := h.runner.Run(ctx, executor.Command{
		Name: "tar",
		Args: []string{"-xzf", path, "-C", targetPath},
	})
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fault.Externalf("Failed to restore backup archive")
	}

	h.logger.Info("backup restored", "archive", path, "target", targetPath)
	return fmt.Sprintf("Backup restored to %s", targetPath), nil
}

// RestoreDBBackup feeds a SQL dump to mysql.
func (h *Host) RestoreDBBackup(ctx context.Context, path, dbName string) (string, error) {
	if err := checkIdentifier(dbName, "database name"); err != nil {
		return "", err
	}

	f, err := h.fs.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fault.Preconditionf("Backup file not found")
	}
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	res, err := h.runner.Run(ctx, executor.Command{Name: "mysql", Args: []string{dbName}, Stdin: f})
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fault.Externalf("Failed to restore database %s", dbName)
	}

	h.logger.Info("database restored", "database", dbName, "dump", path)
	return fmt.Sprintf("Database %s restored from %s", dbName, path), nil
}

func (h *Host) upload(ctx context.Context, path string) error {
	if h.uploader == nil {
		return nil
	}
	object, err := h.uploader.Upload(ctx, path)
	if err != nil {
		h.logger.Error("backup upload failed", "path", path, "err", err)
		return fault.Wrap(fault.External, err, fmt.Sprintf("Backup created at %s but offsite upload failed: %v", path, err))
	}
	h.logger.Info("backup uploaded", "path", path, "object", object)
	return nil
}

func (h *Host) logBackup(msg, path string) {
	if info, err := h.fs.Stat(path); err == nil {
		h.logger.Info(msg, "path", path, "size", humanize.Bytes(uint64(info.Size())))
		return
	}
	h.logger.Info(msg, "path", path)
}
