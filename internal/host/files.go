package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"superd/internal/executor"
	"superd/internal/fault"
)

// FileInfo describes one directory entry for the file manager.
type FileInfo struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Size        int64  `json:"size"`
	Modified    int64  `json:"modified"`
	Permissions string `json:"permissions"`
}

// resolveExisting sandboxes input and requires the result to exist.
func (h *Host) resolveExisting(input string) (string, os.FileInfo, error) {
	path, err := h.sandbox.Resolve(input)
	if err != nil {
		return "", nil, err
	}
	info, err := h.fs.Stat(path)
	if isNotExist(err) {
		return "", nil, fault.Preconditionf("Path does not exist")
	}
	if err != nil {
		return "", nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return path, info, nil
}

// ListFiles lists the entries of a sandboxed directory.
func (h *Host) ListFiles(input string) ([]FileInfo, error) {
	path, _, err := h.resolveExisting(input)
	if err != nil {
		return nil, err
	}

	entries, err := afero.ReadDir(h.fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		kind := "file"
		if e.IsDir() {
			kind = "directory"
		}
		files = append(files, FileInfo{
			Name:        e.Name(),
			Type:        kind,
			Size:        e.Size(),
			Modified:    e.ModTime().Unix(),
			Permissions: strconv.FormatUint(uint64(e.Mode().Perm()), 8),
		})
	}
	return files, nil
}

// ReadFile returns the content of a sandboxed file.
func (h *Host) ReadFile(input string) (string, error) {
	path, err := h.sandbox.Resolve(input)
	if err != nil {
		return "", err
	}
	data, err := afero.ReadFile(h.fs, path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile writes content to a sandboxed file, creating parent
// directories as needed.
func (h *Host) WriteFile(input, content string) (string, error) {
	path, err := h.sandbox.Resolve(input)
	if err != nil {
		return "", err
	}
	if err := h.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create parent of %s: %w", path, err)
	}
	if err := afero.WriteFile(h.fs, path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	h.logger.Debug("file written", "path", path, "size", humanize.Bytes(uint64(len(content))))
	return "File written successfully", nil
}

// DeleteFile removes a sandboxed file, or a directory and its contents.
func (h *Host) DeleteFile(input string) (string, error) {
	path, err := h.sandbox.Resolve(input)
	if err != nil {
		return "", err
	}
	if path == h.sandbox.Root() {
		return "", fault.AccessDeniedf("Access denied: refusing to delete %s", path)
	}

	if isDir, _ := afero.IsDir(h.fs, path); isDir {
		err = h.fs.RemoveAll(path)
	} else {
		err = h.fs.Remove(path)
	}
	if err != nil {
		return "", fmt.Errorf("delete %s: %w", path, err)
	}
	h.logger.Info("item deleted", "path", path)
	return "Item deleted successfully", nil
}

// CreateDirectory creates a sandboxed directory and any missing parents.
func (h *Host) CreateDirectory(input string) (string, error) {
	path, err := h.sandbox.Resolve(input)
	if err != nil {
		return "", err
	}
	if err := h.fs.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	return "Directory created successfully", nil
}

// RenameFile moves an item within the sandbox.
func (h *Host) RenameFile(from, to string) (string, error) {
	src, err := h.sandbox.Resolve(from)
	if err != nil {
		return "", err
	}
	dst, err := h.sandbox.Resolve(to)
	if err != nil {
		return "", err
	}
	if err := h.fs.Rename(src, dst); err != nil {
		return "", fmt.Errorf("rename %s: %w", src, err)
	}
	h.logger.Info("item renamed", "from", src, "to", dst)
	return "Item renamed successfully", nil
}

// DirectorySize returns the apparent size in bytes of a sandboxed path as
// reported by du.
func (h *Host) DirectorySize(ctx context.Context, input string) (uint64, error) {
	path, _, err := h.resolveExisting(input)
	if err != nil {
		return 0, err
	}

	res, err := h.runner.Run(ctx, executor.Command{Name: "du", Args: []string{"-sb", "--", path}})
	if err != nil {
		return 0, err
	}
	if !res.Success() {
		return 0, fault.Externalf("Failed to get directory size: %s", strings.TrimSpace(res.Stderr))
	}

	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return 0, nil
	}
	size, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, fault.Externalf("Failed to get directory size: unexpected output %q", fields[0])
	}
	h.logger.Debug("directory size", "path", path, "size", humanize.Bytes(size))
	return size, nil
}
