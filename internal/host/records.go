package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"superd/internal/fault"
)

const recordExt = ".json"

// recordStore keeps one JSON document per named record in a directory.
type recordStore struct {
	fs  afero.Fs
	dir string
}

func newRecordStore(fs afero.Fs, dir string) *recordStore {
	return &recordStore{fs: fs, dir: dir}
}

// put writes the record atomically (write to temp file, then rename).
func (s *recordStore) put(name string, v any) error {
	if err := checkRecordName(name); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", s.dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	path := s.path(name)
	tempPath := path + ".tmp"
	if err := afero.WriteFile(s.fs, tempPath, data, 0644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := s.fs.Rename(tempPath, path); err != nil {
		s.fs.Remove(tempPath)
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

// remove deletes the record if it exists.
func (s *recordStore) remove(name string) error {
	if err := checkRecordName(name); err != nil {
		return err
	}
	if err := s.fs.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

// list returns the record names in lexical order. A missing directory
// lists as empty.
func (s *recordStore) list() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != recordExt {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), recordExt))
	}
	sort.Strings(names)
	return names, nil
}

func (s *recordStore) path(name string) string {
	return filepath.Join(s.dir, name+recordExt)
}

// checkRecordName keeps record names to a single path component.
func checkRecordName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\\\x00") || strings.HasPrefix(name, ".") {
		return fault.BadParamf("Invalid name: %s", name)
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
