package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry records one handled request.
type AuditEntry struct {
	Timestamp string          `json:"timestamp"`
	RequestID string          `json:"request_id"`
	Method    string          `json:"method"`
	ID        json.RawMessage `json:"id,omitempty"`
	Peer      string          `json:"peer,omitempty"`
	Outcome   string          `json:"outcome"` // ok, error, not_found
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  float64         `json:"duration_ms"`
}

// AuditLogger appends entries to a JSON-lines file. Params are never
// written; they may carry passwords.
type AuditLogger struct {
	mu     sync.Mutex
	path   string
	writer io.WriteCloser
}

// NewAuditLogger opens path for appending. An empty path disables audit
// logging.
func NewAuditLogger(path string) (*AuditLogger, error) {
	if path == "" {
		return &AuditLogger{writer: nopWriteCloser{}}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLogger{path: path, writer: file}, nil
}

// Path returns the file being written, or "" when disabled.
func (al *AuditLogger) Path() string {
	return al.path
}

// Log appends entry, stamping it with the current time if unset.
func (al *AuditLogger) Log(entry AuditEntry) error {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	al.mu.Lock()
	defer al.mu.Unlock()
	if al.writer == nil {
		return nil
	}
	if _, err := al.writer.Write(data); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// Close closes the file. Later Log calls are dropped.
func (al *AuditLogger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.writer == nil {
		return nil
	}
	err := al.writer.Close()
	al.writer = nil
	return err
}

// ReadAuditLog returns the last limit entries of the file at path, oldest
// first. A limit of zero or less returns every entry. Malformed lines are
// skipped.
func ReadAuditLog(path string, limit int) ([]AuditEntry, error) {
	entries := []AuditEntry{}
	if path == "" {
		return entries, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entries, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) > limit {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return entries, nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
