// Package sandbox confines caller-supplied paths to a single root directory.
// Every file-manager operation resolves its paths here before touching disk.
package sandbox

import (
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"superd/internal/fault"
)

// DefaultRoot is the directory file operations are confined to.
const DefaultRoot = "/home"

// Sandbox resolves paths against a fixed root.
type Sandbox struct {
	root            string
	resolveSymlinks bool
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithSymlinkResolution makes Resolve follow symlinks inside the root,
// clamping any link that points outside of it back under the root.
func WithSymlinkResolution() Option {
	return func(s *Sandbox) { s.resolveSymlinks = true }
}

// New creates a sandbox rooted at root.
func New(root string, opts ...Option) *Sandbox {
	if root == "" {
		root = DefaultRoot
	}
	s := &Sandbox{root: filepath.Clean(root)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the sandbox root.
func (s *Sandbox) Root() string {
	return s.root
}

// Resolve maps input to an absolute path under the root. Relative inputs are
// joined onto the root; absolute inputs are used as given. In both cases the
// result must lie within the root after ".." segments are collapsed.
func (s *Sandbox) Resolve(input string) (string, error) {
	var candidate string
	if filepath.IsAbs(input) {
		candidate = filepath.Clean(input)
	} else {
		candidate = filepath.Join(s.root, strings.TrimLeft(input, "/"))
	}

	if !s.Contains(candidate) {
		return "", s.denied()
	}

	if s.resolveSymlinks {
		rel, err := filepath.Rel(s.root, candidate)
		if err != nil {
			return "", fault.Wrap(fault.AccessDenied, err, s.denied().Msg)
		}
		resolved, err := securejoin.SecureJoin(s.root, rel)
		if err != nil {
			return "", fault.Wrap(fault.AccessDenied, err, s.denied().Msg)
		}
		candidate = resolved
	}

	return candidate, nil
}

// Contains reports whether the cleaned absolute path p is the root or lies
// beneath it. The comparison is per path component, so "/homeevil" is not
// inside "/home".
func (s *Sandbox) Contains(p string) bool {
	if p == s.root {
		return true
	}
	if s.root == "/" {
		return strings.HasPrefix(p, "/")
	}
	return strings.HasPrefix(p, s.root+"/")
}

func (s *Sandbox) denied() *fault.Error {
	return fault.AccessDeniedf("Access denied: Path must be within %s", s.root)
}
