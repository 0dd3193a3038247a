package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/recoilhq/recoil/pkg/schema"
)

// Sandbox confines side-effecting capabilities to a workspace root.
// Every declared path parameter is resolved to an absolute, symlink-free
// path before being compared against the root, so neither "../" hops nor
// symlinks pointing outside the workspace can escape.
type Sandbox struct {
	root string
}

// New creates a Sandbox rooted at dir. The root itself is resolved once so
// a symlinked workspace behaves the same as a real directory.
func New(dir string) (*Sandbox, error) {
	if dir == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "sandbox root is empty")
	}
	root, err := resolveCleanPath(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid sandbox root %q: %v", dir, err)
	}
	return &Sandbox{root: root}, nil
}

// Root returns the resolved workspace root.
func (s *Sandbox) Root() string { return s.root }

// Check validates that path lies inside the workspace root. Relative paths
// are resolved against the root, not the process working directory.
func (s *Sandbox) Check(path string) error {
	if path == "" {
		return schema.NewError(schema.ErrCodeSandbox, "path is empty")
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	clean, err := resolveCleanPath(candidate)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSandbox, "invalid path %q: %v", path, err)
	}
	if !isUnderPath(clean, s.root) {
		return schema.NewErrorf(schema.ErrCodeSandbox, "path %q escapes workspace root", path).
			WithDetails(map[string]any{"resolved": clean, "root": s.root})
	}
	return nil
}

// Resolve validates path and returns its absolute resolved form.
func (s *Sandbox) Resolve(path string) (string, error) {
	if err := s.Check(path); err != nil {
		return "", err
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(s.root, candidate)
	}
	return resolveCleanPath(candidate)
}

// resolveCleanPath cleans and resolves a path to absolute.
// Walks up ancestors to resolve symlinks on the longest existing prefix,
// ensuring consistent resolution even for non-existent paths (e.g. new files).
func resolveCleanPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	// Try full path first (fast path when target exists).
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	// Walk up to find the longest existing ancestor and resolve its symlinks.
	return resolveAncestor(abs), nil
}

// resolveAncestor walks up from path until it finds an existing directory,
// resolves symlinks on that ancestor, and re-appends the unresolved suffix.
func resolveAncestor(path string) string {
	dir := path
	for range 256 { // Defensive depth limit.
		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached root
		}
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			rel, err := filepath.Rel(parent, path)
			if err != nil {
				return path
			}
			return filepath.Join(resolved, rel)
		}
		dir = parent
	}
	return path
}

// isUnderPath returns true if path is under (or equal to) the base directory.
// Uses filepath.Rel to avoid string-prefix false positives (e.g. /tmp vs /tmpevil).
func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	// rel must not escape base (no leading "..")
	return !strings.HasPrefix(rel, "..")
}
