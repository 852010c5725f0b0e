// Package security validates caller-supplied paths, object keys and request
// identifiers before they reach the filesystem or an object store.
package security

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ValidatePathWithinDirectory checks that filePath resolves inside safeDir.
// Symlinks are resolved on both sides; for a path that does not exist yet the
// nearest existing parent is resolved instead, so a dangling link cannot be
// used to escape.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}

	canonicalPath := resolveExistingPrefix(absPath)
	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(canonicalSafeDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// resolveExistingPrefix evaluates symlinks on the longest existing prefix of p
// and re-appends the remainder.
func resolveExistingPrefix(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	for check := p; ; {
		parent := filepath.Dir(check)
		if parent == check {
			return p
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rest, _ := filepath.Rel(parent, p)
			return filepath.Join(resolved, rest)
		}
		check = parent
	}
}

// ValidatePathWithinAllowedDirs checks that filePath is inside at least one
// of allowedDirs.
func ValidatePathWithinAllowedDirs(filePath string, allowedDirs []string) error {
	if len(allowedDirs) == 0 {
		return errors.New("no allowed directories specified")
	}
	for _, dir := range allowedDirs {
		if err := ValidatePathWithinDirectory(filePath, dir); err == nil {
			return nil
		}
	}
	return fmt.Errorf("path must be within one of the allowed directories: %v", allowedDirs)
}

// ValidateObjectKey rejects keys that are empty, absolute, or that contain
// "." / ".." segments or backslashes. Keys are always slash separated.
func ValidateObjectKey(key string) error {
	if key == "" {
		return errors.New("empty object key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("invalid object key %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid object key %q", key)
		}
	}
	if path.Clean(key) != key {
		return fmt.Errorf("object key %q is not canonical", key)
	}
	return nil
}

const maxRequestIDLen = 128

// ValidateRequestID checks that id is usable as the leading segment of an
// object key: ASCII letters, digits, '.', '_' and '-' only, and not a dot
// segment.
func ValidateRequestID(id string) error {
	if id == "" {
		return errors.New("request id is required")
	}
	if len(id) > maxRequestIDLen {
		return fmt.Errorf("request id longer than %d characters", maxRequestIDLen)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("invalid request id %q", id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return fmt.Errorf("request id %q contains invalid character %q", id, r)
		}
	}
	return nil
}
