// Package fileaccess implements the host's secure file substrate: a
// FilePathValidator that rejects traversal and null-byte tricks and enforces
// a workspace boundary, and a SecureFileAccess that layers read/write/edit
// operations on top of it. MCP file tools exposed by the loopback server are
// thin wrappers over this package.
package fileaccess

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// defaultBlockedPatterns are dangerous substrings rejected in any path before
// it is even resolved, regardless of workspace configuration.
var defaultBlockedPatterns = []string{
	"../",
	`\..\`,
	`..\`,
	"\x00",
	`\0`,
}

// FilePathValidator enforces path safety: absolute resolution, blocked
// substrings, an optional workspace boundary, and symlink policy.
type FilePathValidator struct {
	workspaceRoot   string
	blockedPatterns map[string]struct{}
	blockedGlobs    []string
	allowSymlinks   bool
}

// NewFilePathValidator returns a validator with the default blocked
// patterns and no workspace boundary.
func NewFilePathValidator() *FilePathValidator {
	blocked := make(map[string]struct{}, len(defaultBlockedPatterns))
	for _, p := range defaultBlockedPatterns {
		blocked[p] = struct{}{}
	}
	return &FilePathValidator{blockedPatterns: blocked}
}

// NewFilePathValidatorWithWorkspace returns a validator that additionally
// requires every validated path to resolve within workspaceRoot.
func NewFilePathValidatorWithWorkspace(workspaceRoot string) *FilePathValidator {
	v := NewFilePathValidator()
	v.workspaceRoot = workspaceRoot
	return v
}

// AddBlockedPattern registers an additional substring to reject.
func (v *FilePathValidator) AddBlockedPattern(pattern string) *FilePathValidator {
	v.blockedPatterns[pattern] = struct{}{}
	return v
}

// AddBlockedGlob registers a doublestar glob (e.g. "**/.git/**",
// "**/*.pem") matched against the slash-normalized resolved path. Unlike
// blocked substrings, globs run after resolution, so they also catch a
// blocked file reached through a clean absolute path.
func (v *FilePathValidator) AddBlockedGlob(patterns ...string) *FilePathValidator {
	v.blockedGlobs = append(v.blockedGlobs, patterns...)
	return v
}

// SetAllowSymlinks toggles whether a path that resolves through a symlink is
// permitted, provided it still lands inside the workspace boundary.
func (v *FilePathValidator) SetAllowSymlinks(allow bool) *FilePathValidator {
	v.allowSymlinks = allow
	return v
}

// ValidationError reports why a path failed validation.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, e.Path)
}

func invalid(path, format string, args ...any) error {
	return &ValidationError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// ValidateAbsolutePath resolves path (absolute or cwd-relative) and runs it
// through blocked-pattern, symlink, and workspace-boundary checks. On
// success it returns the resolved absolute path; the path need not exist.
func (v *FilePathValidator) ValidateAbsolutePath(path string) (string, error) {
	if err := v.checkBlockedPatterns(path); err != nil {
		return "", err
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", invalid(path, "failed to resolve current working directory: %v", err)
		}
		resolved = filepath.Join(cwd, resolved)
	}
	resolved = filepath.Clean(resolved)

	info, lstatErr := os.Lstat(resolved)
	isSymlink := lstatErr == nil && info.Mode()&os.ModeSymlink != 0
	if isSymlink && !v.allowSymlinks {
		return "", invalid(resolved, "symlinks are not allowed")
	}

	if err := checkControlCharacters(resolved); err != nil {
		return "", err
	}

	if err := v.checkBlockedGlobs(resolved); err != nil {
		return "", err
	}

	if v.workspaceRoot != "" {
		if err := v.ensureWorkspaceBoundary(resolved); err != nil {
			return "", err
		}
	}

	if isSymlink && v.allowSymlinks {
		real, err := filepath.EvalSymlinks(resolved)
		if err != nil {
			return "", invalid(resolved, "failed to resolve symlink: %v", err)
		}
		if v.workspaceRoot != "" {
			if err := v.ensureWorkspaceBoundary(real); err != nil {
				return "", err
			}
		}
		resolved = real
	}

	return resolved, nil
}

// ensureWorkspaceBoundary walks up to the deepest existing ancestor of path
// (path itself, if it exists) and requires its canonical form to sit inside
// the canonical workspace root. This catches traversal via a non-existent
// path whose existing parent escapes the workspace via a symlink.
func (v *FilePathValidator) ensureWorkspaceBoundary(path string) error {
	canonicalWorkspace, err := filepath.EvalSymlinks(v.workspaceRoot)
	if err != nil {
		return invalid(v.workspaceRoot, "invalid workspace root: %v", err)
	}

	current := path
	var suffix string
	for {
		if _, err := os.Stat(current); err == nil {
			break
		}
		parent := filepath.Dir(current)
		if parent == current {
			return invalid(path, "path has no existing parent directory")
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}

	canonicalExisting, err := filepath.EvalSymlinks(current)
	if err != nil {
		return invalid(path, "failed to canonicalize existing ancestor: %v", err)
	}
	checkPath := canonicalExisting
	if suffix != "" {
		checkPath = filepath.Join(canonicalExisting, suffix)
	}

	rel, err := filepath.Rel(canonicalWorkspace, checkPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return invalid(path, "path is outside workspace boundaries (workspace: %s)", canonicalWorkspace)
	}
	return nil
}

func (v *FilePathValidator) checkBlockedGlobs(resolved string) error {
	normalized := filepath.ToSlash(resolved)
	for _, pattern := range v.blockedGlobs {
		if ok, err := doublestar.Match(pattern, normalized); err == nil && ok {
			return invalid(resolved, "path matches blocked pattern %q", pattern)
		}
	}
	return nil
}

func (v *FilePathValidator) checkBlockedPatterns(path string) error {
	for pattern := range v.blockedPatterns {
		if strings.Contains(path, pattern) {
			return invalid(path, "path contains blocked pattern %q", pattern)
		}
	}
	return nil
}

func checkControlCharacters(path string) error {
	for _, r := range path {
		if r == 0 {
			return invalid(path, "path contains a null byte")
		}
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return invalid(path, "path contains invalid control characters")
		}
	}
	return nil
}
