// Package security holds path hygiene helpers for export and replay paths:
// ValidatePathWithinDirectory rejects paths that escape a base directory
// (including through symlinks), and SanitizeFilename makes arbitrary
// identifiers safe to embed in file names.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinDirectory reports an error when path resolves outside
// baseDir. Symlinks in both arguments are resolved first so that a link
// planted inside baseDir cannot redirect writes elsewhere. baseDir must
// exist; path need not.
func ValidatePathWithinDirectory(path, baseDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base directory: %w", err)
	}

	canonicalBase, err := filepath.EvalSymlinks(absBase)
	if err != nil {
		return fmt.Errorf("base directory not accessible: %w", err)
	}
	canonicalPath := resolveExisting(absPath)

	rel, err := filepath.Rel(canonicalBase, canonicalPath)
	if err != nil {
		return fmt.Errorf("path outside base directory: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path %s escapes %s", path, baseDir)
	}
	return nil
}

// resolveExisting resolves symlinks for the longest existing prefix of path
// and rejoins the remainder, so validation sees where a not-yet-created file
// would actually land.
func resolveExisting(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return path
			}
			return filepath.Join(resolved, rel)
		}
		if dir == filepath.Dir(dir) {
			return path
		}
	}
}

// SanitizeFilename maps an arbitrary identifier (a cloud ID, a frame name)
// to a name safe to use as a file name component. Runs of disallowed
// characters collapse to a single underscore and the result is capped at
// 128 characters.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	pendingSep := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unnamed"
	}
	return out
}
