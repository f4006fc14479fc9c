package reserve

import (
	"path/filepath"
	"runtime"

	"golang.org/x/text/cases"
)

var foldCaser = cases.Fold()

// caseInsensitiveFS reports whether the platform's default filesystem
// ignores case. APFS and NTFS are case-insensitive out of the box;
// per-volume exceptions exist but are rare enough to ignore.
func caseInsensitiveFS() bool {
	return runtime.GOOS == "darwin" || runtime.GOOS == "windows"
}

// Canonicalize normalizes a path so that two spellings of the same file
// collide: absolute, symlinks resolved, cleaned, and case-folded on
// case-insensitive filesystems.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved := resolveSymlinks(abs)
	resolved = filepath.Clean(resolved)
	if caseInsensitiveFS() {
		resolved = foldCaser.String(resolved)
	}
	return resolved, nil
}

// resolveSymlinks resolves as much of the path as exists. Reservations
// are often taken before the file is created, so a missing leaf falls
// back to resolving the parent directory.
func resolveSymlinks(abs string) string {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	dir, base := filepath.Split(abs)
	if dir == abs || dir == "" {
		return abs
	}
	if resolvedDir, err := filepath.EvalSymlinks(filepath.Clean(dir)); err == nil {
		return filepath.Join(resolvedDir, base)
	}
	return abs
}
