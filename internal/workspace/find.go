// Package workspace provides workspace detection and layout management.
// A workspace is any directory tree with a .squad/ state directory at
// its root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound indicates no workspace was found.
var ErrNotFound = errors.New("not in a squad workspace")

// DirName is the state directory that identifies a workspace root.
const DirName = ".squad"

// InstallDirEnv overrides workspace discovery when set. It names the
// state directory itself, not the workspace root.
const InstallDirEnv = "SQUAD_INSTALL_DIR"

// Markers used to detect an initialized state directory. A bare .squad/
// directory is not enough; it must hold config or a task store.
var markers = []string{"config.toml", "tasks.db"}

// Find locates the workspace root by walking up from the given
// directory. Does not resolve symlinks to stay consistent with
// os.Getwd().
func Find(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	current := absDir
	for {
		if isStateDir(filepath.Join(current, DirName)) {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", ErrNotFound
		}
		current = parent
	}
}

func isStateDir(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
			return true
		}
	}
	return false
}

// FindFromCwd locates the workspace root from the current working directory.
func FindFromCwd() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting current directory: %w", err)
	}
	return Find(cwd)
}

// StateDir returns the state directory under a workspace root.
func StateDir(root string) string {
	return filepath.Join(root, DirName)
}

// Resolve returns the state directory for the current invocation:
// the SQUAD_INSTALL_DIR override when set, otherwise the .squad/
// directory found by walking up from the working directory.
func Resolve() (string, error) {
	if dir := os.Getenv(InstallDirEnv); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("resolving %s: %w", InstallDirEnv, err)
		}
		return abs, nil
	}
	root, err := FindFromCwd()
	if err != nil {
		return "", err
	}
	return StateDir(root), nil
}

// EnsureLayout creates the state directory skeleton: the directory
// itself plus memory/ and backups/. Idempotent.
func EnsureLayout(stateDir string) error {
	for _, dir := range []string{stateDir, filepath.Join(stateDir, "memory"), filepath.Join(stateDir, "backups")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// IsWorkspace checks if the given directory is an initialized workspace root.
func IsWorkspace(dir string) bool {
	return isStateDir(filepath.Join(dir, DirName))
}
