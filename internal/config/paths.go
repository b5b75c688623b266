package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// FilePermissions is the default permission mode for regular files (read/write for owner, read for others)
	FilePermissions = 0644
	// DirPermissions is the default permission mode for directories (rwxr-xr-x)
	DirPermissions = 0755
)

// Paths holds the on-disk locations used by lanebench
type Paths struct {
	// Dir is the configuration directory (~/.lanebench)
	Dir string
	// ConfigFile is the default YAML config file
	ConfigFile string
	// DatabasePath is the SQLite database holding run history
	DatabasePath string
}

// DefaultPaths resolves the locations under the user's home directory
// without touching the filesystem.
func DefaultPaths() (Paths, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("failed to get home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".lanebench")
	return Paths{
		Dir:          dir,
		ConfigFile:   filepath.Join(dir, "config.yaml"),
		DatabasePath: filepath.Join(dir, "lanebench.db"),
	}, nil
}

// EnsureDir creates the directory containing path if it doesn't exist
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// ExpandHome expands a leading ~/ to the user's home directory
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
