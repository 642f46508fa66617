package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// MarkerFile is the project marker whose containing directory is the
// instance root. Data and profile paths are derived from it and are not
// overridable at runtime.
const MarkerFile = "gatewatch.yaml"

// FindInstanceRoot walks up from startDir looking for the directory that
// contains the project marker.
func FindInstanceRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}
	for {
		marker := filepath.Join(dir, MarkerFile)
		if info, err := os.Stat(marker); err == nil && !info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: no %s above %s", ErrInstanceRootNotFound, MarkerFile, startDir)
		}
		dir = parent
	}
}

// InstanceRoot returns the directory containing the project marker.
func (c *Config) InstanceRoot() string {
	return c.instanceRoot
}

// DataDir returns the instance-local data directory.
func (c *Config) DataDir() string {
	return filepath.Join(c.instanceRoot, "data")
}

// StorePath returns the event store file path.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir(), "gatewatch.db")
}

// ProfilesDir returns the notification profile directory.
func (c *Config) ProfilesDir() string {
	return filepath.Join(c.instanceRoot, "profiles")
}

// EnsureDataDir creates the data directory if it does not exist.
func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir(), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}
