package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// DefaultPath returns the config file location: a system path when running
// as root, the XDG config home otherwise.
func DefaultPath() (string, error) {
	if os.Geteuid() == 0 {
		return "/etc/acproxycam/config.json", nil
	}
	path, err := xdg.ConfigFile("acproxycam/config.json")
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	return path, nil
}

// DefaultSocketPath returns the IPC socket location.
func DefaultSocketPath() string {
	if os.Geteuid() == 0 {
		return "/run/acproxycam.sock"
	}
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, "acproxycam.sock")
	}
	return filepath.Join(os.TempDir(), "acproxycam.sock")
}

// StatePath returns the location for a persisted state file such as the
// print-state snapshot, creating the parent directory.
func StatePath(name string) (string, error) {
	if os.Geteuid() == 0 {
		dir := "/var/lib/acproxycam"
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("create state dir: %w", err)
		}
		return filepath.Join(dir, name), nil
	}
	path, err := xdg.StateFile(filepath.Join("acproxycam", name))
	if err != nil {
		return "", fmt.Errorf("resolve state path: %w", err)
	}
	return path, nil
}
