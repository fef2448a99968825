// Package paths resolves the on-disk locations sandboxd uses for state,
// caches and configuration.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appName = "sandboxd"

// xdgDir resolves $<envVar>/sandboxd, falling back to ~/<homeRel>/sandboxd and
// finally $XDG_RUNTIME_DIR/sandboxd.
func xdgDir(envVar string, homeRel ...string) (string, error) {
	if base := strings.TrimSpace(os.Getenv(envVar)); base != "" {
		return filepath.Join(base, appName), nil
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		return filepath.Join(append(append([]string{home}, homeRel...), appName)...), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	if err != nil {
		return "", err
	}
	return "", fmt.Errorf("unable to resolve %s directory from XDG or home", strings.ToLower(strings.TrimPrefix(envVar, "XDG_")))
}

// StateBaseDir resolves the base directory for sandboxd state.
// Preference order:
// 1. $XDG_STATE_HOME/sandboxd
// 2. ~/.local/state/sandboxd
// 3. $XDG_RUNTIME_DIR/sandboxd
func StateBaseDir() (string, error) {
	return xdgDir("XDG_STATE_HOME", ".local", "state")
}

// CacheBaseDir resolves the base directory for sandboxd caches.
func CacheBaseDir() (string, error) {
	return xdgDir("XDG_CACHE_HOME", ".cache")
}

// ConfigDir resolves $XDG_CONFIG_HOME/sandboxd or ~/.config/sandboxd.
func ConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

func stateSubdir(name ...string) (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{base}, name...)...), nil
}

// BundleDir is where per-instance OCI bundles are written.
func BundleDir() (string, error) {
	return stateSubdir("bundles")
}

// ExecWorkDir holds ephemeral payload files and their bundles.
func ExecWorkDir() (string, error) {
	return stateSubdir("exec")
}

// RuntimeRootDir is passed to the sandbox runtime as its --root.
func RuntimeRootDir() (string, error) {
	return stateSubdir("runsc")
}

func TSNetStateDir() (string, error) {
	return stateSubdir("tsnet")
}

func ImageMetadataDBPath() (string, error) {
	return stateSubdir("images", "metadata.db")
}

// RootFSCacheDir holds rootfs trees materialized from OCI images.
func RootFSCacheDir() (string, error) {
	base, err := CacheBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "rootfs"), nil
}

// TLSDir returns the default directory for TLS material.
func TLSDir() (string, error) {
	base, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tls"), nil
}
