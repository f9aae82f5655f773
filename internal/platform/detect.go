// Package platform resolves per-user directories for models, configuration
// and temporary uploads.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appName = "quietwav"

type Runtime struct {
	OS   string
	Arch string
}

func CurrentRuntime() Runtime {
	return Runtime{
		OS:   runtime.GOOS,
		Arch: NormalizeArch(runtime.GOARCH),
	}
}

func (r Runtime) String() string {
	return r.OS + "/" + r.Arch
}

func NormalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

func DefaultModelDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	dataDir, err := defaultDataDirFor(goos, homeDir, xdgDataHome)
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "models"), nil
}

func DefaultConfigPathFor(goos, homeDir, xdgConfigHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgConfigHome != "" {
			return filepath.Join(xdgConfigHome, appName, "config.yaml"), nil
		}
		return filepath.Join(homeDir, ".config", appName, "config.yaml"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", appName, "config.yaml"), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}

func ResolveModelDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	return DefaultModelDirFor(runtime.GOOS, homeDir, os.Getenv("XDG_DATA_HOME"))
}

// ResolveConfigPath returns override, or the default config file location
// when that file exists. An empty result means no config file.
func ResolveConfigPath(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", nil
	}
	path, err := DefaultConfigPathFor(runtime.GOOS, homeDir, os.Getenv("XDG_CONFIG_HOME"))
	if err != nil {
		return "", nil
	}
	if _, err := os.Stat(path); err != nil {
		return "", nil
	}
	return path, nil
}

// ResolveTempDir returns the directory for upload scratch files, creating it
// when needed.
func ResolveTempDir(override string) (string, error) {
	dir := override
	if dir == "" {
		dir = filepath.Join(os.TempDir(), appName)
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	return dir, nil
}

func defaultDataDirFor(goos, homeDir, xdgDataHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgDataHome != "" {
			return filepath.Join(xdgDataHome, appName), nil
		}
		return filepath.Join(homeDir, ".local", "share", appName), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", appName), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}
