package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	DeviceCUDA = "cuda"
	DeviceCPU  = "cpu"
)

var nvidiaDeviceNodes = []string{"nvidiactl", "nvidia0"}

// DetectDevice reports "cuda" when an NVIDIA device node is visible to the
// process and "cpu" otherwise.
func DetectDevice() string {
	return detectDeviceIn("/dev")
}

func detectDeviceIn(devDir string) string {
	for _, node := range nvidiaDeviceNodes {
		if _, err := os.Stat(filepath.Join(devDir, node)); err == nil {
			return DeviceCUDA
		}
	}
	return DeviceCPU
}

// IsAccelerator reports whether device names a GPU, including indexed forms
// such as "cuda:1".
func IsAccelerator(device string) bool {
	device = strings.ToLower(strings.TrimSpace(device))
	return device == DeviceCUDA || strings.HasPrefix(device, DeviceCUDA+":")
}

// DefaultComputeType picks half precision on GPUs and int8 everywhere else.
func DefaultComputeType(device string) string {
	if IsAccelerator(device) {
		return "float16"
	}
	return "int8"
}

func DefaultSpoolDirFor(goos, homeDir, xdgCacheHome string) (string, error) {
	cacheDir, err := defaultCacheDirFor(goos, homeDir, xdgCacheHome)
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "spool"), nil
}

func ResolveSpoolDir(override string) (string, error) {
	if override != "" {
		return filepath.Clean(override), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	return DefaultSpoolDirFor(runtime.GOOS, homeDir, os.Getenv("XDG_CACHE_HOME"))
}

func defaultCacheDirFor(goos, homeDir, xdgCacheHome string) (string, error) {
	if homeDir == "" {
		return "", errors.New("home directory is empty")
	}

	switch goos {
	case "linux":
		if xdgCacheHome != "" {
			return filepath.Join(xdgCacheHome, "voxscribe"), nil
		}
		return filepath.Join(homeDir, ".cache", "voxscribe"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "voxscribe"), nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
}
