package audio

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// ResolveTool finds an external media tool, preferring an explicit path, then
// the named environment override, then PATH.
func ResolveTool(name, explicit, envOverride string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if err := ensureExecutable(explicit); err != nil {
			return "", fmt.Errorf("%s path is not executable: %w", name, err)
		}
		return explicit, nil
	}

	if envOverride != "" {
		if override := strings.TrimSpace(os.Getenv(envOverride)); override != "" {
			if err := ensureExecutable(override); err != nil {
				return "", fmt.Errorf("%s is not executable: %w", envOverride, err)
			}
			return override, nil
		}
	}

	path, err := exec.LookPath(toolBinaryName(name))
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH; install it or set %s", name, envOverride)
	}
	return path, nil
}

func toolBinaryName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

func ensureExecutable(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}
