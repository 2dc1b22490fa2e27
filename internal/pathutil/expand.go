package pathutil

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Expand resolves environment variables and "~/" home shortcuts and
// cleans the result. Configured paths (socket, profiles dir, sensitive
// paths) default to locations under ~/.hops, so tilde expansion has to
// work even in stripped-down environments where HOME may be odd or
// unset. An empty input expands to an empty path.
func Expand(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}

	expanded := os.ExpandEnv(trimmed)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home, err := resolveHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if expanded == "~" {
			expanded = home
		} else {
			expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~/"))
		}
	}

	return filepath.Clean(expanded), nil
}

// resolveHomeDir tries the platform lookup, then the passwd database,
// then HOME, rejecting answers that are themselves unresolved tildes.
func resolveHomeDir() (string, error) {
	if home, err := os.UserHomeDir(); err == nil {
		if resolved, ok := usableHome(home); ok {
			return resolved, nil
		}
	}

	if current, err := user.Current(); err == nil {
		if resolved, ok := usableHome(current.HomeDir); ok {
			return resolved, nil
		}
	}

	envHome := strings.TrimSpace(os.Getenv("HOME"))
	if envHome == "" {
		return "", fmt.Errorf("HOME is not set")
	}
	if _, ok := usableHome(envHome); !ok {
		return "", fmt.Errorf("HOME is not fully resolved: %s", envHome)
	}
	return envHome, nil
}

func usableHome(candidate string) (string, bool) {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" || trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		return "", false
	}
	return trimmed, true
}
