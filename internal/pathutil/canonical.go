package pathutil

import (
	"fmt"
	"path/filepath"
)

// Canonicalize returns path with "." and ".." elements eliminated and
// symlinks resolved. The path does not have to exist: symlinks are
// resolved on the longest existing ancestor and the remaining components
// are appended lexically, so a path through a symlinked parent directory
// still canonicalizes to its real location.
func Canonicalize(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("path is not absolute: %s", path)
	}

	current := filepath.Clean(path)
	remaining := ""
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			if remaining == "" {
				return resolved, nil
			}
			return filepath.Join(resolved, remaining), nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			// Hit the filesystem root without resolving anything.
			return filepath.Join(current, remaining), nil
		}
		remaining = filepath.Join(filepath.Base(current), remaining)
		current = parent
	}
}

// HasPathPrefix reports whether path equals prefix or lies under it as a
// directory component boundary. Comparison is purely lexical; both
// arguments are expected to be canonical already.
func HasPathPrefix(path, prefix string) bool {
	path = filepath.Clean(path)
	prefix = filepath.Clean(prefix)
	if path == prefix {
		return true
	}
	if prefix == string(filepath.Separator) {
		return true
	}
	return len(path) > len(prefix) && path[:len(prefix)] == prefix && path[len(prefix)] == filepath.Separator
}
