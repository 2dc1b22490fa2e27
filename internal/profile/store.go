// Package profile stores named policy profiles as TOML files under a
// single directory (by default ~/.hops/profiles). The store holds raw
// bytes; parsing and validation belong to the policy package.
package profile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"

	hopserrors "github.com/plyght/hops/internal/errors"
)

const profileExtension = ".toml"

type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("profile directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create profile directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory the store operates on.
func (s *Store) Dir() string {
	return s.dir
}

// List returns the names of all stored profiles, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read profile directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), profileExtension) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), profileExtension))
	}
	sort.Strings(names)
	return names, nil
}

// Load returns the raw TOML bytes of a named profile.
func (s *Store) Load(name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("profile %q: %w", name, hopserrors.ErrNotFound)
		}
		return nil, fmt.Errorf("read profile %q: %w", name, err)
	}
	return data, nil
}

// Save writes a profile atomically so a concurrent Load never observes
// a partial file.
func (s *Store) Save(name string, data []byte) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write profile %q: %w", name, err)
	}
	return nil
}

// Delete removes a named profile.
func (s *Store) Delete(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("profile %q: %w", name, hopserrors.ErrNotFound)
		}
		return fmt.Errorf("delete profile %q: %w", name, err)
	}
	return nil
}

// path validates the profile name and maps it to its file. Separators
// and traversal elements are rejected so a profile name can never
// escape the store directory.
func (s *Store) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid profile name %q", name)
	}
	return filepath.Join(s.dir, name+profileExtension), nil
}
