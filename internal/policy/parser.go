package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	hopserrors "github.com/plyght/hops/internal/errors"
)

type ParseErrorKind string

const (
	ParseMissingField    ParseErrorKind = "missing_field"
	ParseInvalidEnum     ParseErrorKind = "invalid_enum"
	ParseMalformedSyntax ParseErrorKind = "malformed_syntax"
)

// ParseError describes why a profile was rejected at parse time.
type ParseError struct {
	Kind   ParseErrorKind
	Field  string
	Detail string
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse policy: %s: %s: %s", e.Kind, e.Field, e.Detail)
	}
	return fmt.Sprintf("parse policy: %s: %s", e.Kind, e.Detail)
}

func (e *ParseError) Unwrap() error {
	return hopserrors.ErrInvalidPolicy
}

// profileDocument mirrors the profile TOML grammar. Parsing decodes into
// this shape first and maps to Policy afterwards, so enum checking and
// defaulting stay in one place.
type profileDocument struct {
	Name         string               `toml:"name,omitempty"`
	Version      string               `toml:"version,omitempty"`
	Description  string               `toml:"description,omitempty"`
	Capabilities *capabilitiesSection `toml:"capabilities,omitempty"`
	Sandbox      *sandboxSection      `toml:"sandbox,omitempty"`
}

type capabilitiesSection struct {
	Network        string                 `toml:"network,omitempty"`
	Filesystem     []string               `toml:"filesystem,omitempty"`
	AllowedPaths   []string               `toml:"allowed_paths,omitempty"`
	DeniedPaths    []string               `toml:"denied_paths,omitempty"`
	ResourceLimits *resourceLimitsSection `toml:"resource_limits,omitempty"`
}

type resourceLimitsSection struct {
	CPUs         int   `toml:"cpus,omitempty"`
	MemoryBytes  int64 `toml:"memory_bytes,omitempty"`
	MaxProcesses int   `toml:"max_processes,omitempty"`
}

type sandboxSection struct {
	RootPath         string            `toml:"root_path,omitempty"`
	WorkingDirectory string            `toml:"working_directory,omitempty"`
	Environment      map[string]string `toml:"environment,omitempty"`
	Mounts           []mountSection    `toml:"mounts,omitempty"`
}

type mountSection struct {
	Source      string   `toml:"source,omitempty"`
	Destination string   `toml:"destination,omitempty"`
	Type        string   `toml:"type,omitempty"`
	Mode        string   `toml:"mode,omitempty"`
	Options     []string `toml:"options,omitempty"`
}

// Parse converts profile TOML into a Policy. Parsing is pure: it touches
// no filesystem state and performs no semantic safety checks beyond enum
// membership; the Validator owns those.
func Parse(data []byte) (*Policy, error) {
	var doc profileDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Kind: ParseMalformedSyntax, Detail: err.Error()}
	}
	return fromDocument(&doc)
}

// ParseFile reads and parses a profile from disk.
func ParseFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	pol, err := Parse(data)
	if err != nil {
		var parseErr *ParseError
		if errors.As(err, &parseErr) {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return nil, err
	}
	return pol, nil
}

// Marshal serializes a Policy back into profile TOML. Parse(Marshal(p))
// yields a Policy equal to p.
func Marshal(pol *Policy) ([]byte, error) {
	doc := toDocument(pol)
	data, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal policy: %w", err)
	}
	return data, nil
}

func fromDocument(doc *profileDocument) (*Policy, error) {
	if strings.TrimSpace(doc.Name) == "" {
		return nil, &ParseError{Kind: ParseMissingField, Field: "name", Detail: "policy name is required"}
	}

	pol := &Policy{
		Name:        doc.Name,
		Version:     doc.Version,
		Description: doc.Description,
		Capabilities: Capabilities{
			Network: NetworkDisabled,
		},
		Sandbox: SandboxConfig{
			RootPath:    "/",
			Environment: map[string]string{},
		},
	}
	if pol.Version == "" {
		pol.Version = DefaultVersion
	}

	if caps := doc.Capabilities; caps != nil {
		if caps.Network != "" {
			network, err := parseNetworkAccess(caps.Network)
			if err != nil {
				return nil, err
			}
			pol.Capabilities.Network = network
		}
		for _, raw := range caps.Filesystem {
			capability, err := parseFilesystemCapability(raw)
			if err != nil {
				return nil, err
			}
			pol.Capabilities.Filesystem = append(pol.Capabilities.Filesystem, capability)
		}
		pol.Capabilities.AllowedPaths = append(pol.Capabilities.AllowedPaths, caps.AllowedPaths...)
		pol.Capabilities.DeniedPaths = append(pol.Capabilities.DeniedPaths, caps.DeniedPaths...)
		if limits := caps.ResourceLimits; limits != nil {
			pol.Capabilities.ResourceLimits = ResourceLimits{
				CPUs:         limits.CPUs,
				MemoryBytes:  limits.MemoryBytes,
				MaxProcesses: limits.MaxProcesses,
			}
		}
	}

	if sb := doc.Sandbox; sb != nil {
		if sb.RootPath != "" {
			pol.Sandbox.RootPath = sb.RootPath
		}
		pol.Sandbox.WorkingDirectory = sb.WorkingDirectory
		for key, value := range sb.Environment {
			pol.Sandbox.Environment[key] = value
		}
		for i, raw := range sb.Mounts {
			mount, err := parseMount(i, raw)
			if err != nil {
				return nil, err
			}
			pol.Sandbox.Mounts = append(pol.Sandbox.Mounts, mount)
		}
	}

	return pol, nil
}

func parseMount(index int, raw mountSection) (Mount, error) {
	mount := Mount{
		Source:      raw.Source,
		Destination: raw.Destination,
		Type:        MountTypeBind,
		Mode:        MountModeReadOnly,
		Options:     raw.Options,
	}
	if raw.Type != "" {
		switch MountType(raw.Type) {
		case MountTypeBind, MountTypeTmpfs:
			mount.Type = MountType(raw.Type)
		default:
			return Mount{}, &ParseError{
				Kind:   ParseInvalidEnum,
				Field:  fmt.Sprintf("sandbox.mounts[%d].type", index),
				Detail: fmt.Sprintf("unknown mount type %q", raw.Type),
			}
		}
	}
	if raw.Mode != "" {
		switch MountMode(raw.Mode) {
		case MountModeReadOnly, MountModeReadWrite:
			mount.Mode = MountMode(raw.Mode)
		default:
			return Mount{}, &ParseError{
				Kind:   ParseInvalidEnum,
				Field:  fmt.Sprintf("sandbox.mounts[%d].mode", index),
				Detail: fmt.Sprintf("unknown mount mode %q", raw.Mode),
			}
		}
	}
	return mount, nil
}

func parseNetworkAccess(raw string) (NetworkAccess, error) {
	switch NetworkAccess(raw) {
	case NetworkDisabled, NetworkOutbound, NetworkLoopback, NetworkFull:
		return NetworkAccess(raw), nil
	default:
		return "", &ParseError{
			Kind:   ParseInvalidEnum,
			Field:  "capabilities.network",
			Detail: fmt.Sprintf("unknown network access %q", raw),
		}
	}
}

func parseFilesystemCapability(raw string) (FilesystemCapability, error) {
	switch FilesystemCapability(raw) {
	case FilesystemRead, FilesystemWrite, FilesystemExecute:
		return FilesystemCapability(raw), nil
	default:
		return "", &ParseError{
			Kind:   ParseInvalidEnum,
			Field:  "capabilities.filesystem",
			Detail: fmt.Sprintf("unknown filesystem capability %q", raw),
		}
	}
}

func toDocument(pol *Policy) *profileDocument {
	doc := &profileDocument{
		Name:        pol.Name,
		Version:     pol.Version,
		Description: pol.Description,
	}

	caps := &capabilitiesSection{
		Network:      string(pol.Capabilities.Network),
		AllowedPaths: pol.Capabilities.AllowedPaths,
		DeniedPaths:  pol.Capabilities.DeniedPaths,
	}
	for _, capability := range pol.Capabilities.Filesystem {
		caps.Filesystem = append(caps.Filesystem, string(capability))
	}
	if pol.Capabilities.ResourceLimits != (ResourceLimits{}) {
		caps.ResourceLimits = &resourceLimitsSection{
			CPUs:         pol.Capabilities.ResourceLimits.CPUs,
			MemoryBytes:  pol.Capabilities.ResourceLimits.MemoryBytes,
			MaxProcesses: pol.Capabilities.ResourceLimits.MaxProcesses,
		}
	}
	doc.Capabilities = caps

	sb := &sandboxSection{
		RootPath:         pol.Sandbox.RootPath,
		WorkingDirectory: pol.Sandbox.WorkingDirectory,
	}
	if len(pol.Sandbox.Environment) > 0 {
		sb.Environment = pol.Sandbox.Environment
	}
	for _, mount := range pol.Sandbox.Mounts {
		sb.Mounts = append(sb.Mounts, mountSection{
			Source:      mount.Source,
			Destination: mount.Destination,
			Type:        string(mount.Type),
			Mode:        string(mount.Mode),
			Options:     mount.Options,
		})
	}
	doc.Sandbox = sb

	return doc
}
