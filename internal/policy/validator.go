package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	hopserrors "github.com/plyght/hops/internal/errors"
	"github.com/plyght/hops/internal/pathutil"
)

type ValidationErrorKind string

const (
	ValidationEmptyName      ValidationErrorKind = "empty_name"
	ValidationBadVersion     ValidationErrorKind = "bad_version"
	ValidationRelativePath   ValidationErrorKind = "relative_path"
	ValidationPathConflict   ValidationErrorKind = "path_conflict"
	ValidationLimitExceeded  ValidationErrorKind = "limit_exceeded"
	ValidationDuplicateMount ValidationErrorKind = "duplicate_mount"
	ValidationSensitiveWrite ValidationErrorKind = "sensitive_write"
)

// ValidationError is one violated security rule.
type ValidationError struct {
	Kind   ValidationErrorKind
	Field  string
	Paths  []string
	Detail string
}

func (e ValidationError) Error() string {
	parts := []string{string(e.Kind)}
	if e.Field != "" {
		parts = append(parts, e.Field)
	}
	if len(e.Paths) > 0 {
		parts = append(parts, strings.Join(e.Paths, ", "))
	}
	parts = append(parts, e.Detail)
	return strings.Join(parts, ": ")
}

// ValidationErrors aggregates every rule a policy violates, so a caller
// can fix all of them in one pass instead of iterating error-by-error.
type ValidationErrors struct {
	Violations []ValidationError
}

func (e *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, violation := range e.Violations {
		msgs = append(msgs, violation.Error())
	}
	return fmt.Sprintf("policy validation failed (%d violations): %s", len(e.Violations), strings.Join(msgs, "; "))
}

func (e *ValidationErrors) Unwrap() error {
	return hopserrors.ErrInvalidPolicy
}

// Limits are the daemon-wide ceilings a policy's resource requests may
// not exceed.
type Limits struct {
	MaxCPUs        int
	MaxMemoryBytes int64
	MaxProcesses   int
}

func DefaultLimits() Limits {
	return Limits{
		MaxCPUs:        16,
		MaxMemoryBytes: 64 << 30,
		MaxProcesses:   4096,
	}
}

// DefaultSensitivePaths is the built-in set of host paths no policy may
// expose read-write. The set is configuration, not fixed logic: the
// daemon config can replace it wholesale for other host layouts.
func DefaultSensitivePaths() []string {
	return []string{
		"/etc/shadow",
		"/etc/passwd",
		"/etc/sudoers",
		"/etc/ssh",
		"~/.ssh",
		"/root/.ssh",
		"/Library/Keychains",
		"/var/run/docker.sock",
		"/run/docker.sock",
	}
}

var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Validator proves a parsed Policy safe to execute, or rejects it with
// every violated rule enumerated. A Policy it accepts is never
// re-validated or mutated afterwards.
type Validator struct {
	limits    Limits
	sensitive []string
}

// NewValidator builds a validator over the given ceilings and sensitive
// path set. Sensitive paths are expanded and canonicalized up front so
// every later comparison happens in canonical space.
func NewValidator(limits Limits, sensitivePaths []string) *Validator {
	validator := &Validator{limits: limits}
	for _, raw := range sensitivePaths {
		expanded, err := pathutil.Expand(raw)
		if err != nil || expanded == "" {
			continue
		}
		canonical, err := pathutil.Canonicalize(expanded)
		if err != nil {
			continue
		}
		validator.sensitive = append(validator.sensitive, canonical)
	}
	return validator
}

// Validate checks every rule independently and accumulates violations.
// Returns nil on success or a *ValidationErrors carrying the full list.
func (v *Validator) Validate(pol *Policy) error {
	var violations []ValidationError

	violations = append(violations, v.checkIdentity(pol)...)
	violations = append(violations, v.checkPathShape(pol)...)
	violations = append(violations, v.checkPathConflicts(pol)...)
	violations = append(violations, v.checkResourceLimits(pol)...)
	violations = append(violations, v.checkMounts(pol)...)

	if len(violations) > 0 {
		return &ValidationErrors{Violations: violations}
	}
	return nil
}

func (v *Validator) checkIdentity(pol *Policy) []ValidationError {
	var violations []ValidationError
	if strings.TrimSpace(pol.Name) == "" {
		violations = append(violations, ValidationError{
			Kind:   ValidationEmptyName,
			Field:  "name",
			Detail: "policy name must not be empty",
		})
	}
	if !versionPattern.MatchString(pol.Version) {
		violations = append(violations, ValidationError{
			Kind:   ValidationBadVersion,
			Field:  "version",
			Detail: fmt.Sprintf("version %q does not match MAJOR.MINOR.PATCH", pol.Version),
		})
	}
	return violations
}

func (v *Validator) checkPathShape(pol *Policy) []ValidationError {
	var violations []ValidationError
	check := func(field, path string) {
		if path == "" || filepath.IsAbs(path) {
			return
		}
		violations = append(violations, ValidationError{
			Kind:   ValidationRelativePath,
			Field:  field,
			Paths:  []string{path},
			Detail: "path must be absolute",
		})
	}

	for i, path := range pol.Capabilities.AllowedPaths {
		check(fmt.Sprintf("capabilities.allowed_paths[%d]", i), path)
	}
	for i, path := range pol.Capabilities.DeniedPaths {
		check(fmt.Sprintf("capabilities.denied_paths[%d]", i), path)
	}
	check("sandbox.root_path", pol.Sandbox.RootPath)
	check("sandbox.working_directory", pol.Sandbox.WorkingDirectory)
	return violations
}

func (v *Validator) checkPathConflicts(pol *Policy) []ValidationError {
	allowed := canonicalSet(pol.Capabilities.AllowedPaths)
	denied := canonicalSet(pol.Capabilities.DeniedPaths)

	var violations []ValidationError
	for _, a := range allowed {
		for _, d := range denied {
			if pathutil.HasPathPrefix(d.canonical, a.canonical) || pathutil.HasPathPrefix(a.canonical, d.canonical) {
				violations = append(violations, ValidationError{
					Kind:   ValidationPathConflict,
					Paths:  []string{a.declared, d.declared},
					Detail: fmt.Sprintf("allowed path %q conflicts with denied path %q", a.declared, d.declared),
				})
			}
		}
	}
	return violations
}

func (v *Validator) checkResourceLimits(pol *Policy) []ValidationError {
	limits := pol.Capabilities.ResourceLimits
	var violations []ValidationError

	if limits.CPUs < 0 || limits.CPUs > v.limits.MaxCPUs {
		violations = append(violations, ValidationError{
			Kind:   ValidationLimitExceeded,
			Field:  "capabilities.resource_limits.cpus",
			Detail: fmt.Sprintf("cpus %d outside [0, %d]", limits.CPUs, v.limits.MaxCPUs),
		})
	}
	if limits.MemoryBytes < 0 || limits.MemoryBytes > v.limits.MaxMemoryBytes {
		violations = append(violations, ValidationError{
			Kind:   ValidationLimitExceeded,
			Field:  "capabilities.resource_limits.memory_bytes",
			Detail: fmt.Sprintf("memory_bytes %d outside [0, %d]", limits.MemoryBytes, v.limits.MaxMemoryBytes),
		})
	}
	if limits.MaxProcesses < 0 || limits.MaxProcesses > v.limits.MaxProcesses {
		violations = append(violations, ValidationError{
			Kind:   ValidationLimitExceeded,
			Field:  "capabilities.resource_limits.max_processes",
			Detail: fmt.Sprintf("max_processes %d outside [0, %d]", limits.MaxProcesses, v.limits.MaxProcesses),
		})
	}
	return violations
}

func (v *Validator) checkMounts(pol *Policy) []ValidationError {
	var violations []ValidationError
	seen := map[string]int{}

	for i, mount := range pol.Sandbox.Mounts {
		field := fmt.Sprintf("sandbox.mounts[%d]", i)

		// tmpfs mounts have no host-side source.
		if mount.Type != MountTypeTmpfs && !filepath.IsAbs(mount.Source) {
			violations = append(violations, ValidationError{
				Kind:   ValidationRelativePath,
				Field:  field + ".source",
				Paths:  []string{mount.Source},
				Detail: "mount source must be absolute",
			})
		}
		if !filepath.IsAbs(mount.Destination) {
			violations = append(violations, ValidationError{
				Kind:   ValidationRelativePath,
				Field:  field + ".destination",
				Paths:  []string{mount.Destination},
				Detail: "mount destination must be absolute",
			})
			continue
		}

		canonical, err := pathutil.Canonicalize(mount.Destination)
		if err != nil {
			canonical = filepath.Clean(mount.Destination)
		}
		if prev, ok := seen[canonical]; ok {
			violations = append(violations, ValidationError{
				Kind:   ValidationDuplicateMount,
				Field:  field + ".destination",
				Paths:  []string{pol.Sandbox.Mounts[prev].Destination, mount.Destination},
				Detail: fmt.Sprintf("destination %q already used by mount %d", mount.Destination, prev),
			})
		} else {
			seen[canonical] = i
		}

		if mount.Mode == MountModeReadWrite {
			if hit, ok := v.sensitiveHit(canonical); ok {
				violations = append(violations, ValidationError{
					Kind:   ValidationSensitiveWrite,
					Field:  field,
					Paths:  []string{mount.Destination, hit},
					Detail: fmt.Sprintf("read-write mount %q resolves under sensitive path %q", mount.Destination, hit),
				})
			}
		}

		// A read-write bind source aimed at a sensitive host path is
		// the symlink-substitution case: the source resolves before
		// comparison, so a link into a credential store is rejected
		// exactly like a direct reference.
		if mount.Mode == MountModeReadWrite && mount.Type == MountTypeBind && filepath.IsAbs(mount.Source) {
			sourceCanonical, err := pathutil.Canonicalize(mount.Source)
			if err == nil {
				if hit, ok := v.sensitiveHit(sourceCanonical); ok {
					violations = append(violations, ValidationError{
						Kind:   ValidationSensitiveWrite,
						Field:  field,
						Paths:  []string{mount.Source, hit},
						Detail: fmt.Sprintf("read-write mount source %q resolves under sensitive path %q", mount.Source, hit),
					})
				}
			}
		}
	}
	return violations
}

func (v *Validator) sensitiveHit(canonical string) (string, bool) {
	for _, sensitive := range v.sensitive {
		if pathutil.HasPathPrefix(canonical, sensitive) {
			return sensitive, true
		}
	}
	return "", false
}

type declaredPath struct {
	declared  string
	canonical string
}

// canonicalSet canonicalizes declared paths, dropping relative entries
// (those are reported separately as shape violations).
func canonicalSet(paths []string) []declaredPath {
	out := make([]declaredPath, 0, len(paths))
	for _, declared := range paths {
		if !filepath.IsAbs(declared) {
			continue
		}
		canonical, err := pathutil.Canonicalize(declared)
		if err != nil {
			canonical = filepath.Clean(declared)
		}
		out = append(out, declaredPath{declared: declared, canonical: canonical})
	}
	return out
}
