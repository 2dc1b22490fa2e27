package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestValidator(sensitive ...string) *Validator {
	return NewValidator(DefaultLimits(), sensitive)
}

func validPolicy() *Policy {
	return &Policy{
		Name:    "t",
		Version: "1.0.0",
		Capabilities: Capabilities{
			Network:    NetworkDisabled,
			Filesystem: []FilesystemCapability{FilesystemRead},
		},
		Sandbox: SandboxConfig{RootPath: "/", Environment: map[string]string{}},
	}
}

func violationsOf(t *testing.T, err error) []ValidationError {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation failure, got nil")
	}
	var agg *ValidationErrors
	if !errors.As(err, &agg) {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}
	return agg.Violations
}

func hasKind(violations []ValidationError, kind ValidationErrorKind) bool {
	for _, violation := range violations {
		if violation.Kind == kind {
			return true
		}
	}
	return false
}

func TestValidate_AcceptsMinimalPolicy(t *testing.T) {
	if err := newTestValidator().Validate(validPolicy()); err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}
}

func TestValidate_PathConflictNestedDeny(t *testing.T) {
	// The worked example: a denied path nesting under an allowed path is
	// a conflict, citing both.
	pol := validPolicy()
	pol.Capabilities.AllowedPaths = []string{"/usr"}
	pol.Capabilities.DeniedPaths = []string{"/usr/secret"}

	violations := violationsOf(t, newTestValidator().Validate(pol))
	if len(violations) != 1 || violations[0].Kind != ValidationPathConflict {
		t.Fatalf("unexpected violations: %+v", violations)
	}
	paths := violations[0].Paths
	if len(paths) != 2 || paths[0] != "/usr" || paths[1] != "/usr/secret" {
		t.Fatalf("conflict must cite both paths, got %v", paths)
	}
}

func TestValidate_PathConflictReverseDirection(t *testing.T) {
	pol := validPolicy()
	pol.Capabilities.AllowedPaths = []string{"/var/log/app"}
	pol.Capabilities.DeniedPaths = []string{"/var/log"}

	violations := violationsOf(t, newTestValidator().Validate(pol))
	if !hasKind(violations, ValidationPathConflict) {
		t.Fatalf("expected path_conflict, got %+v", violations)
	}
}

func TestValidate_EqualPathsConflict(t *testing.T) {
	pol := validPolicy()
	pol.Capabilities.AllowedPaths = []string{"/opt/data"}
	pol.Capabilities.DeniedPaths = []string{"/opt/data"}

	violations := violationsOf(t, newTestValidator().Validate(pol))
	if !hasKind(violations, ValidationPathConflict) {
		t.Fatalf("expected path_conflict, got %+v", violations)
	}
}

func TestValidate_SiblingPathsNoConflict(t *testing.T) {
	pol := validPolicy()
	pol.Capabilities.AllowedPaths = []string{"/usr/lib"}
	pol.Capabilities.DeniedPaths = []string{"/usr/libexec"}

	if err := newTestValidator().Validate(pol); err != nil {
		t.Fatalf("sibling paths should not conflict: %v", err)
	}
}

func TestValidate_ResourceCeilings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Policy)
		field  string
	}{
		{"cpus", func(p *Policy) { p.Capabilities.ResourceLimits.CPUs = 512 }, "capabilities.resource_limits.cpus"},
		{"memory", func(p *Policy) { p.Capabilities.ResourceLimits.MemoryBytes = 1 << 50 }, "capabilities.resource_limits.memory_bytes"},
		{"processes", func(p *Policy) { p.Capabilities.ResourceLimits.MaxProcesses = 1 << 20 }, "capabilities.resource_limits.max_processes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pol := validPolicy()
			tc.mutate(pol)
			violations := violationsOf(t, newTestValidator().Validate(pol))
			if len(violations) != 1 || violations[0].Kind != ValidationLimitExceeded {
				t.Fatalf("unexpected violations: %+v", violations)
			}
			if violations[0].Field != tc.field {
				t.Fatalf("violation must name the field, got %q", violations[0].Field)
			}
		})
	}
}

func TestValidate_AccumulatesAllViolations(t *testing.T) {
	pol := validPolicy()
	pol.Name = ""
	pol.Version = "one.two"
	pol.Capabilities.AllowedPaths = []string{"relative/path", "/usr"}
	pol.Capabilities.DeniedPaths = []string{"/usr/secret"}
	pol.Capabilities.ResourceLimits.CPUs = 512
	pol.Capabilities.ResourceLimits.MaxProcesses = 1 << 20

	violations := violationsOf(t, newTestValidator().Validate(pol))
	for _, kind := range []ValidationErrorKind{
		ValidationEmptyName,
		ValidationBadVersion,
		ValidationRelativePath,
		ValidationPathConflict,
		ValidationLimitExceeded,
	} {
		if !hasKind(violations, kind) {
			t.Errorf("missing expected violation kind %q in %+v", kind, violations)
		}
	}
	if len(violations) != 6 {
		t.Fatalf("expected 6 violations (two limit fields), got %d: %+v", len(violations), violations)
	}
}

func TestValidate_VersionGrammar(t *testing.T) {
	for version, ok := range map[string]bool{
		"1.0.0":     true,
		"12.34.56":  true,
		"1.0":       false,
		"v1.0.0":    false,
		"1.0.0-rc1": false,
		"":          false,
	} {
		pol := validPolicy()
		pol.Version = version
		err := newTestValidator().Validate(pol)
		if ok && err != nil {
			t.Errorf("version %q should validate: %v", version, err)
		}
		if !ok && err == nil {
			t.Errorf("version %q should be rejected", version)
		}
	}
}

func TestValidate_SensitiveMountModes(t *testing.T) {
	dir := t.TempDir()
	shadow := filepath.Join(dir, "etc", "shadow")
	if err := os.MkdirAll(filepath.Dir(shadow), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(shadow, []byte("root:*:"), 0600); err != nil {
		t.Fatal(err)
	}
	validator := newTestValidator(shadow)

	// Read-only exposure of a sensitive path is allowed.
	pol := validPolicy()
	pol.Sandbox.Mounts = []Mount{{Source: shadow, Destination: shadow, Type: MountTypeBind, Mode: MountModeReadOnly}}
	if err := validator.Validate(pol); err != nil {
		t.Fatalf("read-only sensitive mount should validate: %v", err)
	}

	// The same destination read-write is rejected.
	pol = validPolicy()
	pol.Sandbox.Mounts = []Mount{{Source: shadow, Destination: shadow, Type: MountTypeBind, Mode: MountModeReadWrite}}
	violations := violationsOf(t, validator.Validate(pol))
	if !hasKind(violations, ValidationSensitiveWrite) {
		t.Fatalf("expected sensitive_write, got %+v", violations)
	}
}

func TestValidate_SymlinkToSensitivePath(t *testing.T) {
	dir := t.TempDir()
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}

	secrets := filepath.Join(real, "secrets")
	if err := os.MkdirAll(secrets, 0700); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(real, "innocent")
	if err := os.Symlink(secrets, link); err != nil {
		t.Fatal(err)
	}
	validator := newTestValidator(secrets)

	// Mounting through the symlink must be rejected exactly like a
	// direct reference to the sensitive path.
	for _, destination := range []string{secrets, link, filepath.Join(link, "keys")} {
		pol := validPolicy()
		pol.Sandbox.Mounts = []Mount{{Source: real, Destination: destination, Type: MountTypeBind, Mode: MountModeReadWrite}}
		violations := violationsOf(t, validator.Validate(pol))
		if !hasKind(violations, ValidationSensitiveWrite) {
			t.Fatalf("destination %q: expected sensitive_write, got %+v", destination, violations)
		}
	}
}

func TestValidate_DuplicateMountDestinations(t *testing.T) {
	pol := validPolicy()
	pol.Sandbox.Mounts = []Mount{
		{Destination: "/data", Type: MountTypeTmpfs, Mode: MountModeReadWrite},
		{Destination: "/data/", Type: MountTypeTmpfs, Mode: MountModeReadWrite},
	}
	violations := violationsOf(t, newTestValidator().Validate(pol))
	if !hasKind(violations, ValidationDuplicateMount) {
		t.Fatalf("expected duplicate_mount, got %+v", violations)
	}
}

func TestValidate_TmpfsSourceExempt(t *testing.T) {
	pol := validPolicy()
	pol.Sandbox.Mounts = []Mount{{Destination: "/scratch", Type: MountTypeTmpfs, Mode: MountModeReadWrite}}
	if err := newTestValidator().Validate(pol); err != nil {
		t.Fatalf("tmpfs mount without source should validate: %v", err)
	}
}
