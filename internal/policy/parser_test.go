package policy

import (
	"errors"
	"reflect"
	"testing"

	hopserrors "github.com/plyght/hops/internal/errors"
)

const fullProfile = `
name = "dev"
version = "2.1.0"
description = "development profile"

[capabilities]
network = "outbound"
filesystem = ["read", "write"]
allowed_paths = ["/usr", "/home/dev/src"]
denied_paths = ["/etc"]

[capabilities.resource_limits]
cpus = 2
memory_bytes = 536870912
max_processes = 100

[sandbox]
root_path = "/srv/rootfs"
working_directory = "/work"

[sandbox.environment]
PATH = "/usr/bin:/bin"
LANG = "C.UTF-8"

[[sandbox.mounts]]
source = "/home/dev/src"
destination = "/src"
type = "bind"
mode = "rw"

[[sandbox.mounts]]
destination = "/tmp"
type = "tmpfs"
mode = "rw"
options = ["size=64m"]
`

func TestParse_FullProfile(t *testing.T) {
	pol, err := Parse([]byte(fullProfile))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if pol.Name != "dev" || pol.Version != "2.1.0" {
		t.Fatalf("unexpected identity: %q %q", pol.Name, pol.Version)
	}
	if pol.Capabilities.Network != NetworkOutbound {
		t.Fatalf("unexpected network access: %q", pol.Capabilities.Network)
	}
	wantFS := []FilesystemCapability{FilesystemRead, FilesystemWrite}
	if !reflect.DeepEqual(pol.Capabilities.Filesystem, wantFS) {
		t.Fatalf("unexpected filesystem capabilities: %v", pol.Capabilities.Filesystem)
	}
	if pol.Capabilities.ResourceLimits.MemoryBytes != 536870912 {
		t.Fatalf("unexpected memory limit: %d", pol.Capabilities.ResourceLimits.MemoryBytes)
	}
	if pol.Sandbox.RootPath != "/srv/rootfs" {
		t.Fatalf("unexpected root path: %q", pol.Sandbox.RootPath)
	}
	if len(pol.Sandbox.Mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d", len(pol.Sandbox.Mounts))
	}
	if pol.Sandbox.Mounts[1].Type != MountTypeTmpfs || pol.Sandbox.Mounts[1].Source != "" {
		t.Fatalf("unexpected tmpfs mount: %+v", pol.Sandbox.Mounts[1])
	}
	if pol.Sandbox.Environment["LANG"] != "C.UTF-8" {
		t.Fatalf("unexpected environment: %v", pol.Sandbox.Environment)
	}
}

func TestParse_Defaults(t *testing.T) {
	pol, err := Parse([]byte(`name = "minimal"`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if pol.Version != DefaultVersion {
		t.Fatalf("version default not applied: %q", pol.Version)
	}
	if pol.Capabilities.Network != NetworkDisabled {
		t.Fatalf("network should default to disabled: %q", pol.Capabilities.Network)
	}
	if pol.Sandbox.RootPath != "/" {
		t.Fatalf("root_path should default to /: %q", pol.Sandbox.RootPath)
	}
	if len(pol.Sandbox.Mounts) != 0 {
		t.Fatalf("mounts should default to empty: %v", pol.Sandbox.Mounts)
	}
	if pol.Sandbox.Environment == nil || len(pol.Sandbox.Environment) != 0 {
		t.Fatalf("environment should default to empty map: %v", pol.Sandbox.Environment)
	}
}

func TestParse_MissingName(t *testing.T) {
	for _, input := range []string{``, `description = "anonymous"`, `name = "  "`} {
		_, err := Parse([]byte(input))
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Fatalf("expected ParseError for %q, got %v", input, err)
		}
		if parseErr.Kind != ParseMissingField || parseErr.Field != "name" {
			t.Fatalf("unexpected error: %+v", parseErr)
		}
		if !errors.Is(err, hopserrors.ErrInvalidPolicy) {
			t.Fatal("ParseError should wrap ErrInvalidPolicy")
		}
	}
}

func TestParse_InvalidEnums(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"network", "name = \"t\"\n[capabilities]\nnetwork = \"bridged\""},
		{"filesystem", "name = \"t\"\n[capabilities]\nfilesystem = [\"append\"]"},
		{"mount type", "name = \"t\"\n[[sandbox.mounts]]\ndestination = \"/x\"\ntype = \"overlay\""},
		{"mount mode", "name = \"t\"\n[[sandbox.mounts]]\ndestination = \"/x\"\nmode = \"rwx\""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.input))
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if parseErr.Kind != ParseInvalidEnum {
				t.Fatalf("expected invalid_enum, got %+v", parseErr)
			}
		})
	}
}

func TestParse_MalformedSyntax(t *testing.T) {
	_, err := Parse([]byte("name = \"t\nnot toml"))
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if parseErr.Kind != ParseMalformedSyntax {
		t.Fatalf("expected malformed_syntax, got %+v", parseErr)
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	original, err := Parse([]byte(fullProfile))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	reparsed, err := Parse(data)
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, data)
	}

	if !reflect.DeepEqual(original, reparsed) {
		t.Fatalf("round-trip mismatch:\noriginal: %+v\nreparsed: %+v", original, reparsed)
	}
}

func TestMarshal_RoundTripMinimal(t *testing.T) {
	original, err := Parse([]byte(`name = "minimal"`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	reparsed, err := Parse(data)
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, data)
	}
	if !reflect.DeepEqual(original, reparsed) {
		t.Fatalf("round-trip mismatch:\noriginal: %+v\nreparsed: %+v", original, reparsed)
	}
}
