// Package runtime defines the narrow contract between the sandbox core
// and the virtualization backend. The core never touches VM or boot
// mechanics directly; everything flows through Runtime, Instance, and
// Process so that tests can substitute an in-process fake.
package runtime

import (
	"context"
	"io"

	"github.com/plyght/hops/internal/policy"
)

// Signal is a termination request level.
type Signal int

const (
	SignalTerm Signal = iota
	SignalKill
)

// ExitStatus is the terminal outcome of a sandboxed command.
type ExitStatus struct {
	Code     int
	Signaled bool
}

// BootConfig describes the isolated execution environment to create.
type BootConfig struct {
	KernelImage string
	InitImage   string
	RootFS      string
	Resources   policy.ResourceLimits
	Mounts      []policy.Mount
}

// ExecSpec describes the command to run inside a booted instance.
type ExecSpec struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// Runtime boots isolated execution environments.
type Runtime interface {
	Boot(ctx context.Context, cfg BootConfig) (Instance, error)
}

// Instance is one booted execution environment. Close releases all
// resources held by the instance; it is safe to call after Wait.
type Instance interface {
	Exec(ctx context.Context, spec ExecSpec) (Process, error)
	Signal(sig Signal) error
	Wait(ctx context.Context) (ExitStatus, error)
	Close() error
}

// Process exposes the standard streams of the command running inside an
// instance. Stdout and Stderr deliver bytes in generation order.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
}
