// Package vmm adapts the Runtime contract onto an external VMM helper
// binary. The helper owns all virtualization mechanics (kernel, init,
// VM lifecycle); this adapter only builds its invocation and wires the
// standard streams through.
package vmm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	hopserrors "github.com/plyght/hops/internal/errors"
	"github.com/plyght/hops/internal/policy"
	"github.com/plyght/hops/internal/runtime"
)

// DefaultHelper is the VMM helper binary looked up on PATH.
const DefaultHelper = "hops-vmm"

type Adapter struct {
	helper string
}

type Option func(*Adapter)

// WithHelper overrides the VMM helper binary path.
func WithHelper(path string) Option {
	return func(a *Adapter) {
		a.helper = path
	}
}

func New(options ...Option) *Adapter {
	adapter := &Adapter{helper: DefaultHelper}
	for _, option := range options {
		option(adapter)
	}
	return adapter
}

// Boot validates the boot configuration and resolves the helper. The VM
// itself is brought up lazily on Exec: the helper boots the environment
// and runs the guest command in a single invocation.
func (a *Adapter) Boot(ctx context.Context, cfg runtime.BootConfig) (runtime.Instance, error) {
	helperPath, err := exec.LookPath(a.helper)
	if err != nil {
		return nil, fmt.Errorf("vmm helper %q: %w", a.helper, hopserrors.ErrRuntimeUnavailable)
	}
	if cfg.RootFS == "" {
		return nil, fmt.Errorf("boot config has no rootfs: %w", hopserrors.ErrRootfsMissing)
	}
	if _, err := os.Stat(cfg.RootFS); err != nil {
		return nil, fmt.Errorf("rootfs %q: %w", cfg.RootFS, hopserrors.ErrRootfsMissing)
	}

	return &instance{helperPath: helperPath, cfg: cfg}, nil
}

type instance struct {
	helperPath string
	cfg        runtime.BootConfig

	mu  sync.Mutex
	cmd *exec.Cmd
}

func (in *instance) Exec(ctx context.Context, spec runtime.ExecSpec) (runtime.Process, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cmd != nil {
		return nil, fmt.Errorf("instance already executing: %w", hopserrors.ErrInternal)
	}

	args := []string{"run",
		"--rootfs", in.cfg.RootFS,
	}
	if in.cfg.KernelImage != "" {
		args = append(args, "--kernel", in.cfg.KernelImage)
	}
	if in.cfg.InitImage != "" {
		args = append(args, "--init", in.cfg.InitImage)
	}
	if in.cfg.Resources.CPUs > 0 {
		args = append(args, "--cpus", strconv.Itoa(in.cfg.Resources.CPUs))
	}
	if in.cfg.Resources.MemoryBytes > 0 {
		args = append(args, "--memory-bytes", strconv.FormatInt(in.cfg.Resources.MemoryBytes, 10))
	}
	if in.cfg.Resources.MaxProcesses > 0 {
		args = append(args, "--max-processes", strconv.Itoa(in.cfg.Resources.MaxProcesses))
	}
	for _, mount := range in.cfg.Mounts {
		args = append(args, "--mount", formatMount(mount))
	}
	if spec.Cwd != "" {
		args = append(args, "--workdir", spec.Cwd)
	}
	for key, value := range spec.Env {
		args = append(args, "--env", key+"="+value)
	}
	args = append(args, "--", spec.Command)
	args = append(args, spec.Args...)

	cmd := exec.CommandContext(ctx, in.helperPath, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("wire stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("wire stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("wire stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start vmm helper: %w", hopserrors.ErrRuntimeUnavailable)
	}
	slog.Debug("VMM helper started", "pid", cmd.Process.Pid, "rootfs", in.cfg.RootFS)

	in.cmd = cmd
	return &process{stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (in *instance) Signal(sig runtime.Signal) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cmd == nil || in.cmd.Process == nil {
		return hopserrors.ErrSandboxNotRunning
	}
	osSig := syscall.SIGTERM
	if sig == runtime.SignalKill {
		osSig = syscall.SIGKILL
	}
	return in.cmd.Process.Signal(osSig)
}

func (in *instance) Wait(ctx context.Context) (runtime.ExitStatus, error) {
	in.mu.Lock()
	cmd := in.cmd
	in.mu.Unlock()
	if cmd == nil {
		return runtime.ExitStatus{}, hopserrors.ErrSandboxNotRunning
	}

	err := cmd.Wait()
	if err == nil {
		return runtime.ExitStatus{Code: 0}, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		status := runtime.ExitStatus{Code: exitErr.ExitCode()}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signaled = true
			status.Code = 128 + int(ws.Signal())
		}
		return status, nil
	}
	return runtime.ExitStatus{}, fmt.Errorf("wait for vmm helper: %w", err)
}

func (in *instance) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.cmd != nil && in.cmd.Process != nil && in.cmd.ProcessState == nil {
		_ = in.cmd.Process.Kill()
	}
	return nil
}

type process struct {
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *process) Stdin() io.WriteCloser { return p.stdin }
func (p *process) Stdout() io.Reader     { return p.stdout }
func (p *process) Stderr() io.Reader     { return p.stderr }

// formatMount encodes a mount as source:destination:type:mode[:options].
func formatMount(mount policy.Mount) string {
	parts := []string{mount.Source, mount.Destination, string(mount.Type), string(mount.Mode)}
	if len(mount.Options) > 0 {
		parts = append(parts, strings.Join(mount.Options, ","))
	}
	return strings.Join(parts, ":")
}
