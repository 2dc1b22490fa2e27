// Package runtimetest provides an in-process fake of the Runtime
// contract. Tests script guest behavior with ProgramFuncs instead of
// booting real virtual machines.
package runtimetest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/plyght/hops/internal/runtime"
)

// ProgramFunc is the scripted guest command. It reads stdin and writes
// stdout/stderr like a real process and returns an exit code. ctx is
// cancelled when the instance receives a termination signal.
type ProgramFunc func(ctx context.Context, spec runtime.ExecSpec, stdin io.Reader, stdout, stderr io.Writer) int

// EchoProgram writes the command arguments to stdout and exits 0.
func EchoProgram(_ context.Context, spec runtime.ExecSpec, _ io.Reader, stdout, _ io.Writer) int {
	fmt.Fprintln(stdout, strings.Join(spec.Args, " "))
	return 0
}

// CatProgram copies stdin to stdout until EOF and exits 0.
func CatProgram(ctx context.Context, _ runtime.ExecSpec, stdin io.Reader, stdout, _ io.Writer) int {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return 130
		default:
		}
		n, err := stdin.Read(buf)
		if n > 0 {
			if _, werr := stdout.Write(buf[:n]); werr != nil {
				return 1
			}
		}
		if err != nil {
			return 0
		}
	}
}

// ByteCountProgram reads stdin to EOF and writes the number of bytes
// consumed, mirroring `wc -c`.
func ByteCountProgram(_ context.Context, _ runtime.ExecSpec, stdin io.Reader, stdout, _ io.Writer) int {
	n, err := io.Copy(io.Discard, stdin)
	if err != nil {
		return 1
	}
	fmt.Fprintln(stdout, n)
	return 0
}

// BlockProgram produces no output and blocks until signalled.
func BlockProgram(ctx context.Context, _ runtime.ExecSpec, _ io.Reader, _, _ io.Writer) int {
	<-ctx.Done()
	return 130
}

// ExitProgram returns a program that exits immediately with code.
func ExitProgram(code int) ProgramFunc {
	return func(_ context.Context, _ runtime.ExecSpec, _ io.Reader, _, _ io.Writer) int {
		return code
	}
}

// Runtime is a scriptable fake virtualization backend.
type Runtime struct {
	mu        sync.Mutex
	program   ProgramFunc
	bootErr   error
	execGate  <-chan struct{}
	instances []*Instance
}

func New() *Runtime {
	return &Runtime{program: EchoProgram}
}

// SetProgram scripts the guest command run by subsequently booted
// instances.
func (r *Runtime) SetProgram(program ProgramFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.program = program
}

// SetExecGate makes Exec on subsequently booted instances block until
// gate is closed. Tests use it to widen the window between boot and
// command launch.
func (r *Runtime) SetExecGate(gate <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execGate = gate
}

// SetBootError makes every subsequent Boot fail with err.
func (r *Runtime) SetBootError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bootErr = err
}

func (r *Runtime) Boot(_ context.Context, cfg runtime.BootConfig) (runtime.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bootErr != nil {
		return nil, r.bootErr
	}
	instance := &Instance{
		cfg:      cfg,
		program:  r.program,
		execGate: r.execGate,
		done:     make(chan struct{}),
	}
	r.instances = append(r.instances, instance)
	return instance, nil
}

// Instances returns every instance booted so far.
func (r *Runtime) Instances() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, len(r.instances))
	copy(out, r.instances)
	return out
}

// Instance is one fake execution environment.
type Instance struct {
	cfg      runtime.BootConfig
	program  ProgramFunc
	execGate <-chan struct{}

	mu          sync.Mutex
	cancel      context.CancelFunc
	stdinReader *io.PipeReader
	signaled    bool
	closed      bool
	status      runtime.ExitStatus

	done chan struct{}
}

// BootConfig returns the configuration the instance was booted with.
func (in *Instance) BootConfig() runtime.BootConfig {
	return in.cfg
}

// Closed reports whether Close has been called.
func (in *Instance) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

func (in *Instance) Exec(_ context.Context, spec runtime.ExecSpec) (runtime.Process, error) {
	if in.execGate != nil {
		<-in.execGate
	}

	programCtx, cancel := context.WithCancel(context.Background())

	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()

	in.mu.Lock()
	in.cancel = cancel
	in.stdinReader = stdinReader
	in.mu.Unlock()

	go func() {
		code := in.program(programCtx, spec, stdinReader, stdoutWriter, stderrWriter)

		in.mu.Lock()
		in.status = runtime.ExitStatus{Code: code, Signaled: in.signaled}
		in.mu.Unlock()

		stdoutWriter.Close()
		stderrWriter.Close()
		stdinReader.Close()
		close(in.done)
	}()

	return &process{stdin: stdinWriter, stdout: stdoutReader, stderr: stderrReader}, nil
}

func (in *Instance) Signal(_ runtime.Signal) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.signaled = true
	if in.cancel != nil {
		in.cancel()
	}
	// Unblock programs parked in a stdin read, the way a delivered
	// signal would interrupt a real process.
	if in.stdinReader != nil {
		in.stdinReader.CloseWithError(io.EOF)
	}
	return nil
}

func (in *Instance) Wait(ctx context.Context) (runtime.ExitStatus, error) {
	select {
	case <-in.done:
		in.mu.Lock()
		defer in.mu.Unlock()
		return in.status, nil
	case <-ctx.Done():
		return runtime.ExitStatus{}, ctx.Err()
	}
}

func (in *Instance) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	if in.cancel != nil {
		in.cancel()
	}
	if in.stdinReader != nil {
		in.stdinReader.CloseWithError(io.EOF)
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
