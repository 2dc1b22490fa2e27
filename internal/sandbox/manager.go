package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/plyght/hops/internal/concurrency"
	hopserrors "github.com/plyght/hops/internal/errors"
	"github.com/plyght/hops/internal/policy"
	"github.com/plyght/hops/internal/runtime"
)

// Options tune manager behavior. Zero values fall back to defaults.
type Options struct {
	KernelImage string
	InitImage   string

	// BootTimeout bounds how long a Boot may take before the start is
	// treated as fatal.
	BootTimeout time.Duration

	// StopGracePeriod is how long a term signal gets before escalation
	// to kill.
	StopGracePeriod time.Duration

	// Retention is how long terminal sandbox metadata stays queryable.
	Retention time.Duration

	// StdinRetryAttempts and StdinRetryDelay bound the wait for a
	// stdin writer on a sandbox still starting up.
	StdinRetryAttempts int
	StdinRetryDelay    time.Duration

	// OutputBuffer is the per-sandbox output channel capacity in
	// chunks.
	OutputBuffer int
}

const (
	defaultBootTimeout        = 30 * time.Second
	defaultStopGracePeriod    = 5 * time.Second
	defaultRetention          = time.Hour
	defaultStdinRetryAttempts = 20
	defaultStdinRetryDelay    = 50 * time.Millisecond
	defaultOutputBuffer       = 1024
	outputChunkSize           = 4096
)

// StartSpec is the command to run inside a new sandbox.
type StartSpec struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// Manager owns the table of running sandboxes and drives each through
// its lifecycle. The table is the only structure shared across
// sandboxes; it is constructed explicitly and passed by reference, never
// held as package state.
type Manager struct {
	mu        sync.RWMutex
	sandboxes map[string]*Sandbox
	rt        runtime.Runtime
	opts      Options
}

func NewManager(rt runtime.Runtime, opts Options) *Manager {
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = defaultBootTimeout
	}
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = defaultStopGracePeriod
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.StdinRetryAttempts <= 0 {
		opts.StdinRetryAttempts = defaultStdinRetryAttempts
	}
	if opts.StdinRetryDelay <= 0 {
		opts.StdinRetryDelay = defaultStdinRetryDelay
	}
	if opts.OutputBuffer <= 0 {
		opts.OutputBuffer = defaultOutputBuffer
	}
	return &Manager{
		sandboxes: make(map[string]*Sandbox),
		rt:        rt,
		opts:      opts,
	}
}

// Start boots an execution environment under the validated policy,
// registers the sandbox, and returns its identifier once the command is
// running. pol must already have passed validation; Start never
// re-validates or mutates it.
func (m *Manager) Start(ctx context.Context, pol *policy.Policy, spec StartSpec) (string, error) {
	if spec.Command == "" {
		return "", fmt.Errorf("start sandbox: command is required: %w", hopserrors.ErrInvalidPolicy)
	}

	bootCtx, cancel := context.WithTimeout(ctx, m.opts.BootTimeout)
	defer cancel()

	instance, err := m.rt.Boot(bootCtx, runtime.BootConfig{
		KernelImage: m.opts.KernelImage,
		InitImage:   m.opts.InitImage,
		RootFS:      pol.Sandbox.RootPath,
		Resources:   pol.Capabilities.ResourceLimits,
		Mounts:      pol.Sandbox.Mounts,
	})
	if err != nil {
		return "", fmt.Errorf("boot sandbox environment: %w", err)
	}

	sb := &Sandbox{
		ID:        ulid.Make().String(),
		Policy:    pol,
		Command:   spec.Command,
		State:     StateStarting,
		CreatedAt: time.Now(),
		instance:  instance,
		output:    make(chan OutputChunk, m.opts.OutputBuffer),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.sandboxes[sb.ID] = sb
	m.mu.Unlock()

	cwd := spec.Cwd
	if cwd == "" {
		cwd = pol.Sandbox.WorkingDirectory
	}
	proc, err := instance.Exec(ctx, runtime.ExecSpec{
		Command: spec.Command,
		Args:    spec.Args,
		Env:     mergeEnv(pol.Sandbox.Environment, spec.Env),
		Cwd:     cwd,
	})
	if err != nil {
		m.mu.Lock()
		sb.State = StateFailed
		sb.FinishedAt = time.Now()
		m.mu.Unlock()
		instance.Close()
		close(sb.output)
		close(sb.done)
		return "", fmt.Errorf("exec in sandbox %s: %w", sb.ID, err)
	}

	m.mu.Lock()
	sb.stdin = proc.Stdin()
	// A Stop may have landed while Exec was in flight; keep Stopping in
	// that case so the requested-stop path stays visible.
	stopRequested := sb.stopRequested
	if sb.State == StateStarting {
		sb.State = StateRunning
	}
	m.mu.Unlock()

	sb.pumps.Add(2)
	go m.pump(sb, StreamStdout, proc.Stdout())
	go m.pump(sb, StreamStderr, proc.Stderr())
	concurrency.SafeGo(func() { m.watch(sb) }, func(interface{}) {
		m.mu.Lock()
		sb.State = StateFailed
		sb.FinishedAt = time.Now()
		m.mu.Unlock()
	})

	if stopRequested {
		// Signals sent before the command launched never reached it;
		// re-deliver the pending termination request.
		if err := instance.Signal(runtime.SignalTerm); err != nil {
			slog.Warn("Term signal failed", "sandbox_id", sb.ID, "error", err)
		}
	}

	slog.Info("Sandbox started", "sandbox_id", sb.ID, "policy", pol.Name, "command", spec.Command)
	return sb.ID, nil
}

// Stop requests termination and blocks until the runtime confirms exit
// or ctx is cancelled. Stopping an already-terminal sandbox is a no-op
// acknowledgement.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("sandbox %s: %w", id, hopserrors.ErrNotFound)
	}
	if sb.State.Terminal() {
		m.mu.Unlock()
		return nil
	}
	sb.State = StateStopping
	sb.stopRequested = true
	instance := sb.instance
	m.mu.Unlock()

	slog.Info("Stopping sandbox", "sandbox_id", id)
	if err := instance.Signal(runtime.SignalTerm); err != nil {
		slog.Warn("Term signal failed", "sandbox_id", id, "error", err)
	}

	select {
	case <-sb.done:
		return nil
	case <-time.After(m.opts.StopGracePeriod):
	case <-ctx.Done():
		return fmt.Errorf("stop sandbox %s: %w", id, ctx.Err())
	}

	slog.Warn("Escalating to kill", "sandbox_id", id)
	if err := instance.Signal(runtime.SignalKill); err != nil {
		slog.Warn("Kill signal failed", "sandbox_id", id, "error", err)
	}

	select {
	case <-sb.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop sandbox %s: %w", id, ctx.Err())
	}
}

// List returns summaries ordered by creation time. Terminal sandboxes
// are included only when includeStopped is set.
func (m *Manager) List(includeStopped bool) []Summary {
	m.mu.RLock()
	summaries := make([]Summary, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		if !includeStopped && sb.State.Terminal() {
			continue
		}
		summaries = append(summaries, sb.summary())
	}
	m.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries
}

// Status returns the summary for one sandbox.
func (m *Manager) Status(id string) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return Summary{}, fmt.Errorf("sandbox %s: %w", id, hopserrors.ErrNotFound)
	}
	return sb.summary(), nil
}

// StdinWriter hands out the sandbox's stdin. It is only available once
// the sandbox is Running; a caller arriving during startup retries a
// bounded number of times instead of blocking indefinitely.
func (m *Manager) StdinWriter(id string) (io.WriteCloser, error) {
	for attempt := 0; attempt < m.opts.StdinRetryAttempts; attempt++ {
		m.mu.RLock()
		sb, ok := m.sandboxes[id]
		if !ok {
			m.mu.RUnlock()
			return nil, fmt.Errorf("sandbox %s: %w", id, hopserrors.ErrNotFound)
		}
		state := sb.State
		stdin := sb.stdin
		m.mu.RUnlock()

		switch {
		case state == StateRunning && stdin != nil:
			return stdin, nil
		case state.Terminal():
			return nil, fmt.Errorf("sandbox %s is %s: %w", id, state, hopserrors.ErrSandboxNotRunning)
		}
		time.Sleep(m.opts.StdinRetryDelay)
	}
	return nil, fmt.Errorf("sandbox %s stdin not ready: %w", id, hopserrors.ErrSandboxNotRunning)
}

// Output returns the sandbox's ordered stdout/stderr chunk stream. The
// channel closes after the sandbox terminates and its streams drain.
func (m *Manager) Output(id string) (<-chan OutputChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", id, hopserrors.ErrNotFound)
	}
	return sb.output, nil
}

// Sweep drops terminal sandboxes whose retention window has expired and
// returns how many were removed.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.opts.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, sb := range m.sandboxes {
		if sb.State.Terminal() && !sb.FinishedAt.IsZero() && sb.FinishedAt.Before(cutoff) {
			delete(m.sandboxes, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Swept expired sandboxes", "removed", removed)
	}
	return removed
}

// StopAll terminates every non-terminal sandbox; used at daemon
// shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sandboxes))
	for id, sb := range m.sandboxes {
		if !sb.State.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			slog.Warn("Failed to stop sandbox during shutdown", "sandbox_id", id, "error", err)
		}
	}
}

// pump reads one output stream into the sandbox's chunk channel,
// preserving per-stream ordering.
func (m *Manager) pump(sb *Sandbox, stream Stream, r io.Reader) {
	defer sb.pumps.Done()
	buf := make([]byte, outputChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			sb.output <- OutputChunk{Stream: stream, Data: data}
		}
		if err != nil {
			return
		}
	}
}

// watch waits for runtime-reported termination, records the terminal
// state, and reclaims execution resources. Sandbox metadata stays in
// the table for the retention window.
func (m *Manager) watch(sb *Sandbox) {
	status, err := sb.instance.Wait(context.Background())

	m.mu.Lock()
	stopRequested := sb.stopRequested
	switch {
	case err != nil:
		sb.State = StateFailed
		sb.ExitCode = -1
	case stopRequested || !status.Signaled:
		sb.State = StateStopped
		sb.ExitCode = status.Code
	default:
		// Killed by a signal nobody asked for: a runtime fault.
		sb.State = StateFailed
		sb.ExitCode = status.Code
	}
	sb.FinishedAt = time.Now()
	stdin := sb.stdin
	m.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	sb.pumps.Wait()
	close(sb.output)
	if closeErr := sb.instance.Close(); closeErr != nil {
		slog.Warn("Instance close failed", "sandbox_id", sb.ID, "error", closeErr)
	}
	close(sb.done)

	m.mu.RLock()
	state := sb.State
	code := sb.ExitCode
	m.mu.RUnlock()
	slog.Info("Sandbox exited", "sandbox_id", sb.ID, "state", state, "exit_code", code)
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(overlay))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range overlay {
		merged[key] = value
	}
	return merged
}
