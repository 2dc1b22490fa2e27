package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hopserrors "github.com/plyght/hops/internal/errors"
	"github.com/plyght/hops/internal/policy"
	"github.com/plyght/hops/internal/runtime"
	"github.com/plyght/hops/internal/runtime/runtimetest"
)

func testPolicy() *policy.Policy {
	return &policy.Policy{
		Name:    "test",
		Version: "1.0.0",
		Sandbox: policy.SandboxConfig{RootPath: "/", Environment: map[string]string{}},
	}
}

func newTestManager(rt runtime.Runtime) *Manager {
	return NewManager(rt, Options{
		BootTimeout:     time.Second,
		StopGracePeriod: 500 * time.Millisecond,
		StdinRetryDelay: 5 * time.Millisecond,
	})
}

// drainOutput collects the full per-stream output of a sandbox.
func drainOutput(t *testing.T, m *Manager, id string) map[Stream]*bytes.Buffer {
	t.Helper()
	out, err := m.Output(id)
	require.NoError(t, err)

	collected := map[Stream]*bytes.Buffer{
		StreamStdout: {},
		StreamStderr: {},
	}
	for chunk := range out {
		collected[chunk.Stream].Write(chunk.Data)
	}
	return collected
}

func waitForState(t *testing.T, m *Manager, id string, want State) Summary {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		summary, err := m.Status(id)
		require.NoError(t, err)
		if summary.State == want {
			return summary
		}
		time.Sleep(5 * time.Millisecond)
	}
	summary, _ := m.Status(id)
	t.Fatalf("sandbox %s never reached %s, currently %s", id, want, summary.State)
	return Summary{}
}

func TestManager_RunToCompletion(t *testing.T) {
	rt := runtimetest.New()
	m := newTestManager(rt)

	id, err := m.Start(context.Background(), testPolicy(), StartSpec{Command: "echo", Args: []string{"hello", "world"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	output := drainOutput(t, m, id)
	assert.Equal(t, "hello world\n", output[StreamStdout].String())

	summary := waitForState(t, m, id, StateStopped)
	assert.Equal(t, 0, summary.ExitCode)
	assert.False(t, summary.FinishedAt.IsZero())

	// Execution resources are reclaimed on exit, but metadata stays
	// queryable.
	require.Len(t, rt.Instances(), 1)
	assert.True(t, rt.Instances()[0].Closed())
	_, err = m.Status(id)
	assert.NoError(t, err)
}

func TestManager_StartThenImmediateStop(t *testing.T) {
	rt := runtimetest.New()
	rt.SetProgram(runtimetest.BlockProgram)
	m := newTestManager(rt)

	id, err := m.Start(context.Background(), testPolicy(), StartSpec{Command: "sleep"})
	require.NoError(t, err)

	// Stop without ever consuming output.
	require.NoError(t, m.Stop(context.Background(), id))

	summary := waitForState(t, m, id, StateStopped)
	assert.True(t, summary.State.Terminal())

	// A second stop is an idempotent acknowledgement.
	assert.NoError(t, m.Stop(context.Background(), id))
}

func TestManager_StopDuringStartup(t *testing.T) {
	rt := runtimetest.New()
	rt.SetProgram(runtimetest.BlockProgram)
	gate := make(chan struct{})
	rt.SetExecGate(gate)
	m := NewManager(rt, Options{
		BootTimeout:     time.Second,
		StopGracePeriod: 20 * time.Millisecond,
		StdinRetryDelay: 5 * time.Millisecond,
	})

	startErr := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background(), testPolicy(), StartSpec{Command: "sleep"})
		startErr <- err
	}()

	// The sandbox is registered and listable before its command has
	// launched.
	var id string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && id == "" {
		if listed := m.List(false); len(listed) == 1 {
			id = listed[0].ID
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	require.NotEmpty(t, id, "sandbox never appeared during startup")

	stopErr := make(chan error, 1)
	go func() { stopErr <- m.Stop(context.Background(), id) }()
	waitForState(t, m, id, StateStopping)

	// Let the command launch now that the stop is in flight. The stop
	// request must survive the launch and the exit must land in
	// Stopped, not Failed.
	close(gate)
	require.NoError(t, <-startErr)
	require.NoError(t, <-stopErr)

	summary := waitForState(t, m, id, StateStopped)
	assert.Equal(t, StateStopped, summary.State)
	assert.False(t, summary.FinishedAt.IsZero())
}

func TestManager_StopUnknownSandbox(t *testing.T) {
	m := newTestManager(runtimetest.New())
	err := m.Stop(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, hopserrors.ErrNotFound)
}

func TestManager_ConcurrentSandboxesAreIsolated(t *testing.T) {
	rt := runtimetest.New()
	rt.SetProgram(runtimetest.CatProgram)
	m := newTestManager(rt)

	pol := testPolicy()
	idA, err := m.Start(context.Background(), pol, StartSpec{Command: "cat"})
	require.NoError(t, err)
	idB, err := m.Start(context.Background(), pol, StartSpec{Command: "cat"})
	require.NoError(t, err)
	require.NotEqual(t, idA, idB)

	stdinA, err := m.StdinWriter(idA)
	require.NoError(t, err)
	stdinB, err := m.StdinWriter(idB)
	require.NoError(t, err)

	_, err = stdinA.Write([]byte("alpha input"))
	require.NoError(t, err)
	_, err = stdinB.Write([]byte("beta input"))
	require.NoError(t, err)
	require.NoError(t, stdinA.Close())
	require.NoError(t, stdinB.Close())

	outputA := drainOutput(t, m, idA)
	outputB := drainOutput(t, m, idB)

	assert.Equal(t, "alpha input", outputA[StreamStdout].String())
	assert.Equal(t, "beta input", outputB[StreamStdout].String())
	assert.NotContains(t, outputA[StreamStdout].String(), "beta")
	assert.NotContains(t, outputB[StreamStdout].String(), "alpha")
}

func TestManager_ByteCounting(t *testing.T) {
	for _, n := range []int{0, 10240} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			rt := runtimetest.New()
			rt.SetProgram(runtimetest.ByteCountProgram)
			m := newTestManager(rt)

			id, err := m.Start(context.Background(), testPolicy(), StartSpec{Command: "wc"})
			require.NoError(t, err)

			stdin, err := m.StdinWriter(id)
			require.NoError(t, err)
			if n > 0 {
				_, err = stdin.Write(bytes.Repeat([]byte("x"), n))
				require.NoError(t, err)
			}
			require.NoError(t, stdin.Close())

			output := drainOutput(t, m, id)
			assert.Equal(t, fmt.Sprintf("%d\n", n), output[StreamStdout].String())
		})
	}
}

func TestManager_StdinWriterBoundedRetry(t *testing.T) {
	rt := runtimetest.New()
	rt.SetProgram(runtimetest.ExitProgram(0))
	m := newTestManager(rt)

	id, err := m.Start(context.Background(), testPolicy(), StartSpec{Command: "true"})
	require.NoError(t, err)
	waitForState(t, m, id, StateStopped)

	start := time.Now()
	_, err = m.StdinWriter(id)
	assert.ErrorIs(t, err, hopserrors.ErrSandboxNotRunning)
	assert.Less(t, time.Since(start), time.Second, "terminal state must fail fast, not exhaust retries")

	_, err = m.StdinWriter("no-such-id")
	assert.ErrorIs(t, err, hopserrors.ErrNotFound)
}

func TestManager_BootFailure(t *testing.T) {
	rt := runtimetest.New()
	rt.SetBootError(fmt.Errorf("no vmm here: %w", hopserrors.ErrRuntimeUnavailable))
	m := newTestManager(rt)

	_, err := m.Start(context.Background(), testPolicy(), StartSpec{Command: "echo"})
	require.Error(t, err)
	assert.ErrorIs(t, err, hopserrors.ErrRuntimeUnavailable)
	assert.Empty(t, m.List(true), "failed boot must not register a sandbox")
}

func TestManager_ListOrderingAndFiltering(t *testing.T) {
	rt := runtimetest.New()
	rt.SetProgram(runtimetest.CatProgram)
	m := newTestManager(rt)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.Start(context.Background(), testPolicy(), StartSpec{Command: "cat"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	listed := m.List(false)
	require.Len(t, listed, 3)
	for i, summary := range listed {
		assert.Equal(t, ids[i], summary.ID, "list must be ordered by creation")
	}

	// Finish the middle sandbox; it drops out of the active list but
	// stays visible with includeStopped.
	stdin, err := m.StdinWriter(ids[1])
	require.NoError(t, err)
	require.NoError(t, stdin.Close())
	drainOutput(t, m, ids[1])
	waitForState(t, m, ids[1], StateStopped)

	assert.Len(t, m.List(false), 2)
	assert.Len(t, m.List(true), 3)

	for _, id := range []string{ids[0], ids[2]} {
		require.NoError(t, m.Stop(context.Background(), id))
	}
}

func TestManager_SweepHonorsRetention(t *testing.T) {
	rt := runtimetest.New()
	rt.SetProgram(runtimetest.ExitProgram(0))
	m := NewManager(rt, Options{
		Retention:       20 * time.Millisecond,
		StdinRetryDelay: 5 * time.Millisecond,
	})

	id, err := m.Start(context.Background(), testPolicy(), StartSpec{Command: "true"})
	require.NoError(t, err)
	waitForState(t, m, id, StateStopped)

	// Inside the retention window the summary survives a sweep.
	assert.Equal(t, 0, m.Sweep(time.Now()))
	_, err = m.Status(id)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, m.Sweep(time.Now()))
	_, err = m.Status(id)
	assert.ErrorIs(t, err, hopserrors.ErrNotFound)
}

func TestManager_FailedExitState(t *testing.T) {
	rt := runtimetest.New()
	rt.SetProgram(runtimetest.ExitProgram(3))
	m := newTestManager(rt)

	id, err := m.Start(context.Background(), testPolicy(), StartSpec{Command: "false"})
	require.NoError(t, err)

	summary := waitForState(t, m, id, StateStopped)
	assert.Equal(t, 3, summary.ExitCode)
	assert.Equal(t, id, summary.ID)
}

func TestManager_StopAll(t *testing.T) {
	rt := runtimetest.New()
	rt.SetProgram(runtimetest.BlockProgram)
	m := newTestManager(rt)

	for i := 0; i < 3; i++ {
		_, err := m.Start(context.Background(), testPolicy(), StartSpec{Command: "sleep"})
		require.NoError(t, err)
	}

	m.StopAll(context.Background())
	for _, summary := range m.List(true) {
		if !summary.State.Terminal() {
			t.Fatalf("sandbox %s still %s after StopAll", summary.ID, summary.State)
		}
	}
}

func TestManager_ErrorsAreSentinelWrapped(t *testing.T) {
	m := newTestManager(runtimetest.New())
	_, err := m.Status("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, hopserrors.ErrNotFound))
}
