package sandbox

import (
	"io"
	"sync"
	"time"

	"github.com/plyght/hops/internal/policy"
	"github.com/plyght/hops/internal/runtime"
)

type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// OutputChunk is one read from a sandbox's stdout or stderr. Chunks of
// the same stream are delivered in generation order.
type OutputChunk struct {
	Stream Stream
	Data   []byte
}

// Summary is the queryable metadata of a sandbox. It outlives the
// execution resources: terminal sandboxes stay listable until the
// retention window expires.
type Summary struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	Command    string    `json:"command"`
	Policy     string    `json:"policy"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	ExitCode   int       `json:"exit_code"`
}

// Sandbox is one running (or recently finished) isolated command
// execution. The owning Policy is shared and read-only.
type Sandbox struct {
	ID        string
	Policy    *policy.Policy
	Command   string
	State     State
	CreatedAt time.Time

	FinishedAt time.Time
	ExitCode   int

	instance runtime.Instance
	stdin    io.WriteCloser
	output   chan OutputChunk
	pumps    sync.WaitGroup

	// stopRequested records that Stop was called, even if the request
	// landed while the sandbox was still Starting. The exit watcher uses
	// it to classify a signaled exit as a requested stop rather than a
	// runtime fault.
	stopRequested bool

	// done is closed once the exit watcher has recorded the terminal
	// state and reclaimed execution resources.
	done chan struct{}
}

func (sb *Sandbox) summary() Summary {
	return Summary{
		ID:         sb.ID,
		State:      sb.State,
		Command:    sb.Command,
		Policy:     sb.Policy.Name,
		CreatedAt:  sb.CreatedAt,
		FinishedAt: sb.FinishedAt,
		ExitCode:   sb.ExitCode,
	}
}
