package service

import (
	"github.com/plyght/hops/internal/sandbox"
)

// RunRequest is the descriptor opening a run session. Exactly one of
// Policy (a stored profile name) or PolicyTOML (an inline profile) must
// be set.
type RunRequest struct {
	Policy     string `json:"policy,omitempty"`
	PolicyTOML []byte `json:"policy_toml,omitempty"`

	// Command may be a bare program or a full command line; when Args
	// is empty the daemon word-splits it.
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Workdir string            `json:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Interactive records how the calling edge chunks stdin. The
	// daemon forwards whatever chunk boundaries arrive either way.
	Interactive bool `json:"interactive,omitempty"`
}

// ExitStatus is the payload of the terminal Exit frame.
type ExitStatus struct {
	Code int `json:"code"`
}

type StopRequest struct {
	ID string `json:"id"`
}

type StopResponse struct {
	Stopped bool `json:"stopped"`
}

type ListRequest struct {
	IncludeStopped bool `json:"include_stopped"`
}

type ListResponse struct {
	Sandboxes []sandbox.Summary `json:"sandboxes"`
}

type StatusRequest struct {
	ID string `json:"id"`
}

// ErrorMessage reports a failed exchange. Code mirrors the sentinel
// error taxonomy so clients can match without string inspection.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrorCodeInvalidPolicy      = "invalid_policy"
	ErrorCodeNotFound           = "not_found"
	ErrorCodeRuntimeUnavailable = "runtime_unavailable"
	ErrorCodeRootfsMissing      = "rootfs_missing"
	ErrorCodeResourceExceeded   = "resource_exceeded"
	ErrorCodeConflict           = "conflict"
	ErrorCodeInternal           = "internal"
)
