package errors

import (
	"errors"
)

// Sentinel errors for different failure categories
var (
	// ErrInvalidPolicy - policy rejected before any resource allocation (parse or validation failure)
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrRuntimeUnavailable - the VMM backend is missing or refused to boot
	ErrRuntimeUnavailable = errors.New("runtime unavailable")

	// ErrRootfsMissing - the root filesystem image for the sandbox does not exist
	ErrRootfsMissing = errors.New("rootfs missing")

	// ErrResourceExceeded - a requested resource exceeds the daemon's ceiling
	ErrResourceExceeded = errors.New("resource limit exceeded")

	// ErrNotFound - unknown sandbox id
	ErrNotFound = errors.New("not found")

	// ErrSandboxNotRunning - the sandbox has not reached (or has left) the running state
	ErrSandboxNotRunning = errors.New("sandbox not running")

	// ErrConflict - the sandbox already has an attached run session
	ErrConflict = errors.New("session conflict")

	// ErrStreamClosed - transport-level disconnect mid-session
	ErrStreamClosed = errors.New("stream closed")

	// ErrInternal - internal daemon error (generic message, details go to the log)
	ErrInternal = errors.New("internal error")
)
