package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	hopserrors "github.com/plyght/hops/internal/errors"
	"github.com/plyght/hops/internal/sandbox"
)

const (
	// interactiveChunkSize keeps keystroke latency low: whatever is
	// available is forwarded immediately, up to this many bytes.
	interactiveChunkSize = 64

	// bufferedChunkSize amortizes framing overhead for piped input.
	bufferedChunkSize = 4096
)

// Client talks to the daemon over its unix socket. Each call opens a
// fresh connection; run sessions hold theirs for the sandbox lifetime.
type Client struct {
	socketPath string
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) dial() (*net.UnixConn, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.socketPath, err)
	}
	return conn.(*net.UnixConn), nil
}

// RunOptions describes one run session from the client side. Exactly
// one of PolicyName and PolicyTOML must be set.
type RunOptions struct {
	PolicyName string
	PolicyTOML []byte

	Command string
	Args    []string
	Workdir string
	Env     map[string]string

	// Interactive selects small immediate input chunks over large
	// buffered ones.
	Interactive bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run starts a sandbox and bridges the caller's streams until the
// sandbox exits. It returns the sandbox's exit code.
func (c *Client) Run(opts RunOptions) (int, error) {
	conn, err := c.dial()
	if err != nil {
		return -1, err
	}
	defer conn.Close()

	payload, err := json.Marshal(RunRequest{
		Policy:      opts.PolicyName,
		PolicyTOML:  opts.PolicyTOML,
		Command:     opts.Command,
		Args:        opts.Args,
		Workdir:     opts.Workdir,
		Env:         opts.Env,
		Interactive: opts.Interactive,
	})
	if err != nil {
		return -1, fmt.Errorf("encode run request: %w", err)
	}
	if err := WriteMessage(conn, Message{Type: MessageTypeRun, Payload: payload}); err != nil {
		return -1, fmt.Errorf("send run request: %w", err)
	}

	if opts.Stdin != nil {
		go c.pumpStdin(conn, opts.Stdin, opts.Interactive)
	} else {
		_ = WriteMessage(conn, Message{Type: MessageTypeInputEOF})
	}

	for {
		message, err := ReadMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return -1, fmt.Errorf("session ended without exit status: %w", hopserrors.ErrStreamClosed)
			}
			return -1, fmt.Errorf("read session frame: %w", err)
		}
		switch message.Type {
		case MessageTypeStdout:
			if opts.Stdout != nil {
				if _, err := opts.Stdout.Write(message.Payload); err != nil {
					return -1, fmt.Errorf("write stdout: %w", err)
				}
			}
		case MessageTypeStderr:
			if opts.Stderr != nil {
				if _, err := opts.Stderr.Write(message.Payload); err != nil {
					return -1, fmt.Errorf("write stderr: %w", err)
				}
			}
		case MessageTypeExit:
			var status ExitStatus
			if err := json.Unmarshal(message.Payload, &status); err != nil {
				return -1, fmt.Errorf("decode exit status: %w", err)
			}
			return status.Code, nil
		case MessageTypeError:
			return -1, decodeError(message.Payload)
		default:
			return -1, fmt.Errorf("unexpected message type 0x%02x in run session", message.Type)
		}
	}
}

// pumpStdin forwards local input as Input frames. Interactive mode
// sends whatever a single read returned; buffered mode fills each
// chunk before sending. EOF is reported with an InputEOF frame so the
// connection stays open for the rest of the session.
func (c *Client) pumpStdin(conn *net.UnixConn, stdin io.Reader, interactive bool) {
	size := bufferedChunkSize
	if interactive {
		size = interactiveChunkSize
	}
	buf := make([]byte, size)
	for {
		var n int
		var err error
		if interactive {
			n, err = stdin.Read(buf)
		} else {
			n, err = io.ReadFull(stdin, buf)
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
		}
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := WriteMessage(conn, Message{Type: MessageTypeInput, Payload: chunk}); werr != nil {
				return
			}
		}
		if err != nil {
			_ = WriteMessage(conn, Message{Type: MessageTypeInputEOF})
			return
		}
	}
}

// Stop asks the daemon to terminate a sandbox.
func (c *Client) Stop(id string) error {
	var resp StopResponse
	if err := c.call(MessageTypeStop, StopRequest{ID: id}, MessageTypeStopAck, &resp); err != nil {
		return err
	}
	return nil
}

// List returns sandbox summaries, optionally including terminal ones.
func (c *Client) List(includeStopped bool) ([]sandbox.Summary, error) {
	var resp ListResponse
	if err := c.call(MessageTypeList, ListRequest{IncludeStopped: includeStopped}, MessageTypeListResult, &resp); err != nil {
		return nil, err
	}
	return resp.Sandboxes, nil
}

// Status returns the summary of one sandbox.
func (c *Client) Status(id string) (sandbox.Summary, error) {
	var resp sandbox.Summary
	if err := c.call(MessageTypeStatus, StatusRequest{ID: id}, MessageTypeStatusResult, &resp); err != nil {
		return sandbox.Summary{}, err
	}
	return resp, nil
}

// call performs a single request/response exchange.
func (c *Client) call(requestType byte, request interface{}, responseType byte, response interface{}) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := WriteMessage(conn, Message{Type: requestType, Payload: payload}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	message, err := ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	switch message.Type {
	case responseType:
		return json.Unmarshal(message.Payload, response)
	case MessageTypeError:
		return decodeError(message.Payload)
	default:
		return fmt.Errorf("unexpected message type 0x%02x", message.Type)
	}
}

// decodeError rehydrates a wire error into the matching sentinel so
// callers can use errors.Is across the socket boundary.
func decodeError(payload []byte) error {
	var wire ErrorMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return fmt.Errorf("decode error frame: %w", err)
	}
	var sentinel error
	switch wire.Code {
	case ErrorCodeNotFound:
		sentinel = hopserrors.ErrNotFound
	case ErrorCodeInvalidPolicy:
		sentinel = hopserrors.ErrInvalidPolicy
	case ErrorCodeRuntimeUnavailable:
		sentinel = hopserrors.ErrRuntimeUnavailable
	case ErrorCodeRootfsMissing:
		sentinel = hopserrors.ErrRootfsMissing
	case ErrorCodeResourceExceeded:
		sentinel = hopserrors.ErrResourceExceeded
	case ErrorCodeConflict:
		sentinel = hopserrors.ErrConflict
	default:
		sentinel = hopserrors.ErrInternal
	}
	return fmt.Errorf("%s: %w", wire.Message, sentinel)
}
