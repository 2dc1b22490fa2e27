package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/plyght/hops/internal/concurrency"
	hopserrors "github.com/plyght/hops/internal/errors"
	"github.com/plyght/hops/internal/logger"
	"github.com/plyght/hops/internal/policy"
	"github.com/plyght/hops/internal/profile"
	"github.com/plyght/hops/internal/sandbox"
)

// sessionLingerTimeout bounds how long a finished run session waits
// for the client to close its end of the connection.
const sessionLingerTimeout = 5 * time.Second

// Server is the control-channel front end. It translates wire messages
// into Manager calls and bridges the bidirectional run stream.
type Server struct {
	manager   *sandbox.Manager
	profiles  *profile.Store
	validator *policy.Validator
	locks     *concurrency.SandboxLockManager

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	conns    sync.WaitGroup
}

func NewServer(manager *sandbox.Manager, profiles *profile.Store, validator *policy.Validator) *Server {
	return &Server{
		manager:   manager,
		profiles:  profiles,
		validator: validator,
		locks:     concurrency.NewSandboxLockManager(),
	}
}

// ListenAndServe binds the unix socket and serves until Shutdown. A
// stale socket file from a previous run is removed first.
func (s *Server) ListenAndServe(socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections until the listener closes. Each connection
// is handled on its own goroutine.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("server already shut down")
	}
	s.listener = listener
	s.mu.Unlock()

	slog.Info("Control channel listening", "addr", listener.Addr().String())
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.conns.Add(1)
		concurrency.SafeGo(func() {
			defer s.conns.Done()
			s.handleConn(conn)
		}, func(interface{}) {
			conn.Close()
		})
	}
}

// Shutdown stops accepting and waits for in-flight connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown control channel: %w", ctx.Err())
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	first, err := ReadMessage(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			slog.Debug("Dropped connection before first message", "error", err)
		}
		return
	}

	switch first.Type {
	case MessageTypeRun:
		s.handleRun(conn, first.Payload)
	case MessageTypeStop:
		s.handleStop(conn, first.Payload)
	case MessageTypeList:
		s.handleList(conn, first.Payload)
	case MessageTypeStatus:
		s.handleStatus(conn, first.Payload)
	default:
		s.writeError(conn, ErrorCodeInternal, fmt.Sprintf("unexpected message type 0x%02x", first.Type))
	}
}

// handleRun drives one run session. The connection reader is a
// two-state machine: the Run descriptor was consumed by the caller
// (awaiting-descriptor state); every subsequent frame on the same
// reader is an input chunk (forwarding-chunks state). The stream is
// never consumed by two independent readers.
func (s *Server) handleRun(conn net.Conn, payload []byte) {
	ctx := context.Background()

	var req RunRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.writeError(conn, ErrorCodeInternal, fmt.Sprintf("decode run request: %v", err))
		return
	}

	pol, err := s.resolvePolicy(&req)
	if err != nil {
		s.abortRun(conn, err)
		return
	}

	command, args, err := splitCommand(req.Command, req.Args)
	if err != nil {
		s.abortRun(conn, fmt.Errorf("split command: %w: %v", hopserrors.ErrInvalidPolicy, err))
		return
	}

	id, err := s.manager.Start(ctx, pol, sandbox.StartSpec{
		Command: command,
		Args:    args,
		Env:     req.Env,
		Cwd:     req.Workdir,
	})
	if err != nil {
		s.abortRun(conn, err)
		return
	}

	if !s.locks.TryAcquire(id) {
		s.abortRun(conn, fmt.Errorf("sandbox %s already attached: %w", id, hopserrors.ErrConflict))
		return
	}
	defer s.locks.Release(id)

	ctx = logger.WithSandboxID(ctx, id)
	ctx = logger.WithSessionID(ctx, ulid.Make().String())
	session := &runSession{server: s, conn: conn, sandboxID: id}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return session.forwardInput(groupCtx) })
	group.Go(func() error { return session.drainOutput(groupCtx) })
	if err := group.Wait(); err != nil {
		slog.Debug("Run session ended with error", "sandbox_id", id, "session_id", logger.GetSessionID(ctx), "error", err)
	}
}

// runSession is the per-connection forwarding state for one sandbox.
// The stdin writer it holds is exclusively owned by this session.
type runSession struct {
	server    *Server
	conn      net.Conn
	sandboxID string

	writeMu sync.Mutex
}

// forwardInput relays Input frames to the sandbox's stdin in arrival
// order. An InputEOF frame finishes the writer; the client keeps its
// connection open afterwards, so a transport EOF at any point is a
// disconnect and terminates the sandbox if it is still alive.
func (rs *runSession) forwardInput(ctx context.Context) error {
	var stdin io.WriteCloser
	writer, err := rs.server.manager.StdinWriter(rs.sandboxID)
	switch {
	case err == nil:
		stdin = writer
	case errors.Is(err, hopserrors.ErrSandboxNotRunning):
		// The sandbox exited before any input arrived. Keep reading so
		// a disconnect is still observed.
	default:
		return fmt.Errorf("acquire stdin writer: %w", err)
	}
	closeStdin := func() {
		if stdin != nil {
			_ = stdin.Close()
			stdin = nil
		}
	}
	defer closeStdin()

	for {
		message, err := ReadMessage(rs.conn)
		if err != nil {
			closeStdin()
			summary, statusErr := rs.server.manager.Status(rs.sandboxID)
			if statusErr == nil && !summary.State.Terminal() {
				slog.Debug("Client disconnected mid-session", "sandbox_id", logger.GetSandboxID(ctx), "error", err)
				_ = rs.server.manager.Stop(ctx, rs.sandboxID)
			}
			return nil
		}

		switch message.Type {
		case MessageTypeInput:
			if len(message.Payload) == 0 || stdin == nil {
				continue
			}
			if _, err := stdin.Write(message.Payload); err != nil {
				// Sandbox exited while input was in flight; swallow
				// the remainder of the stream.
				stdin = nil
			}
		case MessageTypeInputEOF:
			closeStdin()
		case MessageTypeStop:
			closeStdin()
			_ = rs.server.manager.Stop(ctx, rs.sandboxID)
		default:
			return fmt.Errorf("unexpected message type 0x%02x in run session", message.Type)
		}
	}
}

// drainOutput emits the sandbox's output chunks followed by a terminal
// Exit frame, then half-closes the write side. A client that stopped
// reading does not stall the sandbox: chunks keep draining and are
// discarded once a write fails.
func (rs *runSession) drainOutput(ctx context.Context) error {
	output, err := rs.server.manager.Output(rs.sandboxID)
	if err != nil {
		return fmt.Errorf("acquire output stream: %w", err)
	}

	clientGone := false
	for chunk := range output {
		if clientGone {
			continue
		}
		frameType := MessageTypeStdout
		if chunk.Stream == sandbox.StreamStderr {
			frameType = MessageTypeStderr
		}
		if err := rs.writeFrame(Message{Type: frameType, Payload: chunk.Data}); err != nil {
			clientGone = true
			_ = rs.server.manager.Stop(ctx, rs.sandboxID)
		}
	}

	summary, err := rs.server.manager.Status(rs.sandboxID)
	if err != nil {
		return fmt.Errorf("final status: %w", err)
	}
	if !clientGone {
		payload, _ := json.Marshal(ExitStatus{Code: summary.ExitCode})
		if err := rs.writeFrame(Message{Type: MessageTypeExit, Payload: payload}); err == nil {
			if unixConn, ok := rs.conn.(*net.UnixConn); ok {
				_ = unixConn.CloseWrite()
			}
		}
	}

	// The input side is still blocked reading; the client closes its
	// end after the Exit frame, and a stalled client is cut off by the
	// deadline rather than pinning the connection goroutine.
	_ = rs.conn.SetReadDeadline(time.Now().Add(sessionLingerTimeout))
	return nil
}

func (rs *runSession) writeFrame(message Message) error {
	rs.writeMu.Lock()
	defer rs.writeMu.Unlock()
	return WriteMessage(rs.conn, message)
}

// resolvePolicy loads, parses, and validates the policy referenced by a
// run request. Parse and validation failures are rejected before any
// execution resources are allocated.
func (s *Server) resolvePolicy(req *RunRequest) (*policy.Policy, error) {
	data := req.PolicyTOML
	if len(data) == 0 {
		if req.Policy == "" {
			return nil, fmt.Errorf("run request names no policy: %w", hopserrors.ErrInvalidPolicy)
		}
		loaded, err := s.profiles.Load(req.Policy)
		if err != nil {
			return nil, err
		}
		data = loaded
	}

	pol, err := policy.Parse(data)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Validate(pol); err != nil {
		return nil, err
	}
	return pol, nil
}

func (s *Server) handleStop(conn net.Conn, payload []byte) {
	var req StopRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.writeError(conn, ErrorCodeInternal, fmt.Sprintf("decode stop request: %v", err))
		return
	}
	if err := s.manager.Stop(context.Background(), req.ID); err != nil {
		s.writeError(conn, errorCode(err), err.Error())
		return
	}
	s.writeJSON(conn, MessageTypeStopAck, StopResponse{Stopped: true})
}

func (s *Server) handleList(conn net.Conn, payload []byte) {
	var req ListRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.writeError(conn, ErrorCodeInternal, fmt.Sprintf("decode list request: %v", err))
		return
	}
	s.writeJSON(conn, MessageTypeListResult, ListResponse{Sandboxes: s.manager.List(req.IncludeStopped)})
}

func (s *Server) handleStatus(conn net.Conn, payload []byte) {
	var req StatusRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.writeError(conn, ErrorCodeInternal, fmt.Sprintf("decode status request: %v", err))
		return
	}
	summary, err := s.manager.Status(req.ID)
	if err != nil {
		s.writeError(conn, errorCode(err), err.Error())
		return
	}
	s.writeJSON(conn, MessageTypeStatusResult, summary)
}

// abortRun reports a failed start as an Error frame followed by a
// terminal Exit frame, so the client never waits on a sandbox that was
// never created.
func (s *Server) abortRun(conn net.Conn, err error) {
	slog.Warn("Run request rejected", "error", err)
	s.writeError(conn, errorCode(err), err.Error())
	payload, _ := json.Marshal(ExitStatus{Code: -1})
	_ = WriteMessage(conn, Message{Type: MessageTypeExit, Payload: payload})
}

func (s *Server) writeJSON(conn net.Conn, messageType byte, value interface{}) {
	payload, err := json.Marshal(value)
	if err != nil {
		s.writeError(conn, ErrorCodeInternal, fmt.Sprintf("encode response: %v", err))
		return
	}
	if err := WriteMessage(conn, Message{Type: messageType, Payload: payload}); err != nil {
		slog.Debug("Response write failed", "error", err)
	}
}

func (s *Server) writeError(conn net.Conn, code, message string) {
	payload, _ := json.Marshal(ErrorMessage{Code: code, Message: message})
	_ = WriteMessage(conn, Message{Type: MessageTypeError, Payload: payload})
}

// splitCommand word-splits a bare command line when no explicit args
// were provided.
func splitCommand(command string, args []string) (string, []string, error) {
	if len(args) > 0 || !strings.ContainsAny(command, " \t") {
		return command, args, nil
	}
	words, err := shlex.Split(command)
	if err != nil {
		return "", nil, err
	}
	if len(words) == 0 {
		return command, nil, nil
	}
	return words[0], words[1:], nil
}

// errorCode maps sentinel errors onto wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, hopserrors.ErrNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, hopserrors.ErrInvalidPolicy):
		return ErrorCodeInvalidPolicy
	case errors.Is(err, hopserrors.ErrRuntimeUnavailable):
		return ErrorCodeRuntimeUnavailable
	case errors.Is(err, hopserrors.ErrRootfsMissing):
		return ErrorCodeRootfsMissing
	case errors.Is(err, hopserrors.ErrResourceExceeded):
		return ErrorCodeResourceExceeded
	case errors.Is(err, hopserrors.ErrConflict):
		return ErrorCodeConflict
	default:
		return ErrorCodeInternal
	}
}
