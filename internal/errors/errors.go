package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AgentPoolError is the base interface for all errors produced by this module.
type AgentPoolError interface {
	error
	IsAgentPoolError() bool
}

// Compile-time verification that all error types implement AgentPoolError.
var (
	_ AgentPoolError = (*SpawnError)(nil)
	_ AgentPoolError = (*ProgramNotFoundError)(nil)
	_ AgentPoolError = (*CapacityError)(nil)
	_ AgentPoolError = (*SessionNotFoundError)(nil)
	_ AgentPoolError = (*SessionNotActiveError)(nil)
	_ AgentPoolError = (*TimeoutError)(nil)
	_ AgentPoolError = (*FrameDecodeError)(nil)
	_ AgentPoolError = (*TransportError)(nil)
	_ AgentPoolError = (*ProcessError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrTransportClosed indicates the transport has been closed and cannot
	// accept further writes.
	ErrTransportClosed = errors.New("transport closed")

	// ErrWriteQueueFull indicates the transport's pending-write queue is at
	// capacity.
	ErrWriteQueueFull = errors.New("write queue full")

	// ErrManagerClosed indicates the manager has been shut down.
	ErrManagerClosed = errors.New("manager closed")

	// ErrFrameTooLarge indicates a frame exceeded the decoder's size limit.
	// The decoder discards the frame and resynchronizes at the next boundary.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// SpawnError indicates a session subprocess could not be launched: the
// executable is missing, permission was denied, or argument/environment
// validation rejected the request before any process was created.
type SpawnError struct {
	Program string
	Reason  string
	Err     error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn %q failed: %s: %v", e.Program, e.Reason, e.Err)
	}

	return fmt.Sprintf("spawn %q failed: %s", e.Program, e.Reason)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsAgentPoolError implements AgentPoolError.
func (e *SpawnError) IsAgentPoolError() bool { return true }

// ProgramNotFoundError indicates the agent program could not be located in
// any of the searched paths.
type ProgramNotFoundError struct {
	Program       string
	SearchedPaths []string
}

func (e *ProgramNotFoundError) Error() string {
	if len(e.SearchedPaths) > 0 {
		return fmt.Sprintf("agent program %q not found (searched: %s)",
			e.Program, strings.Join(e.SearchedPaths, ", "))
	}

	return fmt.Sprintf("agent program %q not found", e.Program)
}

// IsAgentPoolError implements AgentPoolError.
func (e *ProgramNotFoundError) IsAgentPoolError() bool { return true }

// CapacityError indicates the global concurrent-session ceiling was reached.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session capacity reached: limit %d", e.Limit)
}

// IsAgentPoolError implements AgentPoolError.
func (e *CapacityError) IsAgentPoolError() bool { return true }

// SessionNotFoundError indicates no session exists with the given id.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// IsAgentPoolError implements AgentPoolError.
func (e *SessionNotFoundError) IsAgentPoolError() bool { return true }

// SessionNotActiveError indicates an operation that requires an active session
// was attempted against a session in a terminal state.
type SessionNotActiveError struct {
	SessionID string
	State     string
}

func (e *SessionNotActiveError) Error() string {
	return fmt.Sprintf("session %s not active (state %s)", e.SessionID, e.State)
}

// IsAgentPoolError implements AgentPoolError.
func (e *SessionNotActiveError) IsAgentPoolError() bool { return true }

// TimeoutError indicates an I/O operation exceeded its configured bound.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// IsAgentPoolError implements AgentPoolError.
func (e *TimeoutError) IsAgentPoolError() bool { return true }

// FrameDecodeError indicates a single frame could not be decoded. It is fatal
// to that frame only; the decoder resynchronizes at the next frame boundary.
// The raw bytes that failed to parse are preserved for logging.
type FrameDecodeError struct {
	RawData string
	Err     error
}

func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("failed to decode frame: %v", e.Err)
}

func (e *FrameDecodeError) Unwrap() error {
	return e.Err
}

// IsAgentPoolError implements AgentPoolError.
func (e *FrameDecodeError) IsAgentPoolError() bool { return true }

// TransportError indicates a stream read or write failure. It is fatal to the
// owning session, which transitions to Failed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsAgentPoolError implements AgentPoolError.
func (e *TransportError) IsAgentPoolError() bool { return true }

// ProcessError indicates the subprocess exited with a failure status.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent process failed (exit %d): %v", e.ExitCode, e.Err)
	}

	return fmt.Sprintf("agent process failed (exit %d): %s", e.ExitCode, e.Stderr)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsAgentPoolError implements AgentPoolError.
func (e *ProcessError) IsAgentPoolError() bool { return true }
