package agentpool

import (
	"github.com/wagiedev/agentpool-go/internal/errors"
)

// PoolError is the marker interface implemented by all errors this package
// produces. Match concrete types with errors.AsType.
type PoolError = errors.AgentPoolError

// Typed errors. See the internal definitions for field documentation.
type (
	// SpawnError reports a session that could not be created.
	SpawnError = errors.SpawnError

	// ProgramNotFoundError reports an agent executable that could not be
	// located in any searched path.
	ProgramNotFoundError = errors.ProgramNotFoundError

	// CapacityError reports a spawn rejected because the pool is full.
	CapacityError = errors.CapacityError

	// SessionNotFoundError reports an operation on an unknown session ID.
	SessionNotFoundError = errors.SessionNotFoundError

	// SessionNotActiveError reports a prompt or interrupt sent to a
	// session already in a terminal state.
	SessionNotActiveError = errors.SessionNotActiveError

	// TimeoutError reports a stream operation that exceeded its bound.
	TimeoutError = errors.TimeoutError

	// FrameDecodeError reports a malformed protocol frame.
	FrameDecodeError = errors.FrameDecodeError

	// TransportError reports a failed stream read or write.
	TransportError = errors.TransportError

	// ProcessError reports a subprocess that exited abnormally.
	ProcessError = errors.ProcessError
)

// Sentinel errors.
var (
	// ErrPoolClosed is returned by operations on a closed pool.
	ErrPoolClosed = errors.ErrManagerClosed

	// ErrTransportClosed is returned by writes to an ended subprocess.
	ErrTransportClosed = errors.ErrTransportClosed

	// ErrWriteQueueFull is returned when a session's pending-write queue
	// is at capacity.
	ErrWriteQueueFull = errors.ErrWriteQueueFull
)
