package agentpool

import (
	"log/slog"
	"time"

	"github.com/wagiedev/agentpool-go/internal/policy"
)

// PermissionCallback decides inbound tool permission requests. A nil
// callback allows every request.
type PermissionCallback = policy.PermissionCallback

// PermissionDecision is the outcome of a permission callback: either
// PermissionAllow or PermissionDeny.
type PermissionDecision = policy.Decision

// PermissionAllow approves a tool invocation, optionally rewriting its
// input.
type PermissionAllow = policy.Allow

// PermissionDeny rejects a tool invocation with a message, optionally
// interrupting the agent's current work.
type PermissionDeny = policy.Deny

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Logger receives structured debug output. Nil disables logging.
	Logger *slog.Logger

	// Program is the agent executable spawned for every session.
	// Required.
	Program string

	// ProgramArgs are prepended to every session's argument list.
	ProgramArgs []string

	// MaxSessions bounds concurrently live sessions. Zero selects the
	// default of 10.
	MaxSessions int

	// Retention is how long ended sessions stay listable before cleanup.
	// Zero selects the default of one minute.
	Retention time.Duration

	// IOTimeout bounds each write to a subprocess. Zero selects the
	// default of 30 seconds.
	IOTimeout time.Duration

	// GraceWindow is how long graceful termination waits before killing.
	// Zero selects the default of 5 seconds.
	GraceWindow time.Duration

	// BufferCapacity is the per-session output ring size in messages.
	// Zero selects the default of 1000.
	BufferCapacity int

	// BufferMaxBytes is the per-session output ring byte ceiling. Zero
	// selects the default of 1 MiB.
	BufferMaxBytes int64

	// WorkingDir is the default subprocess working directory.
	WorkingDir string

	// EnvAllowlist restricts which inherited environment variables reach
	// subprocesses. Nil inherits everything not on the deny list.
	EnvAllowlist []string

	// ExtraAllowedFlags extends the per-spawn argument allowlist.
	ExtraAllowedFlags []string

	// DefaultMaxTurns applies when a spawn request carries no turn
	// limit. Zero selects the default of 50.
	DefaultMaxTurns int

	// Permission decides tool permission requests for every session.
	Permission PermissionCallback
}

// Option configures PoolOptions using the functional options pattern.
type Option func(*PoolOptions)

// applyOptions applies functional options to a PoolOptions struct.
func applyOptions(opts []Option) *PoolOptions {
	options := &PoolOptions{}
	for _, opt := range opts {
		opt(options)
	}

	return options
}

// WithLogger sets the logger for debug output.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *PoolOptions) {
		o.Logger = logger
	}
}

// WithProgram sets the agent executable spawned for every session.
func WithProgram(program string) Option {
	return func(o *PoolOptions) {
		o.Program = program
	}
}

// WithProgramArgs sets arguments prepended to every session's argument
// list.
func WithProgramArgs(args ...string) Option {
	return func(o *PoolOptions) {
		o.ProgramArgs = args
	}
}

// WithMaxSessions bounds how many sessions may be live at once.
func WithMaxSessions(n int) Option {
	return func(o *PoolOptions) {
		o.MaxSessions = n
	}
}

// WithRetention sets how long ended sessions stay listable.
func WithRetention(d time.Duration) Option {
	return func(o *PoolOptions) {
		o.Retention = d
	}
}

// WithIOTimeout bounds each write to a subprocess stream.
func WithIOTimeout(d time.Duration) Option {
	return func(o *PoolOptions) {
		o.IOTimeout = d
	}
}

// WithGraceWindow sets how long graceful termination waits before
// force-killing the subprocess.
func WithGraceWindow(d time.Duration) Option {
	return func(o *PoolOptions) {
		o.GraceWindow = d
	}
}

// WithBufferCapacity sets the per-session output ring size in messages.
func WithBufferCapacity(n int) Option {
	return func(o *PoolOptions) {
		o.BufferCapacity = n
	}
}

// WithBufferMaxBytes sets the per-session output ring byte ceiling.
func WithBufferMaxBytes(n int64) Option {
	return func(o *PoolOptions) {
		o.BufferMaxBytes = n
	}
}

// WithWorkingDir sets the default subprocess working directory.
func WithWorkingDir(dir string) Option {
	return func(o *PoolOptions) {
		o.WorkingDir = dir
	}
}

// WithEnvAllowlist restricts which inherited environment variables reach
// subprocesses. Deny-listed loader and interpreter variables are rejected
// regardless of this list.
func WithEnvAllowlist(names ...string) Option {
	return func(o *PoolOptions) {
		o.EnvAllowlist = names
	}
}

// WithExtraAllowedFlags extends the allowlist that per-spawn extra
// arguments are validated against.
func WithExtraAllowedFlags(flags ...string) Option {
	return func(o *PoolOptions) {
		o.ExtraAllowedFlags = flags
	}
}

// WithDefaultMaxTurns sets the turn limit applied when a spawn request
// carries none.
func WithDefaultMaxTurns(n int) Option {
	return func(o *PoolOptions) {
		o.DefaultMaxTurns = n
	}
}

// WithPermissionCallback sets the callback deciding tool permission
// requests for every session.
func WithPermissionCallback(cb PermissionCallback) Option {
	return func(o *PoolOptions) {
		o.Permission = cb
	}
}
