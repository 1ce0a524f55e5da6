package agentpool

import (
	"context"
	"fmt"
	"time"

	"github.com/wagiedev/agentpool-go/internal/registry"
)

// SpawnRequest describes one session to create.
type SpawnRequest struct {
	// Task is the initial prompt sent after the handshake. Optional.
	Task string

	// SystemPrompt overrides the agent's system prompt. Optional.
	SystemPrompt string

	// MaxTurns caps agent turns for this session. Zero selects the pool
	// default.
	MaxTurns int

	// AllowedTools and DisallowedTools scope the agent's tool access.
	AllowedTools    []string
	DisallowedTools []string

	// PermissionMode selects the agent's permission behavior.
	PermissionMode string

	// ExtraArgs are additional program arguments, validated against the
	// flag allowlist before any process is created.
	ExtraArgs []string

	// Env holds environment variable overrides for this session.
	// Loader and interpreter injection variables are rejected.
	Env map[string]string

	// WorkingDir overrides the pool's working directory.
	WorkingDir string
}

// SessionInfo is a point-in-time snapshot of one session.
type SessionInfo struct {
	// ID identifies the session in all pool operations.
	ID string

	// Program is the subprocess executable.
	Program string

	// Task is the initial prompt, if any.
	Task string

	// State is the lifecycle state at snapshot time.
	State SessionState

	// Working reports an active session with very recent output.
	Working bool

	// Pid is the subprocess process ID.
	Pid int

	CreatedAt    time.Time
	LastActivity time.Time

	// EndedAt is when the session reached a terminal state, or zero.
	EndedAt time.Time

	// PromptCount is how many prompts were sent on this session.
	PromptCount int64

	// Buffered is how many output messages the ring currently retains.
	Buffered int

	// NextSeq is the sequence number the next output message will get.
	NextSeq uint64

	// ExitCode and Error describe a failed session.
	ExitCode int
	Error    string
}

// OutputPage is one read of a session's output ring.
type OutputPage struct {
	// Messages are the buffered entries in sequence order.
	Messages []BufferedMessage

	// Truncated reports that output older than the requested start was
	// already evicted from the ring.
	Truncated bool

	// NextSeq is the sequence number to pass as start on the next read.
	NextSeq uint64
}

// Pool manages agent subprocess sessions up to a configured capacity.
// All methods are safe for concurrent use.
type Pool struct {
	reg *registry.Registry
}

// New creates a Pool. WithProgram is required.
func New(opts ...Option) (*Pool, error) {
	options := applyOptions(opts)

	if options.Program == "" {
		return nil, fmt.Errorf("agentpool: WithProgram is required")
	}

	logger := options.Logger
	if logger == nil {
		logger = NopLogger()
	}

	reg := registry.New(logger, registry.Config{
		Program:           options.Program,
		BaseArgs:          options.ProgramArgs,
		MaxSessions:       options.MaxSessions,
		Retention:         options.Retention,
		BufferCapacity:    options.BufferCapacity,
		BufferMaxBytes:    options.BufferMaxBytes,
		IOTimeout:         options.IOTimeout,
		GraceWindow:       options.GraceWindow,
		WorkingDir:        options.WorkingDir,
		EnvAllowlist:      options.EnvAllowlist,
		ExtraAllowedFlags: options.ExtraAllowedFlags,
		DefaultMaxTurns:   options.DefaultMaxTurns,
		Permission:        options.Permission,
	})

	return &Pool{reg: reg}, nil
}

// Spawn creates one session and returns its ID. It fails with
// CapacityError before any subprocess is created when the pool is full,
// and with SpawnError when argument or environment validation rejects the
// request.
func (p *Pool) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	s, err := p.reg.Spawn(ctx, toRegistryRequest(req))
	if err != nil {
		return "", err
	}

	return s.ID(), nil
}

// SpawnBatch creates count sessions concurrently with the same request and
// returns the IDs of those that started. When some spawns fail, the
// successful IDs are returned alongside the first error.
func (p *Pool) SpawnBatch(ctx context.Context, req SpawnRequest, count int) ([]string, error) {
	sessions, err := p.reg.SpawnBatch(ctx, toRegistryRequest(req), count)

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID())
	}

	return ids, err
}

// SendPrompt delivers one prompt to an active session. Prompting a session
// in a terminal state fails with SessionNotActiveError.
func (p *Pool) SendPrompt(ctx context.Context, id, text string) error {
	return p.reg.SendPrompt(ctx, id, text)
}

// Interrupt asks a session's subprocess to stop its current work without
// ending the session.
func (p *Pool) Interrupt(ctx context.Context, id string) error {
	return p.reg.Interrupt(ctx, id)
}

// Output reads up to max buffered messages starting at sequence start.
// Reads are non-destructive and work in every session state, including
// ended sessions still inside the retention window. A max of zero or less
// reads everything buffered.
func (p *Pool) Output(id string, start uint64, max int) (OutputPage, error) {
	msgs, truncated, next, err := p.reg.Output(id, start, max)
	if err != nil {
		return OutputPage{}, err
	}

	return OutputPage{Messages: msgs, Truncated: truncated, NextSeq: next}, nil
}

// Describe returns the snapshot for one session.
func (p *Pool) Describe(id string) (SessionInfo, error) {
	info, err := p.reg.Describe(id)
	if err != nil {
		return SessionInfo{}, err
	}

	return toSessionInfo(info), nil
}

// List returns a snapshot of every known session, including ended sessions
// still inside the retention window.
func (p *Pool) List() []SessionInfo {
	infos := p.reg.List()

	out := make([]SessionInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, toSessionInfo(info))
	}

	return out
}

// Terminate ends one session. Graceful termination gives the subprocess a
// bounded window to exit after an interrupt before it is killed.
// Terminating an already-ended session succeeds without effect.
func (p *Pool) Terminate(ctx context.Context, id string, graceful bool) error {
	return p.reg.Terminate(ctx, id, graceful)
}

// Close terminates every live session and stops the pool. The pool accepts
// no new work afterwards; Close is idempotent.
func (p *Pool) Close(ctx context.Context) error {
	return p.reg.Close(ctx)
}

func toRegistryRequest(req SpawnRequest) registry.SpawnRequest {
	return registry.SpawnRequest{
		Task:            req.Task,
		SystemPrompt:    req.SystemPrompt,
		MaxTurns:        req.MaxTurns,
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		PermissionMode:  req.PermissionMode,
		ExtraArgs:       req.ExtraArgs,
		Env:             req.Env,
		WorkingDir:      req.WorkingDir,
	}
}

func toSessionInfo(info registry.Info) SessionInfo {
	return SessionInfo{
		ID:           info.ID,
		Program:      info.Program,
		Task:         info.Task,
		State:        info.State,
		Working:      info.Working,
		Pid:          info.Pid,
		CreatedAt:    info.CreatedAt,
		LastActivity: info.LastActivity,
		EndedAt:      info.EndedAt,
		PromptCount:  info.PromptCount,
		Buffered:     info.Buffered,
		NextSeq:      info.NextSeq,
		ExitCode:     info.ExitCode,
		Error:        info.Error,
	}
}
