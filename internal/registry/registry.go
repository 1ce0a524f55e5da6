// Package registry coordinates the set of live sessions: spawn with a
// capacity reservation, prompt and output routing by session ID, listing,
// idempotent termination, and retention-based cleanup of ended sessions.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/agentpool-go/internal/codec"
	"github.com/wagiedev/agentpool-go/internal/discover"
	"github.com/wagiedev/agentpool-go/internal/errors"
	"github.com/wagiedev/agentpool-go/internal/policy"
	"github.com/wagiedev/agentpool-go/internal/ring"
	"github.com/wagiedev/agentpool-go/internal/session"
	"github.com/wagiedev/agentpool-go/internal/transport"
)

const (
	// DefaultMaxSessions bounds concurrently live sessions.
	DefaultMaxSessions = 10

	// DefaultRetention is how long an ended session stays listable before
	// the janitor removes it.
	DefaultRetention = 60 * time.Second

	// DefaultCleanupInterval is the janitor tick.
	DefaultCleanupInterval = 30 * time.Second

	// DefaultBufferCapacity is the per-session output ring capacity.
	DefaultBufferCapacity = 1000

	// DefaultBufferMaxBytes is the per-session output ring byte ceiling.
	DefaultBufferMaxBytes = 1 << 20

	// DefaultMaxTurns bounds agent turns per session unless overridden.
	DefaultMaxTurns = 50

	// MaxTurnsCeiling is the hard upper bound on a requested turn limit.
	MaxTurnsCeiling = 1000
)

// Config parameterizes a Registry.
type Config struct {
	// Program is the agent executable spawned for every session.
	Program string

	// BaseArgs are prepended to every session's argument list.
	BaseArgs []string

	// MaxSessions bounds concurrently live sessions. Zero selects the
	// default.
	MaxSessions int

	// Retention is how long ended sessions stay listable. Zero selects
	// the default.
	Retention time.Duration

	// CleanupInterval is the janitor tick. Zero selects the default.
	CleanupInterval time.Duration

	// BufferCapacity and BufferMaxBytes size each session's output ring.
	BufferCapacity int
	BufferMaxBytes int64

	// IOTimeout, GraceWindow and WorkingDir pass through to each
	// session's transport.
	IOTimeout   time.Duration
	GraceWindow time.Duration
	WorkingDir  string

	// EnvAllowlist restricts which inherited environment variables reach
	// subprocesses. Nil inherits everything not denied.
	EnvAllowlist []string

	// ExtraAllowedFlags extends the per-spawn argument allowlist.
	ExtraAllowedFlags []string

	// DefaultMaxTurns applies when a spawn request carries no turn limit.
	DefaultMaxTurns int

	// Permission decides tool permission requests for every session.
	Permission policy.PermissionCallback
}

// SpawnRequest describes one session to create.
type SpawnRequest struct {
	// Task is the initial prompt. Optional.
	Task string

	// SystemPrompt overrides the agent's system prompt. Optional.
	SystemPrompt string

	// MaxTurns caps agent turns. Zero selects the registry default.
	MaxTurns int

	// AllowedTools and DisallowedTools scope the agent's tool access.
	AllowedTools    []string
	DisallowedTools []string

	// PermissionMode selects the agent's permission behavior.
	PermissionMode string

	// ExtraArgs are additional program arguments, validated against the
	// flag allowlist.
	ExtraArgs []string

	// Env holds environment overrides for this session.
	Env map[string]string

	// WorkingDir overrides the registry working directory.
	WorkingDir string
}

// Info is a point-in-time snapshot of one session.
type Info struct {
	ID           string
	Program      string
	Task         string
	State        session.State
	Working      bool
	Pid          int
	CreatedAt    time.Time
	LastActivity time.Time
	EndedAt      time.Time
	PromptCount  int64
	Buffered     int
	NextSeq      uint64
	ExitCode     int
	Error        string
}

// Registry owns all live sessions.
type Registry struct {
	log *slog.Logger
	cfg Config

	envPolicy *policy.EnvPolicy
	argPolicy *policy.ArgPolicy

	resolveOnce  sync.Once
	resolvedPath string
	resolveErr   error

	mu       sync.Mutex
	sessions map[string]*session.Session
	reserved int
	closed   bool

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New builds a Registry and starts its cleanup janitor.
func New(log *slog.Logger, cfg Config) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}

	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = DefaultBufferCapacity
	}

	if cfg.BufferMaxBytes <= 0 {
		cfg.BufferMaxBytes = DefaultBufferMaxBytes
	}

	if cfg.DefaultMaxTurns <= 0 {
		cfg.DefaultMaxTurns = DefaultMaxTurns
	}

	r := &Registry{
		log:         log.With("component", "registry"),
		cfg:         cfg,
		envPolicy:   &policy.EnvPolicy{Allowlist: cfg.EnvAllowlist},
		argPolicy:   policy.NewArgPolicy(cfg.ExtraAllowedFlags...),
		sessions:    make(map[string]*session.Session),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}

	go r.janitor()

	return r
}

// liveLocked counts sessions not yet in a terminal state. Callers hold mu.
func (r *Registry) liveLocked() int {
	n := 0

	for _, s := range r.sessions {
		if !s.State().Terminal() {
			n++
		}
	}

	return n
}

// Spawn creates one session. The capacity check and the slot reservation
// are atomic, so concurrent spawns cannot overshoot MaxSessions even while
// a subprocess is still starting.
func (r *Registry) Spawn(ctx context.Context, req SpawnRequest) (*session.Session, error) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil, errors.ErrManagerClosed
	}

	if r.liveLocked()+r.reserved >= r.cfg.MaxSessions {
		r.mu.Unlock()

		return nil, &errors.CapacityError{Limit: r.cfg.MaxSessions}
	}

	r.reserved++
	r.mu.Unlock()

	s, err := r.spawnOne(ctx, req)

	r.mu.Lock()
	r.reserved--

	if err == nil {
		if r.closed {
			r.mu.Unlock()

			_ = s.Terminate(ctx, false)

			return nil, errors.ErrManagerClosed
		}

		r.sessions[s.ID()] = s
	}
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}

	r.log.Info("Session spawned", "session_id", s.ID(), "pid", s.Pid())

	return s, nil
}

// resolveProgram locates the agent executable once and caches the result
// for every subsequent spawn.
func (r *Registry) resolveProgram() (string, error) {
	r.resolveOnce.Do(func() {
		r.resolvedPath, r.resolveErr = discover.Resolve(r.log, r.cfg.Program)
	})

	return r.resolvedPath, r.resolveErr
}

func (r *Registry) spawnOne(ctx context.Context, req SpawnRequest) (*session.Session, error) {
	program, err := r.resolveProgram()
	if err != nil {
		return nil, err
	}

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = r.cfg.DefaultMaxTurns
	}

	if maxTurns > MaxTurnsCeiling {
		return nil, &errors.SpawnError{
			Program: r.cfg.Program,
			Reason:  "argument validation",
			Err:     fmt.Errorf("max turns %d exceeds ceiling %d", maxTurns, MaxTurnsCeiling),
		}
	}

	args := append([]string{}, r.cfg.BaseArgs...)
	args = append(args, "--max-turns", strconv.Itoa(maxTurns))
	args = append(args, req.ExtraArgs...)

	cwd := req.WorkingDir
	if cwd == "" {
		cwd = r.cfg.WorkingDir
	}

	// The session outlives the spawn request; its loops must not die with
	// the request context.
	lifetime := context.WithoutCancel(ctx)

	tr, err := transport.Spawn(lifetime, r.log, transport.Config{
		Program:     program,
		Args:        args,
		Env:         req.Env,
		WorkingDir:  cwd,
		IOTimeout:   r.cfg.IOTimeout,
		GraceWindow: r.cfg.GraceWindow,
		EnvPolicy:   r.envPolicy,
		ArgPolicy:   r.argPolicy,
	})
	if err != nil {
		return nil, err
	}

	s, err := session.New(lifetime, tr, r.cfg.Program, session.Config{
		Task: req.Task,
		Init: codec.InitConfig{
			SystemPrompt:    req.SystemPrompt,
			MaxTurns:        maxTurns,
			AllowedTools:    req.AllowedTools,
			DisallowedTools: req.DisallowedTools,
			PermissionMode:  req.PermissionMode,
		},
		BufferCapacity: r.cfg.BufferCapacity,
		BufferMaxBytes: r.cfg.BufferMaxBytes,
		Permission:     r.cfg.Permission,
	})
	if err != nil {
		_ = tr.Terminate(ctx, false)

		return nil, err
	}

	return s, nil
}

// SpawnBatch creates count sessions concurrently with the same request.
// It returns the sessions that started; the first spawn error, if any,
// accompanies them.
func (r *Registry) SpawnBatch(ctx context.Context, req SpawnRequest, count int) ([]*session.Session, error) {
	if count <= 0 {
		count = 1
	}

	var (
		mu      sync.Mutex
		spawned []*session.Session
	)

	// A plain group: one failed spawn must not cancel its siblings, the
	// caller gets every session that did start.
	g := new(errgroup.Group)

	for range count {
		g.Go(func() error {
			s, err := r.Spawn(ctx, req)
			if err != nil {
				return err
			}

			mu.Lock()
			spawned = append(spawned, s)
			mu.Unlock()

			return nil
		})
	}

	err := g.Wait()

	return spawned, err
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, &errors.SessionNotFoundError{SessionID: id}
	}

	return s, nil
}

// SendPrompt delivers one prompt to an active session.
func (r *Registry) SendPrompt(ctx context.Context, id, text string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	return s.Send(ctx, text)
}

// Interrupt asks a session's subprocess to stop its current work.
func (r *Registry) Interrupt(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	return s.Interrupt(ctx)
}

// Output reads buffered messages from a session in any state. It returns
// the entries, whether older output was evicted before start, and the
// sequence number to resume from.
func (r *Registry) Output(id string, start uint64, max int) ([]ring.Buffered, bool, uint64, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, false, 0, err
	}

	msgs, truncated, next := s.Read(start, max)

	return msgs, truncated, next, nil
}

// List returns a snapshot of every known session, including ended sessions
// still inside the retention window.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))

	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))

	for _, s := range sessions {
		infos = append(infos, snapshot(s))
	}

	return infos
}

// Describe returns the snapshot for one session.
func (r *Registry) Describe(id string) (Info, error) {
	s, err := r.Get(id)
	if err != nil {
		return Info{}, err
	}

	return snapshot(s), nil
}

func snapshot(s *session.Session) Info {
	info := Info{
		ID:           s.ID(),
		Program:      s.Program(),
		Task:         s.Task(),
		State:        s.State(),
		Working:      s.Working(),
		Pid:          s.Pid(),
		CreatedAt:    s.CreatedAt(),
		LastActivity: s.LastActivity(),
		EndedAt:      s.EndedAt(),
		PromptCount:  s.PromptCount(),
		Buffered:     s.BufferedCount(),
		NextSeq:      s.NextSeq(),
	}

	if cause, exitCode := s.Failure(); cause != nil {
		info.Error = cause.Error()
		info.ExitCode = exitCode
	}

	return info
}

// Terminate ends one session. Terminating an already-ended session
// succeeds without effect.
func (r *Registry) Terminate(ctx context.Context, id string, graceful bool) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}

	return s.Terminate(ctx, graceful)
}

// janitor removes ended sessions once their retention window elapses.
func (r *Registry) janitor() {
	defer close(r.janitorDone)

	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.janitorStop:
			return
		}
	}
}

// sweep drops sessions that ended before now minus retention.
func (r *Registry) sweep(now time.Time) {
	cutoff := now.Add(-r.cfg.Retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		if !s.State().Terminal() {
			continue
		}

		if ended := s.EndedAt(); !ended.IsZero() && ended.Before(cutoff) {
			delete(r.sessions, id)
			r.log.Debug("Swept ended session", "session_id", id)
		}
	}
}

// Close stops the janitor and terminates every live session. The registry
// accepts no new work afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil
	}

	r.closed = true
	sessions := make([]*session.Session, 0, len(r.sessions))

	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	close(r.janitorStop)
	<-r.janitorDone

	g := new(errgroup.Group)

	for _, s := range sessions {
		g.Go(func() error {
			return s.Terminate(ctx, true)
		})
	}

	return g.Wait()
}
