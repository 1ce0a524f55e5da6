// Package session binds one subprocess transport to one output ring buffer
// and tracks the session's lifecycle state. State moves forward only:
// Initializing to Active, then to exactly one terminal state, which is
// sticky.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wagiedev/agentpool-go/internal/codec"
	"github.com/wagiedev/agentpool-go/internal/errors"
	"github.com/wagiedev/agentpool-go/internal/message"
	"github.com/wagiedev/agentpool-go/internal/policy"
	"github.com/wagiedev/agentpool-go/internal/ring"
	"github.com/wagiedev/agentpool-go/internal/transport"
)

// State is a session lifecycle state.
type State int32

const (
	// StateInitializing covers spawn until the first frame arrives.
	StateInitializing State = iota

	// StateActive means the subprocess is running and has produced output.
	StateActive

	// StateCompleted means the subprocess finished its work and exited
	// cleanly.
	StateCompleted

	// StateFailed means the subprocess exited abnormally or the stream
	// broke.
	StateFailed

	// StateTerminated means the session was ended by request.
	StateTerminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether s is one of the three terminal states.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTerminated
}

// workingThreshold is how recently a frame must have arrived for an active
// session to report itself as working.
const workingThreshold = 2 * time.Second

// Config carries everything a session needs beyond its transport.
type Config struct {
	// Task is the initial prompt sent after the handshake. Optional.
	Task string

	// Init parameterizes the protocol handshake.
	Init codec.InitConfig

	// BufferCapacity is the output ring capacity in messages.
	BufferCapacity int

	// BufferMaxBytes is the output ring byte ceiling.
	BufferMaxBytes int64

	// Permission decides inbound tool permission requests. Nil allows all.
	Permission policy.PermissionCallback
}

// Session is one agent subprocess with its buffered output.
type Session struct {
	id        string
	program   string
	task      string
	createdAt time.Time

	tr  *transport.Transport
	buf *ring.Buffer

	permission policy.PermissionCallback

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos of the last inbound frame
	endedAt      atomic.Int64 // unix nanos of entering a terminal state
	promptCount  atomic.Int64

	failMu   sync.Mutex
	failure  error
	exitCode int

	// done closes when the read loop has finished and the final state is
	// set.
	done chan struct{}
}

// New wires a session around an already-spawned transport and starts its
// read loop. The handshake and optional initial task are sent before New
// returns a write error, so a session that fails its first writes is
// reported immediately.
func New(ctx context.Context, tr *transport.Transport, program string, cfg Config) (*Session, error) {
	s := &Session{
		id:         ulid.Make().String(),
		program:    program,
		task:       cfg.Task,
		createdAt:  time.Now(),
		tr:         tr,
		buf:        ring.New(cfg.BufferCapacity, cfg.BufferMaxBytes),
		permission: cfg.Permission,
		done:       make(chan struct{}),
	}
	s.lastActivity.Store(s.createdAt.UnixNano())

	init, err := codec.EncodeInit(codec.NewRequestID(), &cfg.Init)
	if err != nil {
		return nil, fmt.Errorf("encode initialize request: %w", err)
	}

	if err := tr.Write(ctx, init); err != nil {
		return nil, fmt.Errorf("send initialize request: %w", err)
	}

	if cfg.Task != "" {
		frame, err := codec.EncodePrompt(cfg.Task)
		if err != nil {
			return nil, fmt.Errorf("encode initial task: %w", err)
		}

		if err := tr.Write(ctx, frame); err != nil {
			return nil, fmt.Errorf("send initial task: %w", err)
		}

		s.promptCount.Add(1)
	}

	go s.readLoop(ctx)

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Program returns the subprocess program name.
func (s *Session) Program() string { return s.program }

// Task returns the initial task, if any.
func (s *Session) Task() string { return s.task }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Pid returns the subprocess pid.
func (s *Session) Pid() int { return s.tr.Pid() }

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Working reports whether the session is active and produced a frame within
// the working threshold.
func (s *Session) Working() bool {
	if s.State() != StateActive {
		return false
	}

	return time.Since(time.Unix(0, s.lastActivity.Load())) < workingThreshold
}

// LastActivity returns the arrival time of the most recent inbound frame,
// or the creation time if none arrived yet.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// EndedAt returns when the session entered a terminal state, or the zero
// time if it has not.
func (s *Session) EndedAt() time.Time {
	ns := s.endedAt.Load()
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}

// PromptCount returns how many prompts were sent on this session.
func (s *Session) PromptCount() int64 {
	return s.promptCount.Load()
}

// Failure returns the failure cause and exit code for a failed session.
func (s *Session) Failure() (error, int) {
	s.failMu.Lock()
	defer s.failMu.Unlock()

	return s.failure, s.exitCode
}

// Done returns a channel closed once the session reaches a terminal state
// and its subprocess has been reaped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// transition attempts from -> to and reports whether it won. Terminal
// states never transition out.
func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// markTerminal moves the session to a terminal state from whichever
// non-terminal state it is in. The first terminal transition wins.
func (s *Session) markTerminal(to State) bool {
	for {
		cur := State(s.state.Load())
		if cur.Terminal() {
			return false
		}

		if s.state.CompareAndSwap(int32(cur), int32(to)) {
			s.endedAt.Store(time.Now().UnixNano())

			return true
		}
	}
}

// readLoop consumes transport frames into the ring, drives the state
// machine, and answers control requests inline.
func (s *Session) readLoop(ctx context.Context) {
	defer close(s.done)

	frames, errs := s.tr.Frames()

	sawDone := false

	var fatal error

	for frames != nil || errs != nil {
		select {
		case frame, ok := <-frames:
			if !ok {
				frames = nil

				continue
			}

			s.lastActivity.Store(time.Now().UnixNano())
			s.transition(StateInitializing, StateActive)
			s.buf.Append(frame.Msg, frame.Size)

			switch m := frame.Msg.(type) {
			case *message.Lifecycle:
				if m.Done() {
					sawDone = true
				}

				if m.IsError {
					fatal = fmt.Errorf("agent reported error lifecycle event: %s", m.Event)
				}

			case *message.ControlRequest:
				s.answerControl(ctx, m)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil

				continue
			}

			if _, ok := stderrors.AsType[*errors.FrameDecodeError](err); ok {
				// Skippable; already surfaced by the transport log.
				continue
			}

			fatal = err

		case <-ctx.Done():
			// Registry shutdown terminates sessions explicitly; here we
			// just stop consuming.
			s.markTerminal(StateTerminated)

			return
		}
	}

	<-s.tr.Done()

	switch {
	case fatal != nil:
		s.fail(fatal)
	case sawDone:
		s.markTerminal(StateCompleted)
	default:
		// Stream ended without a completion event. A requested
		// termination already holds the terminal state; anything else is
		// an unexpected exit.
		s.fail(fmt.Errorf("subprocess output ended without completion"))
	}
}

func (s *Session) fail(cause error) {
	if !s.markTerminal(StateFailed) {
		return
	}

	exitCode := 0
	if procErr, ok := stderrors.AsType[*errors.ProcessError](cause); ok {
		exitCode = procErr.ExitCode
	}

	s.failMu.Lock()
	s.failure = cause
	s.exitCode = exitCode
	s.failMu.Unlock()
}

// answerControl resolves one inbound permission request and writes the
// response. The subprocess blocks on the answer, so denial on callback
// error is deliberate.
func (s *Session) answerControl(ctx context.Context, req *message.ControlRequest) {
	if req.Subtype() != "can_use_tool" {
		return
	}

	decision := policy.Decision(&policy.Allow{})

	if s.permission != nil {
		d, err := s.permission(ctx, s.id, req.ToolName(), req.Input())
		if err != nil {
			decision = &policy.Deny{Message: err.Error()}
		} else if d != nil {
			decision = d
		}
	}

	var payload map[string]any

	var errMsg string

	switch d := decision.(type) {
	case *policy.Allow:
		payload = map[string]any{"behavior": "allow"}
		if d.UpdatedInput != nil {
			payload["updatedInput"] = d.UpdatedInput
		}

	case *policy.Deny:
		payload = map[string]any{"behavior": "deny", "message": d.Message}
		if d.Interrupt {
			payload["interrupt"] = true
		}
	}

	frame, err := codec.EncodeControlResponse(req.RequestID, payload, errMsg)
	if err != nil {
		return
	}

	_ = s.tr.Write(ctx, frame)
}

// Send delivers one prompt to an active session.
func (s *Session) Send(ctx context.Context, text string) error {
	if st := s.State(); st != StateActive && st != StateInitializing {
		return &errors.SessionNotActiveError{SessionID: s.id, State: st.String()}
	}

	frame, err := codec.EncodePrompt(text)
	if err != nil {
		return fmt.Errorf("encode prompt: %w", err)
	}

	if err := s.tr.Write(ctx, frame); err != nil {
		return err
	}

	s.promptCount.Add(1)

	return nil
}

// Interrupt asks the subprocess to stop its current work without ending
// the session.
func (s *Session) Interrupt(ctx context.Context) error {
	if st := s.State(); st.Terminal() {
		return &errors.SessionNotActiveError{SessionID: s.id, State: st.String()}
	}

	frame, err := codec.EncodeInterrupt(codec.NewRequestID())
	if err != nil {
		return fmt.Errorf("encode interrupt: %w", err)
	}

	return s.tr.Write(ctx, frame)
}

// Read returns up to max buffered messages starting at sequence start,
// together with whether older output was truncated and the sequence to
// resume from.
func (s *Session) Read(start uint64, max int) ([]ring.Buffered, bool, uint64) {
	return s.buf.Read(start, max)
}

// BufferedCount returns how many messages the ring currently retains.
func (s *Session) BufferedCount() int {
	return s.buf.Len()
}

// NextSeq returns the sequence number the next appended message will get.
func (s *Session) NextSeq() uint64 {
	return s.buf.Next()
}

// Terminate ends the session. Graceful termination gives the subprocess
// the grace window to exit after an interrupt; otherwise it is killed.
// Terminating a session already in a terminal state is a no-op success.
func (s *Session) Terminate(ctx context.Context, graceful bool) error {
	if !s.markTerminal(StateTerminated) {
		// Already terminal; still make sure the process is gone.
		return s.tr.Terminate(ctx, false)
	}

	return s.tr.Terminate(ctx, graceful)
}
