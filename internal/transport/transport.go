// Package transport owns one agent subprocess end to end: argument and
// environment sanitization before launch, the framed read side of its stdout,
// an ordered bounded write queue on its stdin, and termination with
// guaranteed reaping of the process on every exit path.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/wagiedev/agentpool-go/internal/codec"
	"github.com/wagiedev/agentpool-go/internal/errors"
	"github.com/wagiedev/agentpool-go/internal/message"
	"github.com/wagiedev/agentpool-go/internal/policy"
)

const (
	// DefaultIOTimeout bounds every stream write; reads are bounded by
	// process lifetime and termination.
	DefaultIOTimeout = 30 * time.Second

	// DefaultGraceWindow is how long graceful termination waits for the
	// subprocess to exit before force-killing it.
	DefaultGraceWindow = 5 * time.Second

	// DefaultWriteQueueDepth bounds the pending-write queue.
	DefaultWriteQueueDepth = 64

	// maxStderrBufferSize caps the stderr buffer retained for error
	// reporting. Draining continues past the cap so the pipe never blocks
	// the subprocess.
	maxStderrBufferSize = 10 * 1024 * 1024
)

// Config describes how to launch and drive one subprocess.
type Config struct {
	// Program is the executable name or path of the agent program.
	Program string

	// Args are the subprocess arguments, validated against ArgPolicy.
	Args []string

	// Env holds environment overrides, filtered through EnvPolicy.
	Env map[string]string

	// WorkingDir is the subprocess working directory. Empty means the
	// current directory.
	WorkingDir string

	// IOTimeout bounds each queued write. Zero selects DefaultIOTimeout.
	IOTimeout time.Duration

	// GraceWindow bounds graceful termination. Zero selects
	// DefaultGraceWindow.
	GraceWindow time.Duration

	// MaxFrameSize bounds a single inbound frame. Zero selects the codec
	// default.
	MaxFrameSize int

	// WriteQueueDepth bounds the pending-write queue. Zero selects
	// DefaultWriteQueueDepth.
	WriteQueueDepth int

	// EnvPolicy filters the subprocess environment. Required.
	EnvPolicy *policy.EnvPolicy

	// ArgPolicy validates Args. Required.
	ArgPolicy *policy.ArgPolicy

	// Stderr, if set, receives each line of subprocess stderr output.
	Stderr func(string)
}

// Frame is one decoded inbound message with its encoded size.
type Frame struct {
	Msg  message.Message
	Size int
}

// writeReq is one pending write on the queue.
type writeReq struct {
	data []byte
	done chan error
}

// Transport drives one subprocess. Never shared between sessions.
type Transport struct {
	log *slog.Logger
	cfg Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	frames chan Frame
	errs   chan error
	writeq chan *writeReq

	// waitDone closes after the process has been reaped.
	waitDone chan struct{}

	mu          sync.Mutex
	closing     bool
	stdinClosed bool
	terminated  bool

	stderrMu  sync.Mutex
	stderrBuf strings.Builder
}

// Spawn validates cfg, launches the subprocess, and starts the read side and
// the write queue. Validation failures return SpawnError before any process
// is created.
func Spawn(ctx context.Context, log *slog.Logger, cfg Config) (*Transport, error) {
	log = log.With("component", "transport")

	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}

	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}

	if cfg.WriteQueueDepth <= 0 {
		cfg.WriteQueueDepth = DefaultWriteQueueDepth
	}

	if err := cfg.ArgPolicy.Validate(cfg.Args); err != nil {
		log.Warn("Argument validation rejected spawn", "error", err)

		return nil, &errors.SpawnError{Program: cfg.Program, Reason: "argument validation", Err: err}
	}

	env, err := cfg.EnvPolicy.Filter(os.Environ(), cfg.Env)
	if err != nil {
		log.Warn("Environment validation rejected spawn", "error", err)

		return nil, &errors.SpawnError{Program: cfg.Program, Reason: "environment validation", Err: err}
	}

	cwd := cfg.WorkingDir
	if cwd == "" {
		cwd, err = os.Getwd()
		if err != nil {
			return nil, &errors.SpawnError{Program: cfg.Program, Reason: "resolve working directory", Err: err}
		}
	}

	//nolint:gosec // G204: launching the configured agent program is the point
	cmd := exec.Command(cfg.Program, cfg.Args...)
	cmd.Dir = cwd
	cmd.Env = env

	t := &Transport{
		log:      log,
		cfg:      cfg,
		cmd:      cmd,
		frames:   make(chan Frame),
		errs:     make(chan error, 1),
		writeq:   make(chan *writeReq, cfg.WriteQueueDepth),
		waitDone: make(chan struct{}),
	}

	if t.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, &errors.SpawnError{Program: cfg.Program, Reason: "stdin pipe", Err: err}
	}

	if t.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, &errors.SpawnError{Program: cfg.Program, Reason: "stdout pipe", Err: err}
	}

	// Stderr is piped, never inherited: the subprocess must not reach the
	// host terminal.
	if t.stderr, err = cmd.StderrPipe(); err != nil {
		return nil, &errors.SpawnError{Program: cfg.Program, Reason: "stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &errors.SpawnError{Program: cfg.Program, Reason: "start process", Err: err}
	}

	log.Info("Agent subprocess started", "pid", cmd.Process.Pid, "program", cfg.Program)

	go t.readLoop(ctx)
	go t.writeLoop()

	return t, nil
}

// Frames returns the inbound frame and error channels.
//
// The error channel carries FrameDecodeError values for skippable per-frame
// failures and TransportError/ProcessError for stream-fatal ones. Both
// channels close when the subprocess's output stream ends and the process
// has been reaped.
func (t *Transport) Frames() (<-chan Frame, <-chan error) {
	return t.frames, t.errs
}

// Pid returns the subprocess pid.
func (t *Transport) Pid() int {
	if t.cmd.Process == nil {
		return 0
	}

	return t.cmd.Process.Pid
}

// readLoop decodes frames from stdout until the stream closes or a fatal
// error occurs, then reaps the process. It is the sole caller of cmd.Wait.
func (t *Transport) readLoop(ctx context.Context) {
	defer close(t.frames)
	defer close(t.errs)

	var stderrWg sync.WaitGroup

	stderrWg.Go(func() {
		t.drainStderr()
	})

	dec := codec.NewDecoder(t.log, t.stdout, t.cfg.MaxFrameSize)

	for {
		msg, size, err := dec.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			if decodeErr, ok := err.(*errors.FrameDecodeError); ok {
				t.log.Debug("Skipping malformed frame", "error", decodeErr)

				select {
				case t.errs <- decodeErr:
				case <-ctx.Done():
				default:
					// Error channel congested; the frame was already logged.
				}

				continue
			}

			t.log.Error("Fatal read error on subprocess stream", "error", err)
			t.sendErr(ctx, &errors.TransportError{Op: "read", Err: err})

			break
		}

		select {
		case t.frames <- Frame{Msg: msg, Size: size}:
		case <-ctx.Done():
			t.log.Debug("Context cancelled while delivering frame")
			t.reap(&stderrWg)

			return
		}
	}

	t.reap(&stderrWg)
}

// reap waits for stderr to drain and the process to exit, reporting a
// failure exit unless termination was requested.
func (t *Transport) reap(stderrWg *sync.WaitGroup) {
	defer close(t.waitDone)

	stderrWg.Wait()

	err := t.cmd.Wait()
	if err == nil {
		t.log.Info("Agent subprocess exited", "pid", t.Pid())

		return
	}

	t.mu.Lock()
	closing := t.closing
	t.mu.Unlock()

	if closing {
		t.log.Debug("Agent subprocess terminated during shutdown", "pid", t.Pid())

		return
	}

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}

	t.stderrMu.Lock()
	stderrOut := strings.TrimSpace(t.stderrBuf.String())
	t.stderrMu.Unlock()

	t.log.Error("Agent subprocess exited with failure",
		"pid", t.Pid(), "exit_code", exitCode)

	// Buffered so the send cannot block after the frames channel closed.
	select {
	case t.errs <- &errors.ProcessError{ExitCode: exitCode, Stderr: stderrOut, Err: err}:
	default:
	}
}

func (t *Transport) sendErr(ctx context.Context, err error) {
	select {
	case t.errs <- err:
	case <-ctx.Done():
	default:
	}
}

// drainStderr consumes subprocess stderr into a capped buffer and the
// optional callback. Reading continues past the cap so the pipe never
// backpressures the subprocess.
func (t *Transport) drainStderr() {
	scanner := bufio.NewScanner(t.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		t.stderrLine(scanner.Text())
	}
}

func (t *Transport) stderrLine(line string) {
	t.stderrMu.Lock()

	if t.stderrBuf.Len() < maxStderrBufferSize {
		if t.stderrBuf.Len() > 0 {
			t.stderrBuf.WriteString("\n")
		}

		t.stderrBuf.WriteString(line)
	}

	t.stderrMu.Unlock()

	if t.cfg.Stderr != nil {
		t.cfg.Stderr(line)
	}
}

// Write queues one encoded frame for the subprocess's input stream.
//
// Writes flush in submission order and never interleave bytes. A write that
// cannot complete within the I/O timeout fails with TimeoutError and closes
// stdin so no half-written frame can be extended by a retry.
func (t *Transport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()

	if t.terminated || t.stdinClosed {
		t.mu.Unlock()

		return errors.ErrTransportClosed
	}

	t.mu.Unlock()

	req := &writeReq{data: data, done: make(chan error, 1)}

	select {
	case t.writeq <- req:
	default:
		return errors.ErrWriteQueueFull
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop is the single drainer of the write queue. It exits once the
// process has been reaped, failing any writes still queued.
func (t *Transport) writeLoop() {
	for {
		select {
		case req := <-t.writeq:
			req.done <- t.writeFrame(req.data)
		case <-t.waitDone:
			for {
				select {
				case req := <-t.writeq:
					req.done <- errors.ErrTransportClosed
				default:
					return
				}
			}
		}
	}
}

// writeFrame performs one bounded write. Pipes have no deadlines, so the
// write runs in a goroutine; on timeout stdin is closed to unblock it and
// fail the stream rather than risk a torn frame later.
func (t *Transport) writeFrame(data []byte) error {
	t.mu.Lock()

	if t.stdinClosed {
		t.mu.Unlock()

		return errors.ErrTransportClosed
	}

	stdin := t.stdin
	t.mu.Unlock()

	result := make(chan error, 1)

	go func() {
		_, err := stdin.Write(data)
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			t.log.Error("Failed to write frame to subprocess", "error", err)

			return &errors.TransportError{Op: "write", Err: err}
		}

		return nil

	case <-time.After(t.cfg.IOTimeout):
		t.log.Warn("Write timed out, closing stdin", "timeout", t.cfg.IOTimeout)
		t.closeStdin()
		t.killAfterGrace()

		return &errors.TimeoutError{Op: "write", Timeout: t.cfg.IOTimeout}
	}
}

// killAfterGrace force-kills the subprocess unless it exits on its own
// within the grace window. A timed-out write means the peer is not reading
// its stdin; waiting on it any longer is unbounded.
func (t *Transport) killAfterGrace() {
	go func() {
		select {
		case <-t.waitDone:
			return
		case <-time.After(t.cfg.GraceWindow):
		}

		t.log.Warn("Peer unresponsive after write timeout, killing subprocess", "pid", t.Pid())

		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
	}()
}

func (t *Transport) closeStdin() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.stdinClosed {
		_ = t.stdin.Close()
		t.stdinClosed = true
	}
}

// Terminate ends the subprocess.
//
// Graceful termination sends an interrupt command, closes stdin, and waits
// up to the grace window for the process to exit; on timeout or with
// graceful=false the process is killed. The process is always reaped.
// Terminating an already-terminal transport is a no-op success.
func (t *Transport) Terminate(ctx context.Context, graceful bool) error {
	t.mu.Lock()

	if t.terminated {
		t.mu.Unlock()

		return nil
	}

	t.terminated = true
	t.closing = true
	t.mu.Unlock()

	t.log.Debug("Terminating subprocess", "pid", t.Pid(), "graceful", graceful)

	if graceful {
		if frame, err := codec.EncodeInterrupt(codec.NewRequestID()); err == nil {
			// Best effort: the peer may already be gone. The frame has to
			// reach stdin before the close below, so wait for the write
			// drainer to finish it, bounded by the grace window.
			req := &writeReq{data: frame, done: make(chan error, 1)}
			select {
			case t.writeq <- req:
				select {
				case <-req.done:
				case <-time.After(t.cfg.GraceWindow):
				case <-ctx.Done():
				}
			default:
			}
		}

		t.closeStdin()

		select {
		case <-t.waitDone:
			return nil
		case <-time.After(t.cfg.GraceWindow):
			t.log.Warn("Grace window elapsed, killing subprocess", "pid", t.Pid())
		case <-ctx.Done():
		}
	} else {
		t.closeStdin()
	}

	if t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "already finished") {
			return fmt.Errorf("kill subprocess (pid %d): %w", t.Pid(), err)
		}
	}

	// Reaping happens in the read loop; wait for it so no zombie outlives
	// this call.
	select {
	case <-t.waitDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Done returns a channel closed once the subprocess has been reaped.
func (t *Transport) Done() <-chan struct{} {
	return t.waitDone
}
