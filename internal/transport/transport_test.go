package transport

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/agentpool-go/internal/errors"
	"github.com/wagiedev/agentpool-go/internal/message"
	"github.com/wagiedev/agentpool-go/internal/policy"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// spawnScript launches sh -c script through the transport with a permissive
// test policy.
func spawnScript(t *testing.T, script string) *Transport {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell fixtures require a POSIX sh")
	}

	tr, err := Spawn(context.Background(), testLog(), Config{
		Program:     "sh",
		Args:        []string{"-c", script},
		GraceWindow: 500 * time.Millisecond,
		EnvPolicy:   &policy.EnvPolicy{},
		ArgPolicy:   policy.NewArgPolicy("c"),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Terminate(ctx, false)
	})

	return tr
}

// collect drains both transport channels until they close or the deadline
// passes.
func collect(t *testing.T, tr *Transport, deadline time.Duration) ([]Frame, []error) {
	t.Helper()

	frames, errs := tr.Frames()
	timeout := time.After(deadline)

	var (
		gotFrames []Frame
		gotErrs   []error
	)

	for frames != nil || errs != nil {
		select {
		case f, ok := <-frames:
			if !ok {
				frames = nil

				continue
			}

			gotFrames = append(gotFrames, f)

		case err, ok := <-errs:
			if !ok {
				errs = nil

				continue
			}

			gotErrs = append(gotErrs, err)

		case <-timeout:
			t.Fatalf("transport channels did not close within %s", deadline)
		}
	}

	return gotFrames, gotErrs
}

// TestSpawn_RejectsUnlistedFlag tests that argument validation fails before
// any process is created.
func TestSpawn_RejectsUnlistedFlag(t *testing.T) {
	_, err := Spawn(context.Background(), testLog(), Config{
		Program:   "sh",
		Args:      []string{"--exec", "x"},
		EnvPolicy: &policy.EnvPolicy{},
		ArgPolicy: policy.NewArgPolicy(),
	})

	spawnErr, ok := stderrors.AsType[*errors.SpawnError](err)
	require.True(t, ok)
	require.Equal(t, "argument validation", spawnErr.Reason)
}

// TestSpawn_RejectsDeniedEnvOverride tests that a denied environment
// override fails the spawn outright.
func TestSpawn_RejectsDeniedEnvOverride(t *testing.T) {
	_, err := Spawn(context.Background(), testLog(), Config{
		Program:   "sh",
		Args:      []string{"-c", "true"},
		Env:       map[string]string{"LD_PRELOAD": "/tmp/evil.so"},
		EnvPolicy: &policy.EnvPolicy{},
		ArgPolicy: policy.NewArgPolicy("c"),
	})

	spawnErr, ok := stderrors.AsType[*errors.SpawnError](err)
	require.True(t, ok)
	require.Equal(t, "environment validation", spawnErr.Reason)
}

// TestTransport_ReadsFramesUntilCleanExit tests decoding a stream of frames
// from a subprocess that exits cleanly.
func TestTransport_ReadsFramesUntilCleanExit(t *testing.T) {
	tr := spawnScript(t, `
printf '{"type":"system","subtype":"init"}\n'
printf '{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}\n'
printf '{"type":"result","subtype":"success"}\n'
`)

	frames, errs := collect(t, tr, 10*time.Second)

	require.Empty(t, errs)
	require.Len(t, frames, 3)
	require.Equal(t, message.KindLifecycle, frames[0].Msg.MessageKind())
	require.Equal(t, message.KindAssistant, frames[1].Msg.MessageKind())
	require.Positive(t, frames[1].Size)
}

// TestTransport_MalformedFrameDoesNotKillStream tests that one bad frame
// yields a decode error while later frames still arrive.
func TestTransport_MalformedFrameDoesNotKillStream(t *testing.T) {
	tr := spawnScript(t, `
printf 'this is not json\n'
printf '{"type":"system","subtype":"init"}\n'
`)

	frames, errs := collect(t, tr, 10*time.Second)

	require.Len(t, frames, 1)
	require.Equal(t, message.KindLifecycle, frames[0].Msg.MessageKind())

	require.Len(t, errs, 1)
	_, ok := stderrors.AsType[*errors.FrameDecodeError](errs[0])
	require.True(t, ok)
}

// TestTransport_NonZeroExitReportsProcessError tests that an abnormal exit
// surfaces a ProcessError carrying the exit code and captured stderr.
func TestTransport_NonZeroExitReportsProcessError(t *testing.T) {
	tr := spawnScript(t, `
echo "boom: something broke" >&2
exit 3
`)

	_, errs := collect(t, tr, 10*time.Second)

	require.Len(t, errs, 1)

	procErr, ok := stderrors.AsType[*errors.ProcessError](errs[0])
	require.True(t, ok)
	require.Equal(t, 3, procErr.ExitCode)
	require.Contains(t, procErr.Stderr, "boom")
}

// TestTransport_StderrCallback tests that stderr lines reach the configured
// callback.
func TestTransport_StderrCallback(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell fixtures require a POSIX sh")
	}

	lines := make(chan string, 4)

	tr, err := Spawn(context.Background(), testLog(), Config{
		Program:   "sh",
		Args:      []string{"-c", `echo "progress line" >&2`},
		EnvPolicy: &policy.EnvPolicy{},
		ArgPolicy: policy.NewArgPolicy("c"),
		Stderr:    func(line string) { lines <- line },
	})
	require.NoError(t, err)

	collect(t, tr, 10*time.Second)

	select {
	case line := <-lines:
		require.Equal(t, "progress line", line)
	default:
		t.Fatal("stderr callback never fired")
	}
}

// TestTransport_WriteReachesSubprocess tests the ordered write path end to
// end: the script echoes the first line it reads back as a frame.
func TestTransport_WriteReachesSubprocess(t *testing.T) {
	tr := spawnScript(t, `
read -r line
printf '{"type":"system","subtype":"init","echo":%s}\n' "$line"
`)

	require.NoError(t, tr.Write(context.Background(), []byte("42\n")))

	frames, errs := collect(t, tr, 10*time.Second)

	require.Empty(t, errs)
	require.Len(t, frames, 1)

	lifecycle, ok := frames[0].Msg.(*message.Lifecycle)
	require.True(t, ok)
	require.Equal(t, float64(42), lifecycle.Data["echo"])
}

// TestTransport_WriteAfterTerminateFails tests that writes to an ended
// transport are rejected with the closed sentinel.
// TestTransport_WriteTimeout tests that a blocked write fails with a
// TimeoutError and poisons stdin so later writes cannot produce torn frames.
func TestTransport_WriteTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell fixtures require a POSIX sh")
	}

	tr, err := Spawn(context.Background(), testLog(), Config{
		Program:     "sh",
		Args:        []string{"-c", "sleep 30"},
		IOTimeout:   200 * time.Millisecond,
		GraceWindow: 200 * time.Millisecond,
		EnvPolicy:   &policy.EnvPolicy{},
		ArgPolicy:   policy.NewArgPolicy("c"),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Terminate(ctx, false)
	})

	// Larger than any pipe buffer, so the write blocks until the timeout
	// fires. The subprocess never reads stdin.
	data := bytes.Repeat([]byte("x"), 8<<20)
	data[len(data)-1] = '\n'

	err = tr.Write(context.Background(), data)

	timeoutErr, ok := stderrors.AsType[*errors.TimeoutError](err)
	require.True(t, ok)
	require.Equal(t, "write", timeoutErr.Op)

	err = tr.Write(context.Background(), []byte("{}\n"))
	require.ErrorIs(t, err, errors.ErrTransportClosed)

	// The unresponsive peer must be torn down within one grace window, not
	// left running until an explicit Terminate.
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess still running after write timeout")
	}
}

// TestTransport_GracefulTerminateDeliversInterrupt tests that the interrupt
// frame reaches the peer before stdin is closed.
func TestTransport_GracefulTerminateDeliversInterrupt(t *testing.T) {
	script := `
while read -r line; do
  case "$line" in
  *interrupt*) printf '{"type":"system","subtype":"saw_interrupt"}\n' ;;
  esac
done
`
	tr := spawnScript(t, script)

	frames, errs := tr.Frames()
	got := make(chan []Frame, 1)

	go func() {
		var collected []Frame

		for frames != nil || errs != nil {
			select {
			case f, ok := <-frames:
				if !ok {
					frames = nil

					continue
				}

				collected = append(collected, f)

			case _, ok := <-errs:
				if !ok {
					errs = nil
				}
			}
		}

		got <- collected
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, tr.Terminate(ctx, true))

	select {
	case collected := <-got:
		require.Len(t, collected, 1)

		lifecycle, ok := collected[0].Msg.(*message.Lifecycle)
		require.True(t, ok)
		require.Equal(t, "saw_interrupt", lifecycle.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("frame channels did not close")
	}
}

func TestTransport_WriteAfterTerminateFails(t *testing.T) {
	tr := spawnScript(t, `cat >/dev/null`)

	require.NoError(t, tr.Terminate(context.Background(), false))

	err := tr.Write(context.Background(), []byte("late\n"))
	require.ErrorIs(t, err, errors.ErrTransportClosed)
}

// TestTransport_TerminateIdempotent tests that repeated termination is a
// no-op success.
func TestTransport_TerminateIdempotent(t *testing.T) {
	tr := spawnScript(t, `cat >/dev/null`)

	require.NoError(t, tr.Terminate(context.Background(), false))
	require.NoError(t, tr.Terminate(context.Background(), false))
	require.NoError(t, tr.Terminate(context.Background(), true))
}

// TestTransport_GracefulTerminateWaitsForExit tests that a subprocess which
// exits when its stdin closes is not force-killed.
func TestTransport_GracefulTerminateWaitsForExit(t *testing.T) {
	tr := spawnScript(t, `cat >/dev/null`)

	start := time.Now()
	require.NoError(t, tr.Terminate(context.Background(), true))

	// cat exits as soon as stdin closes, well inside the grace window.
	require.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-tr.Done():
	default:
		t.Fatal("process not reaped after graceful terminate")
	}
}

// TestTransport_KillAfterGraceWindow tests that a subprocess ignoring stdin
// closure is killed once the grace window elapses.
func TestTransport_KillAfterGraceWindow(t *testing.T) {
	tr := spawnScript(t, `trap '' TERM; sleep 60`)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, tr.Terminate(ctx, true))

	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess outlived kill")
	}
}
