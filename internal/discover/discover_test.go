package discover

import (
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/agentpool-go/internal/errors"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolve_FindsNameInPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	path, err := Resolve(testLog(), "sh")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(path))
}

func TestResolve_ExplicitPath(t *testing.T) {
	program := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(program, []byte("#!/bin/sh\n"), 0o755))

	path, err := Resolve(testLog(), program)
	require.NoError(t, err)
	require.Equal(t, program, path)
}

func TestResolve_ExplicitPathMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-such-agent")

	_, err := Resolve(testLog(), missing)
	require.Error(t, err)

	notFound, ok := stderrors.AsType[*errors.ProgramNotFoundError](err)
	require.True(t, ok)
	require.Equal(t, missing, notFound.Program)
	require.Equal(t, []string{missing}, notFound.SearchedPaths)
}

func TestResolve_UnknownName(t *testing.T) {
	_, err := Resolve(testLog(), "agentpool-no-such-program-83b1")
	require.Error(t, err)

	notFound, ok := stderrors.AsType[*errors.ProgramNotFoundError](err)
	require.True(t, ok)
	require.Contains(t, notFound.SearchedPaths, "$PATH")
	require.Contains(t, notFound.Error(), "not found")
}
