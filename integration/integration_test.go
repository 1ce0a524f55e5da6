//go:build integration

package integration

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	agentpool "github.com/wagiedev/agentpool-go"
)

// skipIfAgentNotInstalled skips the test when the agent program is not on
// this host.
func skipIfAgentNotInstalled(t *testing.T, err error) {
	t.Helper()

	if _, ok := errors.AsType[*agentpool.ProgramNotFoundError](err); ok {
		t.Skip("agent program not installed")
	}
}

// contains42 checks if a string contains "42" in various formats.
func contains42(s string) bool {
	lower := strings.ToLower(s)

	return strings.Contains(lower, "42") ||
		strings.Contains(lower, "forty-two") ||
		strings.Contains(lower, "forty two")
}

// waitTerminal polls until the session ends or the deadline passes.
func waitTerminal(t *testing.T, pool *agentpool.Pool, id string) agentpool.SessionInfo {
	t.Helper()

	deadline := time.Now().Add(3 * time.Minute)

	for time.Now().Before(deadline) {
		info, err := pool.Describe(id)
		require.NoError(t, err)

		if info.State.Terminal() {
			return info
		}

		time.Sleep(time.Second)
	}

	t.Fatalf("session %s did not end in time", id)

	return agentpool.SessionInfo{}
}

func TestIntegration_SpawnAndComplete(t *testing.T) {
	pool, err := agentpool.New(
		agentpool.WithProgram("claude"),
		agentpool.WithMaxSessions(2),
	)
	require.NoError(t, err)

	defer pool.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	id, err := pool.Spawn(ctx, agentpool.SpawnRequest{
		Task:     "What is 6 * 7? Reply with just the number.",
		MaxTurns: 3,
	})
	skipIfAgentNotInstalled(t, err)
	require.NoError(t, err)

	info := waitTerminal(t, pool, id)
	require.Equal(t, agentpool.StateCompleted, info.State)

	page, err := pool.Output(id, 0, 0)
	require.NoError(t, err)

	var saw bool

	for _, entry := range page.Messages {
		if m, ok := entry.Msg.(*agentpool.AssistantMessage); ok && contains42(m.Text()) {
			saw = true
		}
	}

	require.True(t, saw, "expected an assistant message containing 42")
}

func TestIntegration_TerminateLiveSession(t *testing.T) {
	pool, err := agentpool.New(agentpool.WithProgram("claude"))
	require.NoError(t, err)

	defer pool.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	id, err := pool.Spawn(ctx, agentpool.SpawnRequest{
		Task: "Count from 1 to 1000, one number per line.",
	})
	skipIfAgentNotInstalled(t, err)
	require.NoError(t, err)

	require.NoError(t, pool.Terminate(ctx, id, true))

	info, err := pool.Describe(id)
	require.NoError(t, err)
	require.Equal(t, agentpool.StateTerminated, info.State)
}
