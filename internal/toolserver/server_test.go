package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/wagiedev/agentpool-go"
	"github.com/wagiedev/agentpool-go/internal/errors"
	"github.com/wagiedev/agentpool-go/internal/message"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePool records calls and returns canned data.
type fakePool struct {
	spawnReq   agentpool.SpawnRequest
	spawnCount int
	spawnErr   error

	prompts    []string
	interrupts []string
	terminated map[string]bool

	page    agentpool.OutputPage
	pageErr error

	infos []agentpool.SessionInfo
}

func (f *fakePool) SpawnBatch(_ context.Context, req agentpool.SpawnRequest, count int) ([]string, error) {
	f.spawnReq = req
	f.spawnCount = count

	if f.spawnErr != nil {
		return nil, f.spawnErr
	}

	ids := make([]string, count)
	for i := range ids {
		ids[i] = fmt.Sprintf("sess-%d", i)
	}

	return ids, nil
}

func (f *fakePool) SendPrompt(_ context.Context, id, text string) error {
	f.prompts = append(f.prompts, id+":"+text)

	return nil
}

func (f *fakePool) Interrupt(_ context.Context, id string) error {
	f.interrupts = append(f.interrupts, id)

	return nil
}

func (f *fakePool) Output(id string, _ uint64, _ int) (agentpool.OutputPage, error) {
	if f.pageErr != nil {
		return agentpool.OutputPage{}, f.pageErr
	}

	return f.page, nil
}

func (f *fakePool) Describe(id string) (agentpool.SessionInfo, error) {
	for _, info := range f.infos {
		if info.ID == id {
			return info, nil
		}
	}

	return agentpool.SessionInfo{}, &errors.SessionNotFoundError{SessionID: id}
}

func (f *fakePool) List() []agentpool.SessionInfo {
	return f.infos
}

func (f *fakePool) Terminate(_ context.Context, id string, _ bool) error {
	if f.terminated == nil {
		f.terminated = make(map[string]bool)
	}

	f.terminated[id] = true

	return nil
}

func callRequest(t *testing.T, args map[string]any) *mcp.CallToolRequest {
	t.Helper()

	raw, err := json.Marshal(args)
	require.NoError(t, err)

	return &mcp.CallToolRequest{
		Params: &mcp.CallToolParamsRaw{Arguments: raw},
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, res.Content)

	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)

	return text.Text
}

func resultJSON(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &decoded))

	return decoded
}

// TestSpawnTool_ForwardsRequest tests that spawn arguments map onto the
// pool request and the IDs come back.
func TestSpawnTool_ForwardsRequest(t *testing.T) {
	pool := &fakePool{}
	srv := New(testLog(), pool)

	res, err := srv.handleSpawn(context.Background(), callRequest(t, map[string]any{
		"task":            "review the diff",
		"worker_count":    3,
		"system_prompt":   "be terse",
		"max_turns":       7,
		"permission_mode": "default",
		"allowed_tools":   []string{"Read", "Grep"},
		"env":             map[string]any{"MY_VAR": "1"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	require.Equal(t, 3, pool.spawnCount)
	require.Equal(t, "review the diff", pool.spawnReq.Task)
	require.Equal(t, "be terse", pool.spawnReq.SystemPrompt)
	require.Equal(t, 7, pool.spawnReq.MaxTurns)
	require.Equal(t, []string{"Read", "Grep"}, pool.spawnReq.AllowedTools)
	require.Equal(t, map[string]string{"MY_VAR": "1"}, pool.spawnReq.Env)

	decoded := resultJSON(t, res)
	require.Len(t, decoded["session_ids"], 3)
}

// TestSpawnTool_DefaultsToOneWorker tests the worker_count default.
func TestSpawnTool_DefaultsToOneWorker(t *testing.T) {
	pool := &fakePool{}
	srv := New(testLog(), pool)

	res, err := srv.handleSpawn(context.Background(), callRequest(t, map[string]any{
		"task": "x",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, 1, pool.spawnCount)
}

// TestSpawnTool_RejectsOversizedBatch tests the fan-out ceiling.
func TestSpawnTool_RejectsOversizedBatch(t *testing.T) {
	srv := New(testLog(), &fakePool{})

	res, err := srv.handleSpawn(context.Background(), callRequest(t, map[string]any{
		"task":         "x",
		"worker_count": maxSpawnBatch + 1,
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

// TestSpawnTool_PoolErrorBecomesToolError tests that pool failures surface
// as tool errors, not protocol errors.
func TestSpawnTool_PoolErrorBecomesToolError(t *testing.T) {
	srv := New(testLog(), &fakePool{spawnErr: &errors.CapacityError{Limit: 2}})

	res, err := srv.handleSpawn(context.Background(), callRequest(t, map[string]any{
		"task": "x",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, resultText(t, res), "capacity")
}

// TestSendPromptTool tests prompt routing and required-argument checks.
func TestSendPromptTool(t *testing.T) {
	pool := &fakePool{}
	srv := New(testLog(), pool)

	res, err := srv.handleSendPrompt(context.Background(), callRequest(t, map[string]any{
		"session_id": "sess-0",
		"prompt":     "continue",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, []string{"sess-0:continue"}, pool.prompts)

	res, err = srv.handleSendPrompt(context.Background(), callRequest(t, map[string]any{
		"session_id": "sess-0",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

// TestReadOutputTool tests rendering of buffered messages.
func TestReadOutputTool(t *testing.T) {
	now := time.Now()

	pool := &fakePool{
		page: agentpool.OutputPage{
			Messages: []agentpool.BufferedMessage{
				{
					Seq: 4,
					At:  now,
					Msg: &message.Assistant{Content: []message.ContentBlock{
						&message.TextBlock{Text: "hello"},
					}},
				},
				{
					Seq: 5,
					At:  now,
					Msg: &message.ToolUse{Name: "Bash", Input: map[string]any{"command": "ls"}},
				},
			},
			Truncated: true,
			NextSeq:   6,
		},
	}
	srv := New(testLog(), pool)

	res, err := srv.handleReadOutput(context.Background(), callRequest(t, map[string]any{
		"session_id": "sess-0",
		"start_seq":  2,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	decoded := resultJSON(t, res)
	require.Equal(t, true, decoded["truncated"])
	require.Equal(t, float64(6), decoded["next_seq"])

	messages := decoded["messages"].([]any)
	require.Len(t, messages, 2)

	first := messages[0].(map[string]any)
	require.Equal(t, "assistant", first["type"])
	require.Equal(t, "hello", first["text"])
	require.Equal(t, float64(4), first["seq"])

	second := messages[1].(map[string]any)
	require.Equal(t, "tool_use", second["type"])
	require.Equal(t, "Bash", second["tool"])
}

// TestListTool tests session snapshot rendering.
func TestListTool(t *testing.T) {
	pool := &fakePool{infos: []agentpool.SessionInfo{
		{
			ID:      "sess-0",
			State:   agentpool.StateActive,
			Working: true,
			Pid:     4242,
			Task:    "summarize",
		},
		{
			ID:       "sess-1",
			State:    agentpool.StateFailed,
			EndedAt:  time.Now(),
			Error:    "agent process failed",
			ExitCode: 3,
		},
	}}
	srv := New(testLog(), pool)

	res, err := srv.handleList(context.Background(), callRequest(t, nil))
	require.NoError(t, err)

	out := resultJSON(t, res)

	active := out["active_sessions"].([]any)
	require.Len(t, active, 1)
	require.Equal(t, float64(1), out["total_active"])

	first := active[0].(map[string]any)
	require.Equal(t, "sess-0", first["session_id"])
	require.Equal(t, "active", first["state"])
	require.Equal(t, true, first["working"])
	require.Equal(t, "summarize", first["task"])

	completed := out["completed_sessions"].([]any)
	require.Len(t, completed, 1)
	require.Equal(t, float64(1), out["total_completed"])

	second := completed[0].(map[string]any)
	require.Equal(t, "failed", second["state"])
	require.Equal(t, float64(3), second["exit_code"])
}

// TestTerminateTool tests termination routing with the graceful default.
func TestTerminateTool(t *testing.T) {
	pool := &fakePool{}
	srv := New(testLog(), pool)

	res, err := srv.handleTerminate(context.Background(), callRequest(t, map[string]any{
		"session_id": "sess-0",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.True(t, pool.terminated["sess-0"])
}

// TestInterruptTool tests interrupt routing.
func TestInterruptTool(t *testing.T) {
	pool := &fakePool{}
	srv := New(testLog(), pool)

	res, err := srv.handleInterrupt(context.Background(), callRequest(t, map[string]any{
		"session_id": "sess-0",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, []string{"sess-0"}, pool.interrupts)
}
