// Package toolserver exposes a session pool as MCP tools over stdio, so an
// orchestrating agent can spawn, prompt, observe and terminate worker
// sessions through tool calls.
package toolserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagiedev/agentpool-go"
	"github.com/wagiedev/agentpool-go/internal/message"
)

// Version reported in the MCP handshake.
const Version = "1.0.0"

// maxSpawnBatch bounds worker fan-out from one tool call.
const maxSpawnBatch = 16

// Pool is the subset of pool operations the tool server needs.
type Pool interface {
	SpawnBatch(ctx context.Context, req agentpool.SpawnRequest, count int) ([]string, error)
	SendPrompt(ctx context.Context, id, text string) error
	Interrupt(ctx context.Context, id string) error
	Output(id string, start uint64, max int) (agentpool.OutputPage, error)
	Describe(id string) (agentpool.SessionInfo, error)
	List() []agentpool.SessionInfo
	Terminate(ctx context.Context, id string, graceful bool) error
}

// Server serves pool operations as MCP tools.
type Server struct {
	log  *slog.Logger
	pool Pool
	mcp  *mcp.Server
}

// New builds the MCP server and registers all tools.
func New(log *slog.Logger, pool Pool) *Server {
	s := &Server{
		log:  log.With("component", "toolserver"),
		pool: pool,
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    "agentpool",
			Version: Version,
		}, nil),
	}

	s.registerTools()

	return s
}

// Run serves MCP over stdio until ctx is cancelled or the peer disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("Tool server starting on stdio")

	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	s.mcp.AddTool(newTool(
		"spawn_agents",
		"Spawn one or more agent sessions working on a task. Returns the new session IDs.",
		objectSchema(map[string]*jsonschema.Schema{
			"task":             stringProp("Initial task prompt for each session"),
			"worker_count":     intProp("How many sessions to spawn (default 1)"),
			"system_prompt":    stringProp("System prompt override"),
			"max_turns":        intProp("Turn limit per session"),
			"permission_mode":  stringProp("Agent permission mode"),
			"allowed_tools":    stringArrayProp("Tools the agent may use"),
			"disallowed_tools": stringArrayProp("Tools the agent may not use"),
			"extra_args":       stringArrayProp("Additional program arguments, allowlist-validated"),
			"env": {
				Type:        "object",
				Description: "Environment variable overrides",
			},
			"working_dir":      stringProp("Working directory override"),
		}, "task"),
	), s.handleSpawn)

	s.mcp.AddTool(newTool(
		"send_prompt",
		"Send a follow-up prompt to an active session.",
		objectSchema(map[string]*jsonschema.Schema{
			"session_id": stringProp("Target session ID"),
			"prompt":     stringProp("Prompt text"),
		}, "session_id", "prompt"),
	), s.handleSendPrompt)

	s.mcp.AddTool(newTool(
		"read_output",
		"Read buffered output from a session. Non-destructive and resumable by sequence number.",
		objectSchema(map[string]*jsonschema.Schema{
			"session_id": stringProp("Target session ID"),
			"start_seq":  intProp("Sequence number to start from (default 0)"),
			"max":        intProp("Maximum messages to return (default all buffered)"),
		}, "session_id"),
	), s.handleReadOutput)

	s.mcp.AddTool(newTool(
		"list_agents",
		"List all known sessions with their state, activity and output counters.",
		objectSchema(nil),
	), s.handleList)

	s.mcp.AddTool(newTool(
		"interrupt_agent",
		"Ask a session's agent to stop its current work without ending the session.",
		objectSchema(map[string]*jsonschema.Schema{
			"session_id": stringProp("Target session ID"),
		}, "session_id"),
	), s.handleInterrupt)

	s.mcp.AddTool(newTool(
		"terminate_agent",
		"End a session. Graceful termination waits briefly for the agent to exit before killing it.",
		objectSchema(map[string]*jsonschema.Schema{
			"session_id": stringProp("Target session ID"),
			"graceful":   boolProp("Wait for a clean exit before killing (default true)"),
		}, "session_id"),
	), s.handleTerminate)
}

func (s *Server) handleSpawn(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArguments(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	count := argInt(args, "worker_count")
	if count <= 0 {
		count = 1
	}

	if count > maxSpawnBatch {
		return errorResult(fmt.Sprintf("worker_count %d exceeds limit %d", count, maxSpawnBatch)), nil
	}

	ids, err := s.pool.SpawnBatch(ctx, agentpool.SpawnRequest{
		Task:            argString(args, "task"),
		SystemPrompt:    argString(args, "system_prompt"),
		MaxTurns:        argInt(args, "max_turns"),
		PermissionMode:  argString(args, "permission_mode"),
		AllowedTools:    argStrings(args, "allowed_tools"),
		DisallowedTools: argStrings(args, "disallowed_tools"),
		ExtraArgs:       argStrings(args, "extra_args"),
		Env:             argStringMap(args, "env"),
		WorkingDir:      argString(args, "working_dir"),
	}, count)
	if err != nil && len(ids) == 0 {
		return errorResult(err.Error()), nil
	}

	result := map[string]any{"session_ids": ids}
	if err != nil {
		result["partial_failure"] = err.Error()
	}

	return jsonResult(result), nil
}

func (s *Server) handleSendPrompt(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArguments(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	id := argString(args, "session_id")
	prompt := argString(args, "prompt")

	if id == "" || prompt == "" {
		return errorResult("session_id and prompt are required"), nil
	}

	if err := s.pool.SendPrompt(ctx, id, prompt); err != nil {
		return errorResult(err.Error()), nil
	}

	return textResult("prompt delivered"), nil
}

func (s *Server) handleReadOutput(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArguments(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	id := argString(args, "session_id")
	if id == "" {
		return errorResult("session_id is required"), nil
	}

	page, err := s.pool.Output(id, uint64(argInt(args, "start_seq")), argInt(args, "max"))
	if err != nil {
		return errorResult(err.Error()), nil
	}

	messages := make([]map[string]any, 0, len(page.Messages))
	for _, entry := range page.Messages {
		messages = append(messages, renderBuffered(entry))
	}

	return jsonResult(map[string]any{
		"messages":  messages,
		"truncated": page.Truncated,
		"next_seq":  page.NextSeq,
	}), nil
}

func (s *Server) handleList(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := parseArguments(req); err != nil {
		return errorResult(err.Error()), nil
	}

	infos := s.pool.List()

	active := make([]map[string]any, 0, len(infos))
	completed := make([]map[string]any, 0)

	for _, info := range infos {
		if info.State.Terminal() {
			completed = append(completed, renderInfo(info))
		} else {
			active = append(active, renderInfo(info))
		}
	}

	return jsonResult(map[string]any{
		"active_sessions":    active,
		"completed_sessions": completed,
		"total_active":       len(active),
		"total_completed":    len(completed),
	}), nil
}

func (s *Server) handleInterrupt(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArguments(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	id := argString(args, "session_id")
	if id == "" {
		return errorResult("session_id is required"), nil
	}

	if err := s.pool.Interrupt(ctx, id); err != nil {
		return errorResult(err.Error()), nil
	}

	return textResult("interrupt sent"), nil
}

func (s *Server) handleTerminate(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArguments(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	id := argString(args, "session_id")
	if id == "" {
		return errorResult("session_id is required"), nil
	}

	if err := s.pool.Terminate(ctx, id, argBool(args, "graceful", true)); err != nil {
		return errorResult(err.Error()), nil
	}

	return textResult("session terminated"), nil
}

// renderBuffered flattens one ring entry for tool output.
func renderBuffered(entry agentpool.BufferedMessage) map[string]any {
	out := map[string]any{
		"seq": entry.Seq,
		"at":  entry.At,
	}

	switch m := entry.Msg.(type) {
	case *message.Assistant:
		out["type"] = "assistant"
		out["text"] = m.Text()

		if m.Model != "" {
			out["model"] = m.Model
		}

	case *message.UserEcho:
		out["type"] = "user"

	case *message.ToolUse:
		out["type"] = "tool_use"
		out["tool"] = m.Name
		out["input"] = m.Input

	case *message.ToolResult:
		out["type"] = "tool_result"
		out["tool_use_id"] = m.ToolUseID
		out["is_error"] = m.IsError

	case *message.Lifecycle:
		out["type"] = "lifecycle"
		out["event"] = m.Event
		out["is_error"] = m.IsError

	case *message.Unknown:
		out["type"] = m.Type

	default:
		out["type"] = fmt.Sprintf("%T", entry.Msg)
	}

	return out
}

// renderInfo flattens one session snapshot for tool output.
func renderInfo(info agentpool.SessionInfo) map[string]any {
	out := map[string]any{
		"session_id":    info.ID,
		"state":         info.State.String(),
		"working":       info.Working,
		"pid":           info.Pid,
		"created_at":    info.CreatedAt,
		"last_activity": info.LastActivity,
		"prompt_count":  info.PromptCount,
		"buffered":      info.Buffered,
		"next_seq":      info.NextSeq,
	}

	if info.Task != "" {
		out["task"] = info.Task
	}

	if !info.EndedAt.IsZero() {
		out["ended_at"] = info.EndedAt
	}

	if info.Error != "" {
		out["error"] = info.Error
		out["exit_code"] = info.ExitCode
	}

	return out
}
