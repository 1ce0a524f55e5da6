package agentpool

import (
	"github.com/wagiedev/agentpool-go/internal/message"
	"github.com/wagiedev/agentpool-go/internal/ring"
	"github.com/wagiedev/agentpool-go/internal/session"
)

// Message is one decoded protocol frame from an agent subprocess.
// Concrete types are AssistantMessage, UserEchoMessage, ToolUseMessage,
// ToolResultMessage, LifecycleMessage and UnknownMessage.
type Message = message.Message

// Message variants.
type (
	// AssistantMessage carries agent output content blocks.
	AssistantMessage = message.Assistant

	// UserEchoMessage is the subprocess echoing a user turn.
	UserEchoMessage = message.UserEcho

	// ToolUseMessage reports a tool invocation by the agent.
	ToolUseMessage = message.ToolUse

	// ToolResultMessage reports a tool invocation's outcome.
	ToolResultMessage = message.ToolResult

	// LifecycleMessage reports subprocess lifecycle events such as
	// initialization and completion.
	LifecycleMessage = message.Lifecycle

	// UnknownMessage preserves frames of unrecognized type.
	UnknownMessage = message.Unknown
)

// Content blocks nested inside assistant and user messages.
type (
	ContentBlock    = message.ContentBlock
	TextBlock       = message.TextBlock
	ThinkingBlock   = message.ThinkingBlock
	ToolUseBlock    = message.ToolUseBlock
	ToolResultBlock = message.ToolResultBlock
)

// BufferedMessage is one ring entry: a message with its sequence number,
// arrival time and encoded size.
type BufferedMessage = ring.Buffered

// SessionState is a session lifecycle state.
type SessionState = session.State

// Session lifecycle states. A session starts Initializing, becomes Active
// on its first output frame, and ends in exactly one terminal state.
const (
	StateInitializing = session.StateInitializing
	StateActive       = session.StateActive
	StateCompleted    = session.StateCompleted
	StateFailed       = session.StateFailed
	StateTerminated   = session.StateTerminated
)
