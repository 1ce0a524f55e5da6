package message

// Kind discriminates the message union.
type Kind string

// Message kinds.
const (
	KindAssistant       Kind = "assistant"
	KindUserEcho        Kind = "user"
	KindToolUse         Kind = "tool_use"
	KindToolResult      Kind = "tool_result"
	KindControlRequest  Kind = "control_request"
	KindControlResponse Kind = "control_response"
	KindLifecycle       Kind = "lifecycle"
	KindUnknown         Kind = "unknown"
)

// Lifecycle event names.
const (
	LifecycleInit  = "init"
	LifecycleDone  = "done"
	LifecycleError = "error"
)

// Message represents one decoded unit of the control protocol.
// Use a type switch on the concrete type, or MessageKind for dispatch.
type Message interface {
	MessageKind() Kind
}

// Compile-time verification that all message types implement Message.
var (
	_ Message = (*Assistant)(nil)
	_ Message = (*UserEcho)(nil)
	_ Message = (*ToolUse)(nil)
	_ Message = (*ToolResult)(nil)
	_ Message = (*ControlRequest)(nil)
	_ Message = (*ControlResponse)(nil)
	_ Message = (*Lifecycle)(nil)
	_ Message = (*Unknown)(nil)
)

// Assistant carries the agent's conversational output: text, thinking, and
// nested tool activity blocks.
type Assistant struct {
	Content []ContentBlock `json:"content"`
	Model   string         `json:"model,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// MessageKind implements the Message interface.
func (m *Assistant) MessageKind() Kind { return KindAssistant }

// Text concatenates all text block content.
func (m *Assistant) Text() string {
	var out string

	for _, block := range m.Content {
		if text, ok := block.(*TextBlock); ok {
			out += text.Text
		}
	}

	return out
}

// UserEcho is the peer's echo of user input, including tool results fed back
// into the conversation.
type UserEcho struct {
	Content []ContentBlock `json:"content"`
}

// MessageKind implements the Message interface.
func (m *UserEcho) MessageKind() Kind { return KindUserEcho }

// ToolUse is a standalone tool invocation frame.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// MessageKind implements the Message interface.
func (m *ToolUse) MessageKind() Kind { return KindToolUse }

// ToolResult is a standalone tool result frame.
//
//nolint:tagliatelle // the agent wire protocol uses snake_case
type ToolResult struct {
	ToolUseID string         `json:"tool_use_id"`
	Content   []ContentBlock `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// MessageKind implements the Message interface.
func (m *ToolResult) MessageKind() Kind { return KindToolResult }

// ControlRequest is a frame from the peer asking the host for a decision,
// such as permission to use a capability.
//
// Wire format:
//
//	{
//	  "type": "control_request",
//	  "request_id": "01JF...",
//	  "request": {
//	    "subtype": "can_use_tool",
//	    "tool_name": "Bash",
//	    "input": {...}
//	  }
//	}
//
//nolint:tagliatelle // the agent wire protocol uses snake_case
type ControlRequest struct {
	RequestID string         `json:"request_id"`
	Request   map[string]any `json:"request"`
}

// MessageKind implements the Message interface.
func (m *ControlRequest) MessageKind() Kind { return KindControlRequest }

// Subtype extracts the subtype from the nested request data.
func (m *ControlRequest) Subtype() string {
	if s, ok := m.Request["subtype"].(string); ok {
		return s
	}

	return ""
}

// ToolName extracts the tool name from a can_use_tool request.
func (m *ControlRequest) ToolName() string {
	if s, ok := m.Request["tool_name"].(string); ok {
		return s
	}

	return ""
}

// Input extracts the tool input from a can_use_tool request.
func (m *ControlRequest) Input() map[string]any {
	if in, ok := m.Request["input"].(map[string]any); ok {
		return in
	}

	return nil
}

// ControlResponse is the peer's answer to a control request issued by the
// host, or an ack the host produced that was echoed back.
type ControlResponse struct {
	Response map[string]any `json:"response"`
}

// MessageKind implements the Message interface.
func (m *ControlResponse) MessageKind() Kind { return KindControlResponse }

// RequestID extracts the request_id from the nested response.
func (m *ControlResponse) RequestID() string {
	if id, ok := m.Response["request_id"].(string); ok {
		return id
	}

	return ""
}

// IsError checks if the response is an error response.
func (m *ControlResponse) IsError() bool {
	if s, ok := m.Response["subtype"].(string); ok {
		return s == "error"
	}

	return false
}

// ErrorMessage extracts the error message from an error response.
func (m *ControlResponse) ErrorMessage() string {
	if e, ok := m.Response["error"].(string); ok {
		return e
	}

	return ""
}

// Lifecycle carries session lifecycle and error events: the init frame the
// peer emits on startup, the done frame that precedes a clean exit, and
// peer-reported errors.
type Lifecycle struct {
	Event   string         `json:"event"`
	IsError bool           `json:"is_error,omitempty"` //nolint:tagliatelle // wire protocol
	Data    map[string]any `json:"data,omitempty"`
}

// MessageKind implements the Message interface.
func (m *Lifecycle) MessageKind() Kind { return KindLifecycle }

// Done reports whether this event signals the end of the conversation.
func (m *Lifecycle) Done() bool { return m.Event == LifecycleDone }

// Unknown preserves a frame whose type this module does not recognize.
// Forward compatibility: new peer frame kinds are retained verbatim rather
// than failing the decode.
type Unknown struct {
	Type string         `json:"type"`
	Raw  map[string]any `json:"raw"`
}

// MessageKind implements the Message interface.
func (m *Unknown) MessageKind() Kind { return KindUnknown }
