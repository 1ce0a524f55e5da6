// Package message defines the decoded unit of the agent control protocol: a
// closed tagged union over conversational output, tool activity, control
// traffic, and lifecycle events, plus the content blocks nested inside
// conversational frames.
package message

import "encoding/json"

// Block type constants.
const (
	BlockTypeText       = "text"
	BlockTypeThinking   = "thinking"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// ContentBlock represents a block of content within a conversational message.
type ContentBlock interface {
	BlockType() string
}

// Compile-time verification that all content block types implement ContentBlock.
var (
	_ ContentBlock = (*TextBlock)(nil)
	_ ContentBlock = (*ThinkingBlock)(nil)
	_ ContentBlock = (*ToolUseBlock)(nil)
	_ ContentBlock = (*ToolResultBlock)(nil)
)

// TextBlock contains plain text content.
type TextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// BlockType implements the ContentBlock interface.
func (b *TextBlock) BlockType() string { return BlockTypeText }

// ThinkingBlock contains the agent's reasoning output.
type ThinkingBlock struct {
	Type      string `json:"type"`
	Thinking  string `json:"thinking"`
	Signature string `json:"signature"`
}

// BlockType implements the ContentBlock interface.
func (b *ThinkingBlock) BlockType() string { return BlockTypeThinking }

// ToolUseBlock represents a tool invocation nested in a conversational frame.
type ToolUseBlock struct {
	Type  string         `json:"type"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// BlockType implements the ContentBlock interface.
func (b *ToolUseBlock) BlockType() string { return BlockTypeToolUse }

// ToolResultBlock contains the result of a tool execution.
//
//nolint:tagliatelle // the agent wire protocol uses snake_case
type ToolResultBlock struct {
	Type      string         `json:"type"`
	ToolUseID string         `json:"tool_use_id"`
	Content   []ContentBlock `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// BlockType implements the ContentBlock interface.
func (b *ToolResultBlock) BlockType() string { return BlockTypeToolResult }

// UnmarshalJSON implements json.Unmarshaler. The peer sends tool result
// content either as a plain string or as an array of blocks; both decode
// into Content.
func (b *ToolResultBlock) UnmarshalJSON(data []byte) error {
	type fields ToolResultBlock

	var wire struct {
		fields
		Content json.RawMessage `json:"content,omitempty"`
	}

	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*b = ToolResultBlock(wire.fields)

	if len(wire.Content) == 0 || string(wire.Content) == "null" {
		return nil
	}

	if wire.Content[0] == '"' {
		var text string
		if err := json.Unmarshal(wire.Content, &text); err != nil {
			return err
		}

		b.Content = []ContentBlock{&TextBlock{Type: BlockTypeText, Text: text}}

		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(wire.Content, &items); err != nil {
		return err
	}

	blocks := make([]ContentBlock, 0, len(items))

	for _, item := range items {
		block, err := UnmarshalContentBlock(item)
		if err != nil {
			return err
		}

		blocks = append(blocks, block)
	}

	b.Content = blocks

	return nil
}

// UnmarshalContentBlock decodes one content block, dispatching on its type
// tag. Unrecognized tags decode as TextBlock so a newer peer cannot break
// the stream.
func UnmarshalContentBlock(data []byte) (ContentBlock, error) {
	var probe struct {
		Type string `json:"type"`
	}

	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	var block ContentBlock

	switch probe.Type {
	case BlockTypeThinking:
		block = &ThinkingBlock{}
	case BlockTypeToolUse:
		block = &ToolUseBlock{}
	case BlockTypeToolResult:
		block = &ToolResultBlock{}
	default:
		block = &TextBlock{}
	}

	if err := json.Unmarshal(data, block); err != nil {
		return nil, err
	}

	return block, nil
}
