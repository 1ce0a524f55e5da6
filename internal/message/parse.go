package message

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/wagiedev/agentpool-go/internal/errors"
)

// Parse converts a raw JSON frame into a typed Message.
//
// Frames of a known type that are structurally malformed return a
// FrameDecodeError; frames of an unrecognized type decode into Unknown so a
// newer peer cannot break the stream.
func Parse(log *slog.Logger, data map[string]any) (Message, error) {
	log = log.With("component", "message_parser")

	frameType, ok := data["type"].(string)
	if !ok {
		log.Debug("Frame missing 'type' field")

		return nil, &errors.FrameDecodeError{
			RawData: stringify(data),
			Err:     fmt.Errorf("missing or invalid 'type' field"),
		}
	}

	log.Debug("Parsing frame", "frame_type", frameType)

	var (
		msg Message
		err error
	)

	switch frameType {
	case "assistant":
		msg, err = parseAssistant(data)
	case "user":
		msg, err = parseUserEcho(data)
	case "tool_use":
		msg, err = parseToolUse(data)
	case "tool_result":
		msg, err = parseToolResult(data)
	case "control_request":
		msg, err = parseControlRequest(data)
	case "control_response":
		msg, err = parseControlResponse(data)
	case "system":
		msg, err = parseSystemEvent(data)
	case "result":
		msg, err = parseResultEvent(data)
	default:
		log.Debug("Preserving unknown frame type", "frame_type", frameType)

		return &Unknown{Type: frameType, Raw: data}, nil
	}

	if err != nil {
		return nil, &errors.FrameDecodeError{
			RawData: stringify(data),
			Err:     err,
		}
	}

	return msg, nil
}

func stringify(data map[string]any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}

	return string(raw)
}

// parseAssistant parses an Assistant message from raw JSON.
// The wire format has a nested "message" field containing content and model.
func parseAssistant(data map[string]any) (*Assistant, error) {
	messageData, ok := data["message"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("assistant frame: missing or invalid 'message' field")
	}

	msg := &Assistant{}

	if contentData, ok := messageData["content"].([]any); ok {
		content, err := parseContentBlocks(contentData)
		if err != nil {
			return nil, fmt.Errorf("parse assistant content: %w", err)
		}

		msg.Content = content
	}

	if model, ok := messageData["model"].(string); ok {
		msg.Model = model
	}

	// The peer reports assistant-level errors at the top of the frame
	if errVal, ok := data["error"].(string); ok {
		msg.Error = errVal
	}

	return msg, nil
}

// parseUserEcho parses a UserEcho message from raw JSON.
// Content may be a plain string or an array of blocks; strings are
// normalized to a single text block.
func parseUserEcho(data map[string]any) (*UserEcho, error) {
	messageData, ok := data["message"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("user frame: missing or invalid 'message' field")
	}

	contentData, ok := messageData["content"]
	if !ok {
		return nil, fmt.Errorf("user frame: missing content field")
	}

	switch content := contentData.(type) {
	case string:
		return &UserEcho{
			Content: []ContentBlock{&TextBlock{Type: BlockTypeText, Text: content}},
		}, nil
	case []any:
		blocks, err := parseContentBlocks(content)
		if err != nil {
			return nil, fmt.Errorf("parse user content: %w", err)
		}

		return &UserEcho{Content: blocks}, nil
	default:
		return nil, fmt.Errorf("user frame: content is neither string nor array")
	}
}

// parseToolUse parses a standalone ToolUse frame.
func parseToolUse(data map[string]any) (*ToolUse, error) {
	name, ok := data["name"].(string)
	if !ok {
		return nil, fmt.Errorf("tool_use frame: missing or invalid 'name' field")
	}

	msg := &ToolUse{Name: name}

	if id, ok := data["id"].(string); ok {
		msg.ID = id
	}

	if input, ok := data["input"].(map[string]any); ok {
		msg.Input = input
	}

	return msg, nil
}

// parseToolResult parses a standalone ToolResult frame.
func parseToolResult(data map[string]any) (*ToolResult, error) {
	toolUseID, ok := data["tool_use_id"].(string)
	if !ok {
		return nil, fmt.Errorf("tool_result frame: missing or invalid 'tool_use_id' field")
	}

	msg := &ToolResult{ToolUseID: toolUseID}

	if isError, ok := data["is_error"].(bool); ok {
		msg.IsError = isError
	}

	if contentData, ok := data["content"].([]any); ok {
		content, err := parseContentBlocks(contentData)
		if err != nil {
			return nil, fmt.Errorf("parse tool result content: %w", err)
		}

		msg.Content = content
	}

	return msg, nil
}

// parseControlRequest parses a ControlRequest frame: request_id at the top
// level, request data nested.
func parseControlRequest(data map[string]any) (*ControlRequest, error) {
	requestID, ok := data["request_id"].(string)
	if !ok {
		return nil, fmt.Errorf("control_request frame: missing or invalid 'request_id' field")
	}

	requestData, ok := data["request"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("control_request frame: missing or invalid 'request' field")
	}

	return &ControlRequest{RequestID: requestID, Request: requestData}, nil
}

// parseControlResponse parses a ControlResponse frame.
func parseControlResponse(data map[string]any) (*ControlResponse, error) {
	responseData, ok := data["response"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("control_response frame: missing or invalid 'response' field")
	}

	return &ControlResponse{Response: responseData}, nil
}

// parseSystemEvent parses a "system" frame into a Lifecycle event.
// The peer sends event fields at the frame root, not nested under "data".
func parseSystemEvent(data map[string]any) (*Lifecycle, error) {
	subtype, ok := data["subtype"].(string)
	if !ok {
		return nil, fmt.Errorf("system frame: missing or invalid 'subtype' field")
	}

	msg := &Lifecycle{Event: subtype}

	msg.Data = make(map[string]any, len(data))

	for k, v := range data {
		if k != "type" && k != "subtype" {
			msg.Data[k] = v
		}
	}

	return msg, nil
}

// parseResultEvent parses a "result" frame into the terminal done event.
func parseResultEvent(data map[string]any) (*Lifecycle, error) {
	if _, ok := data["subtype"].(string); !ok {
		return nil, fmt.Errorf("result frame: missing or invalid 'subtype' field")
	}

	msg := &Lifecycle{Event: LifecycleDone}

	if isError, ok := data["is_error"].(bool); ok {
		msg.IsError = isError
	}

	msg.Data = make(map[string]any, len(data))

	for k, v := range data {
		if k != "type" {
			msg.Data[k] = v
		}
	}

	return msg, nil
}

// parseContentBlocks parses an array of content blocks.
func parseContentBlocks(data []any) ([]ContentBlock, error) {
	blocks := make([]ContentBlock, 0, len(data))

	for i, item := range data {
		blockData, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("content block %d: not an object", i)
		}

		raw, err := json.Marshal(blockData)
		if err != nil {
			return nil, fmt.Errorf("content block %d: %w", i, err)
		}

		block, err := UnmarshalContentBlock(raw)
		if err != nil {
			return nil, fmt.Errorf("content block %d: %w", i, err)
		}

		blocks = append(blocks, block)
	}

	return blocks, nil
}
