// Package codec implements the framing layer of the agent control protocol:
// newline-delimited JSON frames over the subprocess's standard streams.
//
// Encoding produces one complete frame per outbound command. Decoding is
// stateful across partial reads within one stream and resynchronizes at the
// next frame boundary after a malformed or oversized frame, so a single bad
// frame never corrupts the rest of the stream.
package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/wagiedev/agentpool-go/internal/errors"
	"github.com/wagiedev/agentpool-go/internal/message"
)

// DefaultMaxFrameSize is the maximum accepted size of a single frame (1 MiB).
// The subprocess is a partially-trusted peer; every read is bounded.
const DefaultMaxFrameSize = 1024 * 1024

// Control request subtypes the host sends to the peer.
const (
	SubtypeInitialize = "initialize"
	SubtypeInterrupt  = "interrupt"
)

// NewRequestID generates a unique id for correlating control traffic.
func NewRequestID() string {
	return ulid.Make().String()
}

// InitConfig is the session configuration carried by the init command.
//
//nolint:tagliatelle // the agent wire protocol uses snake_case
type InitConfig struct {
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	MaxTurns        int      `json:"max_turns,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	DisallowedTools []string `json:"disallowed_tools,omitempty"`
	PermissionMode  string   `json:"permission_mode,omitempty"`
}

// EncodeInit encodes the session configuration command sent first on every
// new session's input stream.
func EncodeInit(requestID string, cfg *InitConfig) ([]byte, error) {
	payload := map[string]any{"subtype": SubtypeInitialize}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal init config: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal init config: %w", err)
	}

	for k, v := range fields {
		payload[k] = v
	}

	return encodeControlRequest(requestID, payload)
}

// EncodePrompt encodes a new user prompt as a streaming user message frame.
func EncodePrompt(text string) ([]byte, error) {
	frame := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
	}

	return marshalFrame(frame)
}

// EncodeInterrupt encodes the command that cancels the peer's in-flight turn.
func EncodeInterrupt(requestID string) ([]byte, error) {
	return encodeControlRequest(requestID, map[string]any{"subtype": SubtypeInterrupt})
}

// EncodeControlResponse encodes the host's answer to a peer-issued control
// request. A non-empty errMsg produces an error response; otherwise payload
// is sent as a success response.
func EncodeControlResponse(requestID string, payload map[string]any, errMsg string) ([]byte, error) {
	var response map[string]any

	if errMsg != "" {
		response = map[string]any{
			"subtype":    "error",
			"request_id": requestID,
			"error":      errMsg,
		}
	} else {
		response = map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   payload,
		}
	}

	return marshalFrame(map[string]any{
		"type":     "control_response",
		"response": response,
	})
}

func encodeControlRequest(requestID string, request map[string]any) ([]byte, error) {
	return marshalFrame(map[string]any{
		"type":       "control_request",
		"request_id": requestID,
		"request":    request,
	})
}

func marshalFrame(frame map[string]any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}

	return append(data, '\n'), nil
}

// Decoder reads frames from a byte stream, buffering incomplete frames until
// a full frame boundary arrives.
type Decoder struct {
	log          *slog.Logger
	r            *bufio.Reader
	maxFrameSize int
}

// NewDecoder creates a Decoder over r. maxFrameSize bounds a single frame;
// pass 0 for DefaultMaxFrameSize.
func NewDecoder(log *slog.Logger, r io.Reader, maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	return &Decoder{
		log:          log.With("component", "codec"),
		r:            bufio.NewReader(r),
		maxFrameSize: maxFrameSize,
	}
}

// Next returns the next decoded message and its encoded size in bytes.
//
// A malformed or oversized frame returns a FrameDecodeError for that frame
// only; subsequent calls continue from the next frame boundary. Next returns
// io.EOF when the stream is exhausted, and the underlying read error for any
// other stream failure.
func (d *Decoder) Next() (message.Message, int, error) {
	for {
		line, err := d.readFrame()
		if err != nil {
			return nil, 0, err
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var raw map[string]any
		if err := json.Unmarshal(line, &raw); err != nil {
			d.log.Debug("Malformed frame", "error", err, "frame", string(line))

			return nil, 0, &errors.FrameDecodeError{RawData: string(line), Err: err}
		}

		msg, err := message.Parse(d.log, raw)
		if err != nil {
			return nil, 0, err
		}

		return msg, len(line), nil
	}
}

// readFrame reads bytes up to the next newline, enforcing the frame size cap.
// An oversized frame is discarded through its boundary so the next call
// starts clean.
func (d *Decoder) readFrame() ([]byte, error) {
	var frame []byte

	for {
		chunk, err := d.r.ReadSlice('\n')

		frame = append(frame, chunk...)

		switch {
		case err == nil:
			if len(frame) > d.maxFrameSize {
				// Already consumed through the boundary; next call starts clean.
				return nil, &errors.FrameDecodeError{
					RawData: fmt.Sprintf("frame truncated at %d bytes", len(frame)),
					Err:     errors.ErrFrameTooLarge,
				}
			}

			return frame, nil

		case err == bufio.ErrBufferFull:
			if len(frame) > d.maxFrameSize {
				d.discardFrame()

				return nil, &errors.FrameDecodeError{
					RawData: fmt.Sprintf("frame truncated at %d bytes", len(frame)),
					Err:     errors.ErrFrameTooLarge,
				}
			}

		case err == io.EOF && len(frame) > 0:
			// Final unterminated frame
			return frame, nil

		default:
			return nil, err
		}
	}
}

// discardFrame skips input through the next newline.
func (d *Decoder) discardFrame() {
	for {
		_, err := d.r.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return
		}
	}
}
