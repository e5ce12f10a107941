// Package transport implements the framed, bidirectional RPC
// connection mesh nodes speak to each other over WebSocket.
package transport

import (
	"encoding/json"
	"fmt"
)

// FrameType distinguishes the three shapes a frame can take.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// MaxPayloadBytes bounds the size of any single frame.
const MaxPayloadBytes = 10 * 1024 * 1024 // 10 MiB

// FrameError is the structured shape of a failed response frame's
// error field: a wire-stable code a caller can switch on, a
// human-readable message, and optional machine-readable details.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *FrameError) Error() string { return e.Code + ": " + e.Message }

// Frame is the on-wire envelope for every message exchanged over a
// Conn: a request calling a method, a response correlated by id, or a
// fire-and-forget event.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
}

// Encode serializes a Frame, rejecting anything over MaxPayloadBytes.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(data) > MaxPayloadBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds max payload size %d", len(data), MaxPayloadBytes)
	}
	return data, nil
}

// Decode parses a Frame from wire bytes.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	return f, nil
}
