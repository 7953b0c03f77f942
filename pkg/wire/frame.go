// Package wire defines the broker↔agent frame protocol.
//
// Every frame is a JSON object { "type": <enum>, "payload": <object> }.
// The transport carries one frame per WebSocket text message, which provides
// the length delimiting.
package wire

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates the payload shape of a Frame.
type FrameType string

// Broker → agent frames.
const (
	FrameTaskSubmit          FrameType = "task-submit"
	FrameTaskCancel          FrameType = "task-cancel"
	FrameDeployRequest       FrameType = "deploy-request"
	FramePathValidateRequest FrameType = "path-validate-request"
	FrameSystemRestart       FrameType = "system-restart"
)

// Agent → broker frames.
const (
	FrameTaskAck            FrameType = "task-ack"
	FrameTaskProgress       FrameType = "task-progress"
	FrameTaskStream         FrameType = "task-stream"
	FrameTaskComplete       FrameType = "task-complete"
	FrameTaskError          FrameType = "task-error"
	FrameTaskCancelled      FrameType = "task-cancelled"
	FrameDeployResult       FrameType = "deploy-result"
	FramePathValidateResult FrameType = "path-validate-result"
	FrameAgentStatus        FrameType = "agent-status"
)

// Frame is the envelope for all broker↔agent messages.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewFrame builds a frame of the given type from a payload struct.
func NewFrame(t FrameType, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Frame{Type: t, Payload: data}, nil
}

// MustFrame is NewFrame for payloads that cannot fail to marshal.
// It panics on error and is intended for static payload structs.
func MustFrame(t FrameType, payload any) *Frame {
	f, err := NewFrame(t, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// Parse decodes a raw frame. The payload is left undecoded; callers use
// DecodePayload once they have switched on Type.
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("parse frame: missing type")
	}
	return &f, nil
}

// Encode serializes the frame for the transport.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodePayload parses the payload into the given struct.
func (f *Frame) DecodePayload(v any) error {
	if f.Payload == nil {
		return nil
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}
