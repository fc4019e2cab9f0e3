package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go-chat-client/internal/naming"
)

// FrameType names a realtime envelope.
type FrameType string

const (
	FrameConnected FrameType = "connected"
	FrameMessage   FrameType = "message"
	FrameAck       FrameType = "ack"
	FrameDelivered FrameType = "delivered"
	FrameError     FrameType = "error"
)

// Frame is the realtime envelope. Field names are internal camelCase; the
// wire form is snake_case.
type Frame struct {
	Type      FrameType       `json:"type"`
	ClientID  string          `json:"clientId,omitempty"`
	RoomID    int             `json:"roomId,omitempty"`
	MessageID int             `json:"messageId,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// EncodeFrame renders a frame in wire form.
func EncodeFrame(frame Frame) ([]byte, error) {
	encoded, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("realtime: encode %s frame: %w", frame.Type, err)
	}
	return naming.ToWire(encoded)
}

// DecodeFrames parses one websocket payload. A payload may carry several
// newline-separated frames when the peer batched its queue.
func DecodeFrames(payload []byte) ([]Frame, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	var frames []Frame
	for {
		var raw json.RawMessage
		err := decoder.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("realtime: decode frame: %w", err)
		}
		internal, err := naming.ToInternal(raw)
		if err != nil {
			return frames, err
		}
		var frame Frame
		if err := json.Unmarshal(internal, &frame); err != nil {
			return frames, fmt.Errorf("realtime: decode frame: %w", err)
		}
		if frame.Type == "" {
			return frames, fmt.Errorf("realtime: frame without a type")
		}
		frames = append(frames, frame)
	}
}
