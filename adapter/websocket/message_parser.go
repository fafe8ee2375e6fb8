package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseFrame decodes one text message from the chat channel and classifies it
//
// Frame kinds:
// - status:      agent progress, non-terminal
// - chunk:       incremental content, non-terminal
// - complete:    end of a streaming exchange (suggestions, learning_level)
// - ai_response: single-shot reply
// - error:       server-side failure for one exchange
func parseFrame(data []byte) (*Frame, FrameKind, error) {
	if len(data) == 0 {
		return nil, KindUnknown, fmt.Errorf("empty frame")
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, KindUnknown, fmt.Errorf("failed to decode frame: %w", err)
	}

	return &frame, classifyFrame(frame.Type), nil
}

// classifyFrame maps the wire type to a FrameKind
func classifyFrame(frameType string) FrameKind {
	switch strings.ToLower(frameType) {
	case FrameStatus:
		return KindStatus
	case FrameChunk:
		return KindChunk
	case FrameComplete:
		return KindComplete
	case FrameError:
		return KindError
	case FrameAIResponse, "response":
		return KindResponse
	default:
		return KindUnknown
	}
}

// text returns the frame's payload, whichever of message/content carries it
func (f *Frame) text() string {
	if f.Content != "" {
		return f.Content
	}
	return f.Message
}

// String provides a debug representation
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type:%s, MessageID:%s, PayloadSize:%d}",
		f.Type, f.MessageID, len(f.text()))
}
