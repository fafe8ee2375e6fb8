package websocket

import (
	"encoding/json"
	"time"
)

// websocketMessage wraps a WebSocket message with metadata for the separated
// reader/processor goroutines. A non-nil Err is the reader's final report.
type websocketMessage struct {
	MessageType int       // WebSocket message type (Text, Binary)
	Data        []byte    // Message payload (copied to prevent buffer reuse issues)
	ReceivedAt  time.Time // Timestamp when message was received
	Err         error
}

// Wire frame types
const (
	FrameChat       = "chat"
	FrameStatus     = "status"
	FrameChunk      = "chunk"
	FrameComplete   = "complete"
	FrameError      = "error"
	FrameAIResponse = "ai_response"
)

// Frame is one JSON message on the chat channel
type Frame struct {
	Type          string          `json:"type"`
	MessageID     string          `json:"messageId,omitempty"`
	Message       string          `json:"message,omitempty"`
	Content       string          `json:"content,omitempty"`
	Agent         string          `json:"agent,omitempty"`
	Suggestions   []string        `json:"suggestions,omitempty"`
	LearningLevel *int            `json:"learning_level,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	Streaming     bool            `json:"streaming,omitempty"`
}

// FrameKind is the dispatcher's classification of an inbound frame
type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindStatus
	KindChunk
	KindComplete
	KindError
	KindResponse
)

func (k FrameKind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindChunk:
		return "chunk"
	case KindComplete:
		return "complete"
	case KindError:
		return "error"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Terminal reports whether a frame of this kind ends an exchange
func (k FrameKind) Terminal() bool {
	return k == KindComplete || k == KindError || k == KindResponse
}

// Event is one non-terminal notification for an exchange. The concrete type
// tells what happened.
type Event interface {
	isEvent()
}

// StatusEvent reports agent progress
type StatusEvent struct {
	Agent   string
	Message string
}

// ChunkEvent carries one increment of streamed content. Accumulating chunks
// is the caller's job.
type ChunkEvent struct {
	Content string
}

// WarningEvent fires once when an exchange has been pending for WarnAfter
type WarningEvent struct {
	Elapsed time.Duration
}

func (StatusEvent) isEvent()  {}
func (ChunkEvent) isEvent()   {}
func (WarningEvent) isEvent() {}

// EventHandler receives the events of one exchange, in frame order
type EventHandler func(Event)

// Outcome is the successful terminal result of an exchange
type Outcome struct {
	CorrelationID string
	Content       string
	Suggestions   []string
	LearningLevel int
	Context       json.RawMessage
}

// ActivityStatus of a tracked agent step
type ActivityStatus string

const (
	ActivityActive    ActivityStatus = "active"
	ActivityCompleted ActivityStatus = "completed"
	ActivityError     ActivityStatus = "error"
)

// AgentActivity is one progress entry recorded from a status frame
type AgentActivity struct {
	ExchangeID string
	Agent      string
	Message    string
	Timestamp  time.Time
	Status     ActivityStatus
}

// PortfolioUpdate is one message on the per-user portfolio channel
type PortfolioUpdate struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	TotalValue float64   `json:"total_value"`
	Change24h  float64   `json:"change_24h"`
	Holdings   []Holding `json:"holdings,omitempty"`
	Timestamp  string    `json:"timestamp,omitempty"`
}

// Holding is one position inside a PortfolioUpdate
type Holding struct {
	Symbol string  `json:"symbol"`
	Amount float64 `json:"amount"`
	Value  float64 `json:"value"`
}
