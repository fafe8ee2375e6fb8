package websocket

import (
	"fmt"

	"github.com/sirupsen/logrus"

	agentlink "github.com/bjoelf/agentlink/adapter"
)

// Dispatcher routes inbound chat frames to the correlator and the activity
// tracker. It runs on the connection's processor goroutine, one frame at a
// time.
type Dispatcher struct {
	correlator *Correlator
	activity   *ActivityTracker
	logger     logrus.FieldLogger
}

// NewDispatcher creates a dispatcher. activity may be nil.
func NewDispatcher(correlator *Correlator, activity *ActivityTracker, logger logrus.FieldLogger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		correlator: correlator,
		activity:   activity,
		logger:     logger,
	}
}

// ProcessMessage parses one frame and routes it by kind. Frames for requests
// that are not pending have no side effects.
func (d *Dispatcher) ProcessMessage(message []byte) error {
	frame, kind, err := parseFrame(message)
	if err != nil {
		return fmt.Errorf("failed to parse chat frame: %w", err)
	}

	if frame.MessageID == "" {
		d.logger.WithFields(logrus.Fields{
			"function": "ProcessMessage",
			"type":     frame.Type,
		}).Warn("Frame without messageId, ignoring")
		return nil
	}

	switch kind {
	case KindStatus:
		d.handleStatus(frame)
	case KindChunk:
		d.handleChunk(frame)
	case KindComplete, KindResponse:
		d.handleComplete(frame)
	case KindError:
		d.handleError(frame)
	default:
		d.logger.WithFields(logrus.Fields{
			"function":   "ProcessMessage",
			"type":       frame.Type,
			"message_id": frame.MessageID,
		}).Warn("Unknown frame type")
	}
	return nil
}

// handleStatus records agent progress and forwards it to the caller. The
// entry is recorded under the exchange lock so a concurrent timeout either
// sees it or prevents it.
func (d *Dispatcher) handleStatus(frame *Frame) {
	d.correlator.deliverWith(frame.MessageID, StatusEvent{
		Agent:   frame.Agent,
		Message: frame.Message,
	}, func() {
		if d.activity != nil {
			d.activity.Record(frame.MessageID, frame.Agent, frame.Message)
		}
	})
}

// handleChunk forwards one increment; chunks are never buffered here
func (d *Dispatcher) handleChunk(frame *Frame) {
	d.correlator.Deliver(frame.MessageID, ChunkEvent{Content: frame.text()})
}

// handleComplete settles a streaming exchange (complete) or a single shot
// one (ai_response)
func (d *Dispatcher) handleComplete(frame *Frame) {
	outcome := &Outcome{
		Content:     frame.text(),
		Suggestions: frame.Suggestions,
		Context:     frame.Context,
	}
	if frame.LearningLevel != nil {
		outcome.LearningLevel = *frame.LearningLevel
	}

	resolved := d.correlator.resolveWith(frame.MessageID, outcome, func() {
		if d.activity != nil {
			d.activity.Complete(frame.MessageID)
		}
	})
	if !resolved {
		return
	}

	d.logger.WithFields(logrus.Fields{
		"function":    "handleComplete",
		"message_id":  frame.MessageID,
		"suggestions": len(outcome.Suggestions),
	}).Debug("Exchange resolved")
}

func (d *Dispatcher) handleError(frame *Frame) {
	d.correlator.rejectWith(frame.MessageID, &agentlink.ProtocolError{
		CorrelationID: frame.MessageID,
		Message:       frame.text(),
	}, func() {
		if d.activity != nil {
			d.activity.Fail(frame.MessageID)
		}
	})
}
