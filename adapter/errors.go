package agentlink

import (
	"errors"
	"fmt"
)

// Sentinel errors. The messages are user-facing: the UI collaborator shows
// them verbatim, so keep them short.
var (
	ErrSessionRequired    = errors.New("Session token is required. Please reconnect to start a new session")
	ErrSessionExpired     = errors.New("Session token has expired")
	ErrNotConnected       = errors.New("not connected")
	ErrRequestTimeout     = errors.New("Request timeout")
	ErrReconnectExhausted = errors.New("maximum reconnection attempts reached")
)

// SessionError reports a missing, empty or expired token detected before any
// network call. It is never retried.
type SessionError struct {
	Err error
}

func (e *SessionError) Error() string { return e.Err.Error() }
func (e *SessionError) Unwrap() error { return e.Err }

// ConnectionError reports a transport level failure on a channel.
type ConnectionError struct {
	Channel string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Channel == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s channel: %v", e.Channel, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError is returned to the one caller whose exchange saw no terminal
// frame before its deadline.
type TimeoutError struct {
	CorrelationID string
}

func (e *TimeoutError) Error() string { return ErrRequestTimeout.Error() }
func (e *TimeoutError) Unwrap() error { return ErrRequestTimeout }

// ProtocolError carries the text of an explicit error frame from the server.
type ProtocolError struct {
	CorrelationID string
	Message       string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return "server reported an error"
	}
	return e.Message
}

// UserMessage reduces any error from this module to the short human readable
// reason shown at the UI boundary.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		sessionErr  *SessionError
		timeoutErr  *TimeoutError
		protocolErr *ProtocolError
		connErr     *ConnectionError
	)
	switch {
	case errors.As(err, &sessionErr):
		return sessionErr.Error()
	case errors.As(err, &timeoutErr):
		return timeoutErr.Error()
	case errors.As(err, &protocolErr):
		return protocolErr.Error()
	case errors.As(err, &connErr):
		if errors.Is(err, ErrReconnectExhausted) {
			return "Connection lost. Please refresh to reconnect"
		}
		return "Not connected to the chat server"
	default:
		return err.Error()
	}
}
