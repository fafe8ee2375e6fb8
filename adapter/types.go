package agentlink

import (
	"time"
)

// Session is the cached credential for the streaming channel.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the session may still be presented at now.
func (s Session) Valid(now time.Time) bool {
	return s.Token != "" && s.ExpiresAt.After(now)
}

// Identity is the optional hint sent when a new session is created.
type Identity struct {
	UserID        string `json:"user_id"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

// CreatedSession is what the create endpoint hands back.
type CreatedSession struct {
	Token     string
	ExpiresIn time.Duration
}

// ConnectionState of one logical channel.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateErrored
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}
