package agentlink

import (
	"context"
)

// ============================================================================
// INTERFACES - collaborators of the session layer
// ============================================================================
// SessionProvider talks to the server and the disk only through these.
// ============================================================================

// SessionAPI is the request/response session service. It is separate from
// the streaming channel.
type SessionAPI interface {
	Create(ctx context.Context, identity Identity) (CreatedSession, error)
	Validate(ctx context.Context, token string) (bool, error)
	End(ctx context.Context, token string) error
}

// SessionStore persists the current session locally. Load reports false
// when nothing is stored.
type SessionStore interface {
	Load() (Session, bool, error)
	Save(session Session) error
	Delete() error
}
