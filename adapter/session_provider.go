package agentlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	// EarlyRenewal is how long before expiry the keeper replaces a session
	EarlyRenewal = 2 * time.Minute

	keeperRetryDelay = 30 * time.Second
	anonymousUserID  = "anonymous"
)

// SessionProvider issues, caches, validates and renews the session token.
// It is the only writer of token storage.
type SessionProvider struct {
	api      SessionAPI
	store    SessionStore
	identity Identity
	clock    clockwork.Clock
	logger   logrus.FieldLogger

	mu      sync.Mutex
	current *Session
	loaded  bool

	renewed       chan struct{}
	keeperRunning bool
}

var _ oauth2.TokenSource = (*SessionProvider)(nil)

// NewSessionProvider wires a provider. identity is the default hint used by
// Token and the keeper; GetOrCreateSession may override it per call.
func NewSessionProvider(api SessionAPI, store SessionStore, identity Identity, clock clockwork.Clock, logger logrus.FieldLogger) *SessionProvider {
	if store == nil {
		store = NewMemorySessionStore()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SessionProvider{
		api:      api,
		store:    store,
		identity: identity,
		clock:    clock,
		logger:   logger,
		renewed:  make(chan struct{}, 1),
	}
}

// GetOrCreateSession returns a token the server currently accepts, creating
// a new session when the cached one is missing, expired or rejected.
func (p *SessionProvider) GetOrCreateSession(ctx context.Context, identity *Identity) (string, error) {
	session, err := p.session(ctx, identity)
	if err != nil {
		return "", err
	}
	return session.Token, nil
}

// Token implements oauth2.TokenSource for the default identity
func (p *SessionProvider) Token() (*oauth2.Token, error) {
	session, err := p.session(context.Background(), nil)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: session.Token,
		TokenType:   "Bearer",
		Expiry:      session.ExpiresAt,
	}, nil
}

// Current returns the cached session without any network call
func (p *SessionProvider) Current() (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.loadLocked()
	if p.current == nil {
		return Session{}, false
	}
	return *p.current, true
}

// EndSession invalidates the session remotely on a best-effort basis. The
// local cache is cleared whatever the server says.
func (p *SessionProvider) EndSession(ctx context.Context, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.loadLocked()
	if token == "" && p.current != nil {
		token = p.current.Token
	}

	if token != "" {
		if err := p.api.End(ctx, token); err != nil {
			p.logger.WithFields(logrus.Fields{
				"function": "EndSession",
				"error":    err,
			}).Warn("Remote session end failed, clearing local session anyway")
		}
	}

	p.current = nil
	if err := p.store.Delete(); err != nil {
		return fmt.Errorf("failed to clear stored session: %w", err)
	}

	p.logger.WithField("function", "EndSession").Info("Session ended")
	return nil
}

func (p *SessionProvider) session(ctx context.Context, identity *Identity) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.loadLocked()

	if p.current != nil && p.current.Valid(p.clock.Now()) {
		valid, err := p.api.Validate(ctx, p.current.Token)
		if err != nil {
			p.logger.WithFields(logrus.Fields{
				"function": "session",
				"error":    err,
			}).Warn("Session validation failed, treating session as invalid")
			valid = false
		}
		// Validation takes a round trip; the expiry may have passed meanwhile.
		if valid && p.current.Valid(p.clock.Now()) {
			return *p.current, nil
		}
		p.logger.WithField("function", "session").Info("Cached session rejected, creating a new one")
	}

	return p.createLocked(ctx, identity)
}

func (p *SessionProvider) createLocked(ctx context.Context, identity *Identity) (Session, error) {
	hint := p.identity
	if identity != nil {
		hint = *identity
	}
	if hint.UserID == "" {
		hint.UserID = anonymousUserID
	}

	created, err := p.api.Create(ctx, hint)
	if err != nil {
		return Session{}, fmt.Errorf("failed to create session: %w", err)
	}

	session := Session{
		Token:     created.Token,
		ExpiresAt: p.clock.Now().Add(created.ExpiresIn),
	}
	p.current = &session

	if err := p.store.Save(session); err != nil {
		p.logger.WithFields(logrus.Fields{
			"function": "createLocked",
			"error":    err,
		}).Warn("Unable to persist session")
	}

	p.logger.WithFields(logrus.Fields{
		"function":   "createLocked",
		"user_id":    hint.UserID,
		"expires_at": session.ExpiresAt,
	}).Info("New session created")

	select {
	case p.renewed <- struct{}{}:
	default:
	}

	return session, nil
}

func (p *SessionProvider) loadLocked() {
	if p.loaded {
		return
	}
	p.loaded = true

	session, ok, err := p.store.Load()
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"function": "loadLocked",
			"error":    err,
		}).Warn("Unable to load stored session")
		return
	}
	if ok {
		p.current = &session
	}
}

// StartSessionKeeper renews the session EarlyRenewal before it expires until
// ctx is cancelled. Only the first call starts a keeper.
func (p *SessionProvider) StartSessionKeeper(ctx context.Context) {
	p.mu.Lock()
	if p.keeperRunning {
		p.mu.Unlock()
		return
	}
	p.keeperRunning = true
	p.mu.Unlock()

	p.logger.WithField("function", "StartSessionKeeper").Info("Session keeper started")

	go func() {
		defer func() {
			p.mu.Lock()
			p.keeperRunning = false
			p.mu.Unlock()
		}()

		retry := false
		for {
			var fire <-chan time.Time
			var timer clockwork.Timer
			if wait, ok := p.untilRenewal(retry); ok {
				timer = p.clock.NewTimer(wait)
				fire = timer.Chan()
			}

			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				p.logger.WithField("function", "StartSessionKeeper").Info("Session keeper stopped")
				return
			case <-p.renewed:
				if timer != nil {
					timer.Stop()
				}
				retry = false
			case <-fire:
				retry = !p.renew(ctx)
			}
		}
	}()
}

// untilRenewal reports how long to sleep before the next renewal. It returns
// false when there is no session to keep alive.
func (p *SessionProvider) untilRenewal(retry bool) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.loadLocked()
	if p.current == nil {
		return 0, false
	}
	if retry {
		return keeperRetryDelay, true
	}
	wait := p.current.ExpiresAt.Sub(p.clock.Now()) - EarlyRenewal
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (p *SessionProvider) renew(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.createLocked(ctx, nil); err != nil {
		p.logger.WithFields(logrus.Fields{
			"function": "renew",
			"error":    err,
		}).Error("Unable to renew session")
		return false
	}
	// createLocked signalled renewed; drain it so the loop just recomputes.
	select {
	case <-p.renewed:
	default:
	}
	return true
}
