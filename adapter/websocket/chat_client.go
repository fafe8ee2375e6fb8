package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	agentlink "github.com/bjoelf/agentlink/adapter"
)

const chatChannel = "chat"

// Message is one user message for the agents
type Message struct {
	Text      string
	Context   json.RawMessage
	Streaming bool

	// Timeout overrides the configured request timeout when positive
	Timeout time.Duration

	// OnEvent receives status, chunk and warning events in frame order
	OnEvent EventHandler
}

// ChatClient multiplexes concurrent agent exchanges over the chat channel
type ChatClient struct {
	tokens oauth2.TokenSource
	clock  clockwork.Clock
	logger logrus.FieldLogger

	// Component managers
	connection *ConnectionManager
	correlator *Correlator
	dispatcher *Dispatcher
	activity   *ActivityTracker
}

// NewChatClient wires the chat channel. tokens is usually an
// *agentlink.SessionProvider.
func NewChatClient(cfg agentlink.Config, tokens oauth2.TokenSource, clock clockwork.Clock, logger logrus.FieldLogger) *ChatClient {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	client := &ChatClient{
		tokens: tokens,
		clock:  clock,
		logger: logger,
	}

	client.connection = NewConnectionManager(ManagerConfig{
		URL:              cfg.ChatURL(),
		Channel:          chatChannel,
		BaseDelay:        cfg.ReconnectBaseDelay,
		MaxDelay:         cfg.ReconnectMaxDelay,
		MaxAttempts:      cfg.MaxReconnectAttempts,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, tokens, clock, logger)

	warnAfter := cfg.WarnAfter
	if warnAfter == 0 {
		warnAfter = -1
	}
	client.activity = NewActivityTracker(cfg.ActivityRetention, clock)
	client.correlator = NewCorrelator(client.connection, clock, logger, CorrelatorOptions{
		Timeout:   cfg.RequestTimeout,
		WarnAfter: warnAfter,
		OnSettled: client.settled,
	})
	client.dispatcher = NewDispatcher(client.correlator, client.activity, logger)
	client.connection.OnMessage(client.handleMessage)

	return client
}

// Connect opens the chat channel; a no-op when already open
func (c *ChatClient) Connect(ctx context.Context) error {
	token, err := c.sessionToken()
	if err != nil {
		return err
	}
	return c.connection.connect(ctx, token)
}

// Send starts one exchange and returns immediately. The session token is
// fetched once and checked before anything touches the network; an on demand
// connect authenticates with that same token.
func (c *ChatClient) Send(ctx context.Context, msg Message) (*Exchange, error) {
	token, err := c.sessionToken()
	if err != nil {
		return nil, err
	}

	if !c.connection.IsConnected() {
		if err := c.connection.connect(ctx, token); err != nil {
			return nil, err
		}
	}

	return c.correlator.Send(Request{
		Message:      msg.Text,
		Context:      msg.Context,
		Streaming:    msg.Streaming,
		SessionToken: token.AccessToken,
		Timeout:      msg.Timeout,
		OnEvent:      msg.OnEvent,
	})
}

// Ask sends msg and waits for its terminal outcome
func (c *ChatClient) Ask(ctx context.Context, msg Message) (*Outcome, error) {
	exchange, err := c.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	return exchange.Wait(ctx)
}

// IsConnected returns current connection status
func (c *ChatClient) IsConnected() bool {
	return c.connection.IsConnected()
}

// State returns the chat channel state
func (c *ChatClient) State() agentlink.ConnectionState {
	return c.connection.State()
}

// Activity returns the agent activity tracker
func (c *ChatClient) Activity() *ActivityTracker {
	return c.activity
}

// Pending returns the number of exchanges awaiting an outcome
func (c *ChatClient) Pending() int {
	return c.correlator.Pending()
}

// Discarded counts frames dropped because their request was not pending
func (c *ChatClient) Discarded() uint64 {
	return c.correlator.Discarded()
}

// OnStateChange registers fn for chat channel state transitions
func (c *ChatClient) OnStateChange(fn func(agentlink.ConnectionState)) (remove func()) {
	return c.connection.OnStateChange(fn)
}

// Reset clears an exhausted reconnect budget
func (c *ChatClient) Reset() {
	c.connection.Reset()
}

// Close terminates the chat channel. Pending exchanges still end by their
// own timeout.
func (c *ChatClient) Close() error {
	return c.connection.Close()
}

// sessionToken fetches the current token and refuses an expired one
func (c *ChatClient) sessionToken() (*oauth2.Token, error) {
	return currentToken(c.tokens, c.clock.Now())
}

func (c *ChatClient) handleMessage(data []byte) {
	if err := c.dispatcher.ProcessMessage(data); err != nil {
		c.logger.WithFields(logrus.Fields{
			"function": "handleMessage",
			"error":    err,
		}).Warn("Dropping malformed chat frame")
	}
}

// settled closes out the activity of an exchange that ended without a
// complete frame (timeout, error)
func (c *ChatClient) settled(id string, err error) {
	if err != nil {
		c.activity.Fail(id)
	}
}
