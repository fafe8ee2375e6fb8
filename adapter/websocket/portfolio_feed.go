package websocket

import (
	"context"
	"encoding/json"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	agentlink "github.com/bjoelf/agentlink/adapter"
)

const (
	portfolioChannel = "portfolio"
	updateBuffer     = 100
)

// PortfolioFeed streams live portfolio updates for one user over its own
// connection.
type PortfolioFeed struct {
	userID     string
	connection *ConnectionManager
	logger     logrus.FieldLogger

	// Channel coordination - feeds consumers
	updates chan PortfolioUpdate
}

// NewPortfolioFeed creates the feed for userID
func NewPortfolioFeed(cfg agentlink.Config, userID string, tokens oauth2.TokenSource, clock clockwork.Clock, logger logrus.FieldLogger) *PortfolioFeed {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	feed := &PortfolioFeed{
		userID:  userID,
		logger:  logger.WithField("user_id", userID),
		updates: make(chan PortfolioUpdate, updateBuffer),
	}

	feed.connection = NewConnectionManager(ManagerConfig{
		URL:              cfg.PortfolioURL(userID),
		Channel:          portfolioChannel,
		BaseDelay:        cfg.ReconnectBaseDelay,
		MaxDelay:         cfg.ReconnectMaxDelay,
		MaxAttempts:      cfg.MaxReconnectAttempts,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, tokens, clock, logger)
	feed.connection.OnMessage(feed.handleMessage)

	return feed
}

// Connect opens the portfolio channel
func (f *PortfolioFeed) Connect(ctx context.Context) error {
	return f.connection.Connect(ctx)
}

// Updates delivers decoded updates. The channel is never closed; stop
// reading when your context ends.
func (f *PortfolioFeed) Updates() <-chan PortfolioUpdate {
	return f.updates
}

// IsConnected returns current connection status
func (f *PortfolioFeed) IsConnected() bool {
	return f.connection.IsConnected()
}

// State returns the portfolio channel state
func (f *PortfolioFeed) State() agentlink.ConnectionState {
	return f.connection.State()
}

// OnStateChange registers fn for portfolio channel state transitions
func (f *PortfolioFeed) OnStateChange(fn func(agentlink.ConnectionState)) (remove func()) {
	return f.connection.OnStateChange(fn)
}

// Close terminates the portfolio channel
func (f *PortfolioFeed) Close() error {
	return f.connection.Close()
}

func (f *PortfolioFeed) handleMessage(data []byte) {
	var update PortfolioUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		f.logger.WithFields(logrus.Fields{
			"function": "handleMessage",
			"error":    err,
		}).Warn("Failed to decode portfolio update")
		return
	}
	if update.UserID == "" {
		update.UserID = f.userID
	}

	// Send to channel (non-blocking)
	select {
	case f.updates <- update:
		f.logger.WithFields(logrus.Fields{
			"function":    "handleMessage",
			"total_value": update.TotalValue,
		}).Debug("Portfolio update sent")
	default:
		f.logger.WithField("function", "handleMessage").Warn("Portfolio update channel full, dropping update")
	}
}
