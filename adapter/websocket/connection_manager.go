package websocket

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	agentlink "github.com/bjoelf/agentlink/adapter"
)

const (
	defaultBaseDelay        = time.Second
	defaultMaxDelay         = 30 * time.Second
	defaultMaxAttempts      = 5
	defaultHandshakeTimeout = 10 * time.Second

	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	incomingBuffer  = 100
)

// ManagerConfig describes one logical channel
type ManagerConfig struct {
	URL              string
	Channel          string
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
	TLSConfig        *tls.Config
}

// ConnectionManager owns the single persistent connection of one logical
// channel and reconnects it with exponential backoff after abnormal closes.
// Build one per channel at startup and pass it to whoever needs it.
type ConnectionManager struct {
	cfg    ManagerConfig
	tokens oauth2.TokenSource
	clock  clockwork.Clock
	logger logrus.FieldLogger

	// connectMu serialises dial attempts (explicit Connect and timer driven
	// reconnects)
	connectMu sync.Mutex

	mu             sync.Mutex
	state          agentlink.ConnectionState
	conn           *websocket.Conn
	contextID      string
	failures       int
	reconnectTimer clockwork.Timer
	reconnectGen   uint64

	writeMu sync.Mutex
	wg      sync.WaitGroup

	messageListeners listenerSet[[]byte]
	stateListeners   listenerSet[agentlink.ConnectionState]
}

// NewConnectionManager creates an idle manager. tokens is consulted on every
// dial so reconnects always present a fresh session token.
func NewConnectionManager(cfg ManagerConfig, tokens oauth2.TokenSource, clock clockwork.Clock, logger logrus.FieldLogger) *ConnectionManager {
	if cfg.Channel == "" {
		cfg.Channel = "chat"
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &ConnectionManager{
		cfg:    cfg,
		tokens: tokens,
		clock:  clock,
		logger: logger.WithField("channel", cfg.Channel),
		state:  agentlink.StateIdle,
	}
}

// Connect opens the connection. It is a no-op while already open. After the
// retry budget is exhausted it fails until Reset is called.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	return cm.connect(ctx, nil)
}

// connect dials with token, or with a fresh one from the token source when
// token is nil
func (cm *ConnectionManager) connect(ctx context.Context, token *oauth2.Token) error {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	cm.mu.Lock()
	switch cm.state {
	case agentlink.StateOpen:
		cm.mu.Unlock()
		cm.logger.WithField("function", "Connect").Debug("Connection already established")
		return nil
	case agentlink.StateErrored:
		cm.mu.Unlock()
		return &agentlink.ConnectionError{Channel: cm.cfg.Channel, Err: agentlink.ErrReconnectExhausted}
	}
	cm.stopReconnectTimerLocked()
	notify := cm.transitionLocked(agentlink.StateConnecting)
	cm.mu.Unlock()
	notify()

	cm.logger.WithFields(logrus.Fields{
		"function": "Connect",
		"url":      cm.cfg.URL,
	}).Info("Establishing WebSocket connection")

	conn, contextID, err := cm.dial(ctx, token)

	cm.mu.Lock()
	if cm.state != agentlink.StateConnecting {
		// Disconnect won the race
		cm.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return &agentlink.ConnectionError{Channel: cm.cfg.Channel, Err: agentlink.ErrNotConnected}
	}
	var sessionErr *agentlink.SessionError
	if errors.As(err, &sessionErr) {
		// No point retrying without a usable token
		notify = cm.transitionLocked(agentlink.StateIdle)
		cm.mu.Unlock()
		notify()
		return err
	}
	if err != nil {
		notify = cm.recordFailureLocked(err)
		cm.mu.Unlock()
		notify()
		return &agentlink.ConnectionError{Channel: cm.cfg.Channel, Err: err}
	}
	notify = cm.installLocked(conn, contextID)
	cm.mu.Unlock()
	notify()

	return nil
}

// Send writes v as one JSON text frame. It fails immediately when the
// channel is not open; nothing is queued.
func (cm *ConnectionManager) Send(v any) error {
	cm.mu.Lock()
	state, conn := cm.state, cm.conn
	cm.mu.Unlock()

	if state != agentlink.StateOpen || conn == nil {
		return &agentlink.ConnectionError{Channel: cm.cfg.Channel, Err: agentlink.ErrNotConnected}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	cm.writeMu.Lock()
	defer cm.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &agentlink.ConnectionError{Channel: cm.cfg.Channel, Err: fmt.Errorf("write failed: %w", err)}
	}
	return nil
}

// Disconnect closes deliberately with a normal-closure code and cancels any
// pending reconnect.
func (cm *ConnectionManager) Disconnect() error {
	cm.mu.Lock()
	cm.stopReconnectTimerLocked()
	conn := cm.conn
	cm.conn = nil
	cm.failures = 0
	notify := func() {}
	if conn != nil {
		notify = cm.transitionLocked(agentlink.StateClosing)
	}
	cm.mu.Unlock()
	notify()

	var closeErr error
	if conn != nil {
		cm.logger.WithField("function", "Disconnect").Info("Closing WebSocket connection")

		err := conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		if err != nil {
			cm.logger.WithFields(logrus.Fields{
				"function": "Disconnect",
				"error":    err,
			}).Debug("Error sending close message")
		}
		closeErr = conn.Close()
	}

	cm.mu.Lock()
	notify = cm.transitionLocked(agentlink.StateIdle)
	cm.mu.Unlock()
	notify()

	return closeErr
}

// Close disconnects and waits for the reader and processor goroutines
func (cm *ConnectionManager) Close() error {
	err := cm.Disconnect()

	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		cm.logger.WithField("function", "Close").Warn("Goroutine exit timeout (forced shutdown)")
	}
	return err
}

// Reset leaves the Errored state so Connect may be tried again
func (cm *ConnectionManager) Reset() {
	cm.mu.Lock()
	if cm.state != agentlink.StateErrored {
		cm.mu.Unlock()
		return
	}
	cm.failures = 0
	notify := cm.transitionLocked(agentlink.StateIdle)
	cm.mu.Unlock()
	notify()
}

// State returns the current connection state
func (cm *ConnectionManager) State() agentlink.ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected returns current connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == agentlink.StateOpen
}

// ContextID identifies the current connection; empty when not open
func (cm *ConnectionManager) ContextID() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.contextID
}

// Failures is the number of consecutive failed connection attempts
func (cm *ConnectionManager) Failures() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.failures
}

// Channel returns the logical channel name
func (cm *ConnectionManager) Channel() string {
	return cm.cfg.Channel
}

// OnMessage registers fn for every inbound data frame, in arrival order
func (cm *ConnectionManager) OnMessage(fn func([]byte)) (remove func()) {
	return cm.messageListeners.add(fn)
}

// OnStateChange registers fn for connection state transitions
func (cm *ConnectionManager) OnStateChange(fn func(agentlink.ConnectionState)) (remove func()) {
	return cm.stateListeners.add(fn)
}

// currentToken fetches a token from tokens and refuses a missing or expired one
func currentToken(tokens oauth2.TokenSource, now time.Time) (*oauth2.Token, error) {
	if tokens == nil {
		return nil, &agentlink.SessionError{Err: agentlink.ErrSessionRequired}
	}
	token, err := tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to get session token: %w", err)
	}
	if token == nil || token.AccessToken == "" {
		return nil, &agentlink.SessionError{Err: agentlink.ErrSessionRequired}
	}
	if !token.Expiry.IsZero() && !token.Expiry.After(now) {
		return nil, &agentlink.SessionError{Err: agentlink.ErrSessionExpired}
	}
	return token, nil
}

func (cm *ConnectionManager) dial(ctx context.Context, token *oauth2.Token) (*websocket.Conn, string, error) {
	if token == nil {
		var err error
		if token, err = currentToken(cm.tokens, cm.clock.Now()); err != nil {
			return nil, "", err
		}
	}

	contextID := newContextID(cm.cfg.Channel)
	wsURL, err := cm.buildWebSocketURL(contextID)
	if err != nil {
		return nil, "", err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token.AccessToken)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cm.cfg.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		TLSClientConfig:  cm.cfg.TLSConfig,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		fields := logrus.Fields{"function": "dial", "error": err}
		if resp != nil {
			fields["status"] = resp.StatusCode
		}
		cm.logger.WithFields(fields).Warn("WebSocket dial failed")
		return nil, "", fmt.Errorf("failed to establish WebSocket connection: %w", err)
	}

	return conn, contextID, nil
}

// buildWebSocketURL appends the contextid query parameter to the channel URL
func (cm *ConnectionManager) buildWebSocketURL(contextID string) (string, error) {
	u, err := url.Parse(cm.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid channel URL %q: %w", cm.cfg.URL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("contextid", contextID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// installLocked adopts a freshly dialed connection and starts its goroutines
func (cm *ConnectionManager) installLocked(conn *websocket.Conn, contextID string) func() {
	cm.conn = conn
	cm.contextID = contextID
	cm.failures = 0

	incoming := make(chan websocketMessage, incomingBuffer)
	cm.wg.Add(2)
	go cm.readMessages(conn, incoming)
	go cm.processMessages(conn, incoming)

	cm.logger.WithFields(logrus.Fields{
		"function":   "installLocked",
		"context_id": contextID,
		"remote":     conn.RemoteAddr().String(),
	}).Info("WebSocket connection established")

	return cm.transitionLocked(agentlink.StateOpen)
}

// recordFailureLocked counts a failed attempt and either schedules the next
// one or gives up.
func (cm *ConnectionManager) recordFailureLocked(err error) func() {
	cm.failures++
	if cm.failures >= cm.cfg.MaxAttempts {
		cm.logger.WithFields(logrus.Fields{
			"function": "recordFailureLocked",
			"attempts": cm.failures,
			"error":    err,
		}).Error("Max reconnection attempts reached, giving up")
		return cm.transitionLocked(agentlink.StateErrored)
	}
	cm.scheduleReconnectLocked()
	return cm.transitionLocked(agentlink.StateConnecting)
}

func (cm *ConnectionManager) scheduleReconnectLocked() {
	delay := ReconnectDelay(cm.failures, cm.cfg.BaseDelay, cm.cfg.MaxDelay)

	cm.reconnectGen++
	gen := cm.reconnectGen
	cm.reconnectTimer = cm.clock.AfterFunc(delay, func() { cm.reconnect(gen) })

	cm.logger.WithFields(logrus.Fields{
		"function": "scheduleReconnectLocked",
		"attempt":  cm.failures + 1,
		"max":      cm.cfg.MaxAttempts,
		"delay":    delay,
	}).Info("Reconnection scheduled")
}

func (cm *ConnectionManager) stopReconnectTimerLocked() {
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
	cm.reconnectGen++
}

// reconnect runs from the backoff timer. A newer schedule, Connect or
// Disconnect invalidates gen.
func (cm *ConnectionManager) reconnect(gen uint64) {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	cm.mu.Lock()
	if gen != cm.reconnectGen || cm.state != agentlink.StateConnecting {
		cm.mu.Unlock()
		return
	}
	cm.reconnectTimer = nil
	attempt := cm.failures + 1
	cm.mu.Unlock()

	cm.logger.WithFields(logrus.Fields{
		"function": "reconnect",
		"attempt":  attempt,
		"max":      cm.cfg.MaxAttempts,
	}).Info("Reconnection attempt")

	conn, contextID, err := cm.dial(context.Background(), nil)

	cm.mu.Lock()
	if gen != cm.reconnectGen || cm.state != agentlink.StateConnecting {
		cm.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	var notify func()
	if err != nil {
		notify = cm.recordFailureLocked(err)
	} else {
		notify = cm.installLocked(conn, contextID)
	}
	cm.mu.Unlock()
	notify()
}

// handleConnectionLost runs on the processor goroutine once the reader has
// stopped. Normal closures and deliberate disconnects do not reconnect.
func (cm *ConnectionManager) handleConnectionLost(conn *websocket.Conn, err error) {
	cm.mu.Lock()
	if cm.conn != conn {
		cm.mu.Unlock()
		cm.logger.WithField("function", "handleConnectionLost").Debug("Ignoring close of a replaced connection")
		return
	}
	cm.conn = nil
	cm.contextID = ""
	_ = conn.Close()

	var notify func()
	switch {
	case cm.state == agentlink.StateClosing:
		notify = cm.transitionLocked(agentlink.StateIdle)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure):
		cm.logger.WithField("function", "handleConnectionLost").Info("Connection closed normally by server")
		notify = cm.transitionLocked(agentlink.StateIdle)
	default:
		cm.logger.WithFields(logrus.Fields{
			"function": "handleConnectionLost",
			"error":    err,
		}).Warn("Unexpected close, scheduling reconnect")
		cm.scheduleReconnectLocked()
		notify = cm.transitionLocked(agentlink.StateConnecting)
	}
	cm.mu.Unlock()
	notify()
}

// transitionLocked sets the state and returns the notification to run once
// the lock is released.
func (cm *ConnectionManager) transitionLocked(next agentlink.ConnectionState) func() {
	prev := cm.state
	cm.state = next
	if prev == next {
		return func() {}
	}
	cm.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   next.String(),
	}).Debug("Connection state changed")
	return func() { cm.stateListeners.emit(next) }
}

// readMessages ONLY reads from the WebSocket and hands frames to the
// processor. Its last message carries the read error.
func (cm *ConnectionManager) readMessages(conn *websocket.Conn, incoming chan<- websocketMessage) {
	defer cm.wg.Done()
	defer close(incoming)
	defer func() {
		if r := recover(); r != nil {
			cm.logger.WithFields(logrus.Fields{
				"function": "readMessages",
				"panic":    r,
			}).Error("Panic in readMessages")
			incoming <- websocketMessage{Err: fmt.Errorf("reader panic: %v", r), ReceivedAt: time.Now()}
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			incoming <- websocketMessage{Err: err, ReceivedAt: time.Now()}
			return
		}

		// Copy message data (ReadMessage may reuse buffer)
		data := make([]byte, len(message))
		copy(data, message)

		incoming <- websocketMessage{
			MessageType: messageType,
			Data:        data,
			ReceivedAt:  time.Now(),
		}

		if queued := len(incoming); queued > incomingBuffer/10 {
			cm.logger.WithFields(logrus.Fields{
				"function":         "readMessages",
				"pending_messages": queued,
			}).Debug("Queue backpressure detected")
		}
	}
}

// processMessages delivers frames to listeners strictly in arrival order
func (cm *ConnectionManager) processMessages(conn *websocket.Conn, incoming <-chan websocketMessage) {
	defer cm.wg.Done()

	for msg := range incoming {
		if msg.Err != nil {
			cm.handleConnectionLost(conn, msg.Err)
			continue
		}

		switch msg.MessageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			cm.deliver(msg.Data)
		default:
			cm.logger.WithFields(logrus.Fields{
				"function":     "processMessages",
				"message_type": msg.MessageType,
			}).Warn("Unknown message type")
		}
	}
}

func (cm *ConnectionManager) deliver(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.WithFields(logrus.Fields{
				"function": "deliver",
				"panic":    r,
			}).Error("Panic in message listener")
		}
	}()
	cm.messageListeners.emit(data)
}
