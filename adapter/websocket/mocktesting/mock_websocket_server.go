package mocktesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	chatPath      = "/ws/chat"
	portfolioPath = "/ws/portfolio/"
)

// InboundFrame is a chat frame as received by the mock server
type InboundFrame struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId"`
	Message   string          `json:"message"`
	Context   json.RawMessage `json:"context,omitempty"`
	SessionID string          `json:"session_id"`
	Streaming bool            `json:"streaming"`
}

// ChatHandler scripts the server's reaction to one inbound chat frame. It
// runs on the connection's read loop, so frames on one connection are
// handled in order.
type ChatHandler func(conn *MockConn, frame InboundFrame)

// MockConn is one accepted client connection
type MockConn struct {
	conn    *websocket.Conn
	channel string
	userID  string
	token   string

	mu sync.Mutex
}

// Send writes v as a JSON text frame
func (c *MockConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Token is the bearer token presented on upgrade
func (c *MockConn) Token() string { return c.token }

// MockAgentServer provides a test WebSocket server that mimics the agent
// backend's chat and portfolio channels.
type MockAgentServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*MockConn]bool

	mu            sync.Mutex
	handler       ChatHandler
	frames        []InboundFrame
	tokens        []string
	rejectUpgrade bool

	upgradeAttempts atomic.Int64
}

// NewMockAgentServer creates a plain (non TLS) mock server. The default chat
// handler answers every chat frame with one ai_response echoing the message.
func NewMockAgentServer() *MockAgentServer {
	mock := &MockAgentServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*MockConn]bool),
		handler: EchoHandler,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(chatPath, mock.handleWebSocket)
	mux.HandleFunc(portfolioPath, mock.handleWebSocket)

	mock.server = httptest.NewServer(mux)
	return mock
}

// EchoHandler replies to each chat frame with a single ai_response
func EchoHandler(conn *MockConn, frame InboundFrame) {
	_ = conn.Send(map[string]any{
		"type":      "ai_response",
		"messageId": frame.MessageID,
		"content":   "echo: " + frame.Message,
	})
}

// URL returns the http:// base URL; the client derives ws:// from it
func (m *MockAgentServer) URL() string {
	return m.server.URL
}

// Close shuts down the mock server
func (m *MockAgentServer) Close() {
	m.clientsMu.Lock()
	for c := range m.clients {
		c.conn.Close()
	}
	m.clients = make(map[*MockConn]bool)
	m.clientsMu.Unlock()

	m.server.Close()
}

// SetChatHandler replaces the scripted chat behaviour; nil swallows frames
func (m *MockAgentServer) SetChatHandler(h ChatHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// SetRejectUpgrades makes every upgrade attempt fail with 503
func (m *MockAgentServer) SetRejectUpgrades(reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectUpgrade = reject
}

// UpgradeAttempts counts every upgrade request, accepted or not
func (m *MockAgentServer) UpgradeAttempts() int {
	return int(m.upgradeAttempts.Load())
}

// Frames returns every chat frame received so far
func (m *MockAgentServer) Frames() []InboundFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InboundFrame, len(m.frames))
	copy(out, m.frames)
	return out
}

// Tokens returns the bearer tokens of accepted upgrades, in order
func (m *MockAgentServer) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.tokens))
	copy(out, m.tokens)
	return out
}

// Connections counts open connections on channel ("chat" or "portfolio")
func (m *MockAgentServer) Connections(channel string) int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	n := 0
	for c := range m.clients {
		if c.channel == channel {
			n++
		}
	}
	return n
}

// Send broadcasts v to every chat connection
func (m *MockAgentServer) Send(v any) error {
	return m.broadcast(func(c *MockConn) bool { return c.channel == "chat" }, v)
}

// SendPortfolio broadcasts v to the portfolio connections of userID
func (m *MockAgentServer) SendPortfolio(userID string, v any) error {
	return m.broadcast(func(c *MockConn) bool {
		return c.channel == "portfolio" && c.userID == userID
	}, v)
}

// DropConnections kills every connection without a close handshake, which
// the client sees as an abnormal closure (1006).
func (m *MockAgentServer) DropConnections() {
	for _, c := range m.snapshot() {
		c.conn.UnderlyingConn().Close()
	}
}

// CloseNormally ends every connection with close code 1000
func (m *MockAgentServer) CloseNormally() {
	for _, c := range m.snapshot() {
		c.mu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second),
		)
		c.mu.Unlock()
		c.conn.Close()
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket and handles messages
func (m *MockAgentServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.upgradeAttempts.Add(1)

	m.mu.Lock()
	reject := m.rejectUpgrade
	m.mu.Unlock()
	if reject {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	// Verify authorization header
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		http.Error(w, "Missing or invalid Authorization header", http.StatusUnauthorized)
		return
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")

	client := &MockConn{channel: "chat", token: token}
	if strings.HasPrefix(r.URL.Path, portfolioPath) {
		client.channel = "portfolio"
		client.userID = strings.TrimPrefix(r.URL.Path, portfolioPath)
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	client.conn = conn

	m.mu.Lock()
	m.tokens = append(m.tokens, token)
	m.mu.Unlock()

	// Track connection with thread safety
	m.clientsMu.Lock()
	m.clients[client] = true
	m.clientsMu.Unlock()

	defer func() {
		m.clientsMu.Lock()
		delete(m.clients, client)
		m.clientsMu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if client.channel != "chat" {
			continue
		}

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		m.mu.Lock()
		m.frames = append(m.frames, frame)
		handler := m.handler
		m.mu.Unlock()

		if handler != nil {
			handler(client, frame)
		}
	}
}

func (m *MockAgentServer) snapshot() []*MockConn {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	out := make([]*MockConn, 0, len(m.clients))
	for c := range m.clients {
		out = append(out, c)
	}
	return out
}

func (m *MockAgentServer) broadcast(match func(*MockConn) bool, v any) error {
	sent := 0
	for _, c := range m.snapshot() {
		if !match(c) {
			continue
		}
		if err := c.Send(v); err != nil {
			return fmt.Errorf("failed to send test message: %w", err)
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("no matching connections")
	}
	return nil
}
