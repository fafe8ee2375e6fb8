package websocket

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	agentlink "github.com/bjoelf/agentlink/adapter"
	"github.com/bjoelf/agentlink/adapter/websocket/mocktesting"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []agentlink.ConnectionState
}

func (r *stateRecorder) record(s agentlink.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) seen(s agentlink.ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

func newTestManager(t *testing.T, server *mocktesting.MockAgentServer, tokens oauth2.TokenSource) *ConnectionManager {
	t.Helper()
	cfg := testConfig(server.URL())
	cm := NewConnectionManager(ManagerConfig{
		URL:              cfg.ChatURL(),
		Channel:          "chat",
		BaseDelay:        cfg.ReconnectBaseDelay,
		MaxDelay:         cfg.ReconnectMaxDelay,
		MaxAttempts:      cfg.MaxReconnectAttempts,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, tokens, nil, testLogger())
	t.Cleanup(func() { cm.Close() })
	return cm
}

func connectCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestConnectionManager_ConnectSendReceive(t *testing.T) {
	server := mocktesting.NewMockAgentServer()
	defer server.Close()

	cm := newTestManager(t, server, staticTokens("tok-1"))

	received := make(chan []byte, 1)
	cm.OnMessage(func(data []byte) { received <- data })

	require.NoError(t, cm.Connect(connectCtx(t)))
	assert.True(t, cm.IsConnected())
	assert.Equal(t, agentlink.StateOpen, cm.State())
	assert.True(t, strings.HasPrefix(cm.ContextID(), "chat-"))
	assert.Equal(t, []string{"tok-1"}, server.Tokens())

	require.NoError(t, cm.Send(Frame{Type: FrameChat, MessageID: "msg-1", Message: "ping", SessionID: "tok-1"}))

	select {
	case data := <-received:
		assert.JSONEq(t, `{"type":"ai_response","messageId":"msg-1","content":"echo: ping"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("no reply received")
	}

	frames := server.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "msg-1", frames[0].MessageID)
	assert.Equal(t, "tok-1", frames[0].SessionID)
}

func TestConnectionManager_ConnectIsIdempotent(t *testing.T) {
	server := mocktesting.NewMockAgentServer()
	defer server.Close()

	cm := newTestManager(t, server, staticTokens("tok"))
	require.NoError(t, cm.Connect(connectCtx(t)))
	require.NoError(t, cm.Connect(connectCtx(t)))

	assert.Equal(t, 1, server.UpgradeAttempts())
	assert.Equal(t, 1, server.Connections("chat"))
}

func TestConnectionManager_SendWhileNotOpen(t *testing.T) {
	server := mocktesting.NewMockAgentServer()
	defer server.Close()

	cm := newTestManager(t, server, staticTokens("tok"))

	err := cm.Send(Frame{Type: FrameChat})
	require.Error(t, err)
	var connErr *agentlink.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "chat", connErr.Channel)
	assert.ErrorIs(t, err, agentlink.ErrNotConnected)
	assert.Empty(t, server.Frames())
}

func TestConnectionManager_MissingTokenNeverDials(t *testing.T) {
	server := mocktesting.NewMockAgentServer()
	defer server.Close()

	cm := newTestManager(t, server, oauth2.StaticTokenSource(&oauth2.Token{}))

	err := cm.Connect(connectCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, agentlink.ErrSessionRequired)
	assert.Equal(t, agentlink.StateIdle, cm.State())
	assert.Zero(t, cm.Failures())
	assert.Zero(t, server.UpgradeAttempts())
}

func TestConnectionManager_ReconnectsAfterAbnormalClose(t *testing.T) {
	server := mocktesting.NewMockAgentServer()
	defer server.Close()

	cm := newTestManager(t, server, staticTokens("tok"))
	states := &stateRecorder{}
	cm.OnStateChange(states.record)

	require.NoError(t, cm.Connect(connectCtx(t)))
	firstContext := cm.ContextID()

	server.DropConnections()

	require.Eventually(t, func() bool {
		return server.UpgradeAttempts() == 2 && cm.IsConnected()
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, states.seen(agentlink.StateConnecting))
	assert.NotEqual(t, firstContext, cm.ContextID())
	assert.Zero(t, cm.Failures())
}

func TestConnectionManager_GivesUpAfterMaxAttempts(t *testing.T) {
	server := mocktesting.NewMockAgentServer()
	defer server.Close()

	cm := newTestManager(t, server, staticTokens("tok"))
	states := &stateRecorder{}
	cm.OnStateChange(states.record)

	require.NoError(t, cm.Connect(connectCtx(t)))

	server.SetRejectUpgrades(true)
	server.DropConnections()

	require.Eventually(t, func() bool {
		return cm.State() == agentlink.StateErrored
	}, 5*time.Second, 10*time.Millisecond)

	// One initial upgrade plus five failed reconnects
	assert.Equal(t, 6, server.UpgradeAttempts())
	assert.Equal(t, 5, cm.Failures())
	assert.False(t, cm.IsConnected())
	assert.True(t, states.seen(agentlink.StateErrored))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 6, server.UpgradeAttempts(), "no attempts after giving up")

	err := cm.Connect(connectCtx(t))
	assert.ErrorIs(t, err, agentlink.ErrReconnectExhausted)
	assert.Equal(t, "Connection lost. Please refresh to reconnect", agentlink.UserMessage(err))

	cm.Reset()
	assert.Equal(t, agentlink.StateIdle, cm.State())

	server.SetRejectUpgrades(false)
	require.NoError(t, cm.Connect(connectCtx(t)))
	assert.True(t, cm.IsConnected())
}

func TestConnectionManager_BackoffDoublesPerAttempt(t *testing.T) {
	server := mocktesting.NewMockAgentServer()
	defer server.Close()

	clock := clockwork.NewFakeClock()
	cm := NewConnectionManager(ManagerConfig{
		URL:              testConfig(server.URL()).ChatURL(),
		Channel:          "chat",
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		MaxAttempts:      5,
		HandshakeTimeout: 2 * time.Second,
	}, staticTokens("tok"), clock, testLogger())
	t.Cleanup(func() { cm.Close() })

	require.NoError(t, cm.Connect(connectCtx(t)))
	server.SetRejectUpgrades(true)
	server.DropConnections()

	attempts := server.UpgradeAttempts()
	delays := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, delay := range delays {
		clock.BlockUntil(1)

		clock.Advance(delay - time.Millisecond)
		assert.Equal(t, attempts, server.UpgradeAttempts(), "attempt %d dialed before %s", i+1, delay)

		clock.Advance(time.Millisecond)
		attempts++
		require.Eventually(t, func() bool {
			return server.UpgradeAttempts() == attempts
		}, 2*time.Second, 5*time.Millisecond, "attempt %d did not dial after %s", i+1, delay)
	}

	require.Eventually(t, func() bool {
		return cm.State() == agentlink.StateErrored
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, cm.Failures())

	clock.Advance(time.Hour)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, attempts, server.UpgradeAttempts(), "no attempts after giving up")
}

func TestConnectionManager_NormalCloseDoesNotReconnect(t *testing.T) {
	server := mocktesting.NewMockAgentServer()
	defer server.Close()

	cm := newTestManager(t, server, staticTokens("tok"))
	require.NoError(t, cm.Connect(connectCtx(t)))

	server.CloseNormally()

	require.Eventually(t, func() bool {
		return cm.State() == agentlink.StateIdle
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, server.UpgradeAttempts())
	assert.Equal(t, agentlink.StateIdle, cm.State())
}

func TestConnectionManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	server := mocktesting.NewMockAgentServer()
	defer server.Close()

	cm := NewConnectionManager(ManagerConfig{
		URL:       testConfig(server.URL()).ChatURL(),
		BaseDelay: 150 * time.Millisecond,
		MaxDelay:  time.Second,
	}, staticTokens("tok"), nil, testLogger())
	defer cm.Close()

	require.NoError(t, cm.Connect(connectCtx(t)))
	server.DropConnections()

	require.Eventually(t, func() bool {
		return cm.State() == agentlink.StateConnecting
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, cm.Disconnect())
	assert.Equal(t, agentlink.StateIdle, cm.State())

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, server.UpgradeAttempts())
	assert.Equal(t, agentlink.StateIdle, cm.State())
}

func TestConnectionManager_DisconnectTransitions(t *testing.T) {
	server := mocktesting.NewMockAgentServer()
	defer server.Close()

	cm := newTestManager(t, server, staticTokens("tok"))
	states := &stateRecorder{}
	cm.OnStateChange(states.record)

	require.NoError(t, cm.Connect(connectCtx(t)))
	require.NoError(t, cm.Disconnect())

	states.mu.Lock()
	got := append([]agentlink.ConnectionState(nil), states.states...)
	states.mu.Unlock()
	assert.Equal(t, []agentlink.ConnectionState{
		agentlink.StateConnecting,
		agentlink.StateOpen,
		agentlink.StateClosing,
		agentlink.StateIdle,
	}, got)

	require.Eventually(t, func() bool {
		return server.Connections("chat") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionManager_FailedConnectSchedulesRetry(t *testing.T) {
	server := mocktesting.NewMockAgentServer()
	defer server.Close()

	server.SetRejectUpgrades(true)
	cm := newTestManager(t, server, staticTokens("tok"))

	err := cm.Connect(connectCtx(t))
	require.Error(t, err)
	var connErr *agentlink.ConnectionError
	require.ErrorAs(t, err, &connErr)

	server.SetRejectUpgrades(false)
	require.Eventually(t, cm.IsConnected, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, server.UpgradeAttempts())
}
