package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentlink "github.com/bjoelf/agentlink/adapter"
	"github.com/bjoelf/agentlink/adapter/websocket/mocktesting"
)

func receiveUpdate(t *testing.T, feed *PortfolioFeed) PortfolioUpdate {
	t.Helper()
	select {
	case update := <-feed.Updates():
		return update
	case <-time.After(2 * time.Second):
		t.Fatal("no portfolio update received")
		return PortfolioUpdate{}
	}
}

func TestPortfolioFeed_ReceivesUpdatesForUser(t *testing.T) {
	server := mocktesting.NewMockAgentServer()
	defer server.Close()

	feed := NewPortfolioFeed(testConfig(server.URL()), "user-1", staticTokens("sess-abc"), nil, testLogger())
	defer feed.Close()

	require.NoError(t, feed.Connect(connectCtx(t)))
	assert.True(t, feed.IsConnected())
	require.Eventually(t, func() bool { return server.Connections("portfolio") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, server.SendPortfolio("user-1", map[string]any{
		"type":        "portfolio_update",
		"user_id":     "user-1",
		"total_value": 1250.5,
		"change_24h":  -2.25,
		"holdings": []map[string]any{
			{"symbol": "ETH", "amount": 0.5, "value": 1000},
			{"symbol": "USDC", "amount": 250.5, "value": 250.5},
		},
	}))

	update := receiveUpdate(t, feed)
	assert.Equal(t, "portfolio_update", update.Type)
	assert.Equal(t, "user-1", update.UserID)
	assert.Equal(t, 1250.5, update.TotalValue)
	assert.Equal(t, -2.25, update.Change24h)
	require.Len(t, update.Holdings, 2)
	assert.Equal(t, Holding{Symbol: "ETH", Amount: 0.5, Value: 1000}, update.Holdings[0])

	// Malformed frames are skipped; user id defaults to the feed's user
	require.NoError(t, server.SendPortfolio("user-1", "not an object"))
	require.NoError(t, server.SendPortfolio("user-1", map[string]any{"type": "portfolio_update", "total_value": 10}))

	update = receiveUpdate(t, feed)
	assert.Equal(t, "user-1", update.UserID)
	assert.Equal(t, 10.0, update.TotalValue)
}

func TestPortfolioFeed_IndependentOfChat(t *testing.T) {
	server := mocktesting.NewMockAgentServer()
	defer server.Close()

	cfg := testConfig(server.URL())
	chat := NewChatClient(cfg, staticTokens("sess-abc"), nil, testLogger())
	defer chat.Close()
	feed := NewPortfolioFeed(cfg, "user-2", staticTokens("sess-abc"), nil, testLogger())
	defer feed.Close()

	require.NoError(t, chat.Connect(connectCtx(t)))
	require.NoError(t, feed.Connect(connectCtx(t)))

	require.NoError(t, chat.Close())
	assert.Equal(t, agentlink.StateIdle, chat.State())
	assert.Equal(t, agentlink.StateOpen, feed.State())

	server.DropConnections()
	require.Eventually(t, func() bool {
		return server.UpgradeAttempts() == 3 && feed.IsConnected()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, agentlink.StateIdle, chat.State())
}
