package agentlink

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsAndEnv(t *testing.T) {
	t.Setenv("AGENTLINK_SERVER_URL", "https://agents.example.com")
	t.Setenv("AGENTLINK_REQUEST_TIMEOUT", "45s")
	t.Setenv("AGENTLINK_USER_ID", "alice")

	cfg, err := LoadConfig(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "https://agents.example.com", cfg.ServerURL)
	assert.Equal(t, 45*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.WarnAfter)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.Equal(t, 50, cfg.ActivityRetention)
	assert.Equal(t, Identity{UserID: "alice"}, cfg.Identity())
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_url: http://localhost:8000
max_reconnect_attempts: 3
reconnect_base_delay: 500ms
chat_path: /ws/agents
`), 0600))

	v := viper.New()
	v.SetConfigFile(path)
	cfg, err := LoadConfig(v)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxReconnectAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.ReconnectBaseDelay)
	assert.Equal(t, "ws://localhost:8000/ws/agents", cfg.ChatURL())
}

func TestLoadConfig_RequiresServerURL(t *testing.T) {
	_, err := LoadConfig(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_url")
}

func TestConfig_Validate(t *testing.T) {
	valid := DefaultConfig()
	valid.ServerURL = "http://localhost:8000"
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad url", func(c *Config) { c.ServerURL = "not a url" }},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"negative warn", func(c *Config) { c.WarnAfter = -time.Second }},
		{"max below base", func(c *Config) { c.ReconnectMaxDelay = time.Millisecond }},
		{"no attempts", func(c *Config) { c.MaxReconnectAttempts = 0 }},
		{"no retention", func(c *Config) { c.ActivityRetention = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_StreamingURLs(t *testing.T) {
	cfg := DefaultConfig()

	cfg.ServerURL = "https://agents.example.com/"
	assert.Equal(t, "wss://agents.example.com", cfg.StreamingBaseURL())
	assert.Equal(t, "wss://agents.example.com/ws/chat", cfg.ChatURL())
	assert.Equal(t, "wss://agents.example.com/ws/portfolio/user%201", cfg.PortfolioURL("user 1"))

	cfg.ServerURL = "http://localhost:8000"
	assert.Equal(t, "ws://localhost:8000/ws/chat", cfg.ChatURL())

	cfg.WebSocketURL = "wss://stream.example.com"
	assert.Equal(t, "wss://stream.example.com/ws/portfolio/u1", cfg.PortfolioURL("u1"))
}
