package agentlink

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "AGENTLINK"

	keyServerURL            = "server_url"
	keyWebSocketURL         = "websocket_url"
	keyChatPath             = "chat_path"
	keyPortfolioPath        = "portfolio_path"
	keyRequestTimeout       = "request_timeout"
	keyWarnAfter            = "warn_after"
	keyReconnectBaseDelay   = "reconnect_base_delay"
	keyReconnectMaxDelay    = "reconnect_max_delay"
	keyMaxReconnectAttempts = "max_reconnect_attempts"
	keyHandshakeTimeout     = "handshake_timeout"
	keyActivityRetention    = "activity_retention"
	keySessionFile          = "session_file"
	keyHTTPTimeout          = "http_timeout"
	keyUserID               = "user_id"
	keyWalletAddress        = "wallet_address"
)

// Config holds everything needed to reach the chat and portfolio channels
type Config struct {
	ServerURL            string        `mapstructure:"server_url"`
	WebSocketURL         string        `mapstructure:"websocket_url"`
	ChatPath             string        `mapstructure:"chat_path"`
	PortfolioPath        string        `mapstructure:"portfolio_path"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	WarnAfter            time.Duration `mapstructure:"warn_after"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	ActivityRetention    int           `mapstructure:"activity_retention"`
	SessionFile          string        `mapstructure:"session_file"`
	HTTPTimeout          time.Duration `mapstructure:"http_timeout"`
	UserID               string        `mapstructure:"user_id"`
	WalletAddress        string        `mapstructure:"wallet_address"`
}

// DefaultConfig returns the reference timings: 30s request timeout, 1s..30s
// reconnect backoff, 5 attempts.
func DefaultConfig() Config {
	sessionFile := filepath.Join(".agentlink", "session.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		sessionFile = filepath.Join(home, sessionFile)
	}
	return Config{
		ChatPath:             "/ws/chat",
		PortfolioPath:        "/ws/portfolio",
		RequestTimeout:       30 * time.Second,
		WarnAfter:            10 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		HandshakeTimeout:     10 * time.Second,
		ActivityRetention:    50,
		SessionFile:          sessionFile,
		HTTPTimeout:          10 * time.Second,
	}
}

// SetDefaults registers DefaultConfig on v and binds AGENTLINK_* variables
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault(keyServerURL, "")
	v.SetDefault(keyWebSocketURL, "")
	v.SetDefault(keyChatPath, d.ChatPath)
	v.SetDefault(keyPortfolioPath, d.PortfolioPath)
	v.SetDefault(keyRequestTimeout, d.RequestTimeout)
	v.SetDefault(keyWarnAfter, d.WarnAfter)
	v.SetDefault(keyReconnectBaseDelay, d.ReconnectBaseDelay)
	v.SetDefault(keyReconnectMaxDelay, d.ReconnectMaxDelay)
	v.SetDefault(keyMaxReconnectAttempts, d.MaxReconnectAttempts)
	v.SetDefault(keyHandshakeTimeout, d.HandshakeTimeout)
	v.SetDefault(keyActivityRetention, d.ActivityRetention)
	v.SetDefault(keySessionFile, d.SessionFile)
	v.SetDefault(keyHTTPTimeout, d.HTTPTimeout)
	v.SetDefault(keyUserID, "")
	v.SetDefault(keyWalletAddress, "")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// LoadConfig reads configuration from v. If v has a config file set it is
// read; a missing file is tolerated.
func LoadConfig(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) && v.ConfigFileUsed() != "" {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if _, err := url.ParseRequestURI(c.ServerURL); err != nil {
		return fmt.Errorf("invalid server_url %q: %w", c.ServerURL, err)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if c.WarnAfter < 0 {
		return errors.New("warn_after must not be negative")
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return errors.New("reconnect delays must satisfy 0 < base <= max")
	}
	if c.MaxReconnectAttempts < 1 {
		return errors.New("max_reconnect_attempts must be at least 1")
	}
	if c.ActivityRetention < 1 {
		return errors.New("activity_retention must be at least 1")
	}
	return nil
}

// StreamingBaseURL returns the ws:// or wss:// root used by the channels.
// An explicit WebSocketURL wins; otherwise it is derived from ServerURL.
func (c Config) StreamingBaseURL() string {
	base := c.WebSocketURL
	if base == "" {
		base = c.ServerURL
	}
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

// ChatURL is the chat channel endpoint
func (c Config) ChatURL() string {
	return c.StreamingBaseURL() + c.ChatPath
}

// PortfolioURL is the per-user portfolio channel endpoint
func (c Config) PortfolioURL(userID string) string {
	return c.StreamingBaseURL() + strings.TrimRight(c.PortfolioPath, "/") + "/" + url.PathEscape(userID)
}

// Identity returns the configured identity hint
func (c Config) Identity() Identity {
	return Identity{UserID: c.UserID, WalletAddress: c.WalletAddress}
}
