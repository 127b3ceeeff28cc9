package watchman

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
	"time"
)

func validTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.Discord.Token = "token"
	cfg.Discord.ApplicationID = "app"
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(cfg *Config)
		wantErr bool
	}{
		{
			name:   "defaults",
			modify: func(*Config) {},
		},
		{
			name: "missing token",
			modify: func(cfg *Config) {
				cfg.Discord.Token = ""
			},
			wantErr: true,
		},
		{
			name: "missing application id",
			modify: func(cfg *Config) {
				cfg.Discord.ApplicationID = ""
			},
			wantErr: true,
		},
		{
			name: "invalid database type",
			modify: func(cfg *Config) {
				cfg.DatabaseType = "mysql"
			},
			wantErr: true,
		},
		{
			name: "postgres",
			modify: func(cfg *Config) {
				cfg.DatabaseType = dbTypePostgres
				cfg.Database = "postgres://localhost/watchman"
			},
		},
		{
			name: "delivery timeout exceeds claim ttl",
			modify: func(cfg *Config) {
				cfg.Poller.ClaimTTL = 5 * time.Second
				cfg.Poller.DeliveryTimeout = 10 * time.Second
			},
			wantErr: true,
		},
		{
			name: "interval too short",
			modify: func(cfg *Config) {
				cfg.Poller.Interval = time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "zero purge interval",
			modify: func(cfg *Config) {
				cfg.Poller.PurgeEvery = 0
			},
			wantErr: true,
		},
		{
			name: "payload too long for a discord message",
			modify: func(cfg *Config) {
				cfg.Reminders.MaxPayloadLength = 1900
			},
			wantErr: true,
		},
		{
			name: "zero message rate",
			modify: func(cfg *Config) {
				cfg.Discord.MaxMessagesPerSecond = 0
			},
			wantErr: true,
		},
		{
			name: "api enabled without listen address",
			modify: func(cfg *Config) {
				cfg.API.Enabled = true
				cfg.API.Listen = ""
			},
			wantErr: true,
		},
		{
			name: "api disabled without listen address",
			modify: func(cfg *Config) {
				cfg.API.Listen = ""
			},
		},
		{
			name: "invalid listen network",
			modify: func(cfg *Config) {
				cfg.API.ListenNetwork = "udp"
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := validTestConfig()
				tc.modify(cfg)
				err := cfg.Validate()
				if tc.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
			},
		)
	}
}

func TestConfig_LogValue(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	cfg.Discord.Token = "super-secret-bot-token"
	cfg.API.Token = "super-secret-api-token"

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("config", "config", cfg)

	out := buf.String()
	assert.NotContains(t, out, "super-secret")
	assert.Contains(t, out, "[redacted]")
	assert.Contains(t, out, `"application_id":"app"`)
	assert.Contains(t, out, `"database_type":"sqlite"`)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.NotNil(t, cfg.Poller)
	require.NotNil(t, cfg.Reminders)
	require.NotNil(t, cfg.Discord)
	require.NotNil(t, cfg.API)

	assert.Equal(t, DefaultPollerInterval, cfg.Poller.Interval)
	assert.Equal(t, DefaultPollerClaimTTL, cfg.Poller.ClaimTTL)
	assert.LessOrEqual(t, cfg.Poller.DeliveryTimeout, cfg.Poller.ClaimTTL)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, DefaultDiscordLogLevel, cfg.Discord.LogLevel.Level())

	// each config gets its own level vars
	other := DefaultConfig()
	other.LogLevel.Set(slog.LevelDebug)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
}
