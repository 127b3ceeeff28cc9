package cmd

import (
	"fmt"
	"github.com/arcward/watchman/watchman"
	"github.com/bwmarrin/discordgo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

// clearEnv empties the environment for the duration of the test
func clearEnv(t testing.TB) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	clearEnv(t)
	t.Cleanup(
		func() {
			configFile = ""
		},
	)

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

WM_DATABASE=/home/foo/watchman.sqlite3
WM_DATABASE_TYPE=sqlite
WM_DATABASE_LOG_LEVEL=INFO
WM_DATABASE_SLOW_THRESHOLD=250ms
WM_LOG_LEVEL=DEBUG
WM_STARTUP_TIMEOUT=20s
WM_SHUTDOWN_TIMEOUT=45s

# Poller

WM_POLLER_INTERVAL=15s
WM_POLLER_BATCH_SIZE=50
WM_POLLER_CLAIM_TTL=2m
WM_POLLER_DELIVERY_TIMEOUT=5s
WM_POLLER_RETENTION=24h
WM_POLLER_PURGE_EVERY=60
WM_POLLER_LOG_LEVEL=warn

# /reminder limits

WM_REMINDERS_MAX_PENDING_PER_USER=10
WM_REMINDERS_MAX_PAYLOAD_LENGTH=1000
WM_REMINDERS_MAX_HORIZON=720h

# Discord bot config

WM_DISCORD_TOKEN=your-discord-bot-token
WM_DISCORD_APPLICATION_ID=your-discord-bot-app-id
WM_DISCORD_GUILD_ID=
WM_DISCORD_LOG_LEVEL=WARN
WM_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
WM_DISCORD_CUSTOM_STATUS="ready when you are"
WM_DISCORD_GATEWAY_INTENTS=3243773
WM_DISCORD_MAX_MESSAGES_PER_SECOND=2.5

# Admin API

WM_API_ENABLED=true
WM_API_LISTEN=127.0.0.1:5050
WM_API_TOKEN=your-api-token
WM_API_LOG_LEVEL=DEBUG
WM_API_READ_TIMEOUT=6s
WM_API_READ_HEADER_TIMEOUT=7s
WM_API_WRITE_TIMEOUT=11s
WM_API_IDLE_TIMEOUT=31s
`

	err := os.WriteFile(envFile, []byte(envContent), 0o600)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/watchman.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("poller.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, 250*time.Millisecond, viper.GetDuration("database_slow_threshold"))

	assert.Equal(t, "/home/foo/watchman.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 250*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 20*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, 15*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 50, cfg.Poller.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.Poller.ClaimTTL)
	assert.Equal(t, 5*time.Second, cfg.Poller.DeliveryTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Poller.Retention)
	assert.Equal(t, 60, cfg.Poller.PurgeEvery)
	assert.Equal(t, slog.LevelWarn, cfg.Poller.LogLevel.Level())

	assert.Equal(t, 10, cfg.Reminders.MaxPendingPerUser)
	assert.Equal(t, 1000, cfg.Reminders.MaxPayloadLength)
	assert.Equal(t, 720*time.Hour, cfg.Reminders.MaxHorizon)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "", cfg.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "ready when you are", cfg.Discord.CustomStatus)
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)
	assert.Equal(t, 2.5, cfg.Discord.MaxMessagesPerSecond)
	assert.Equal(t, watchman.DefaultDiscordErrorMessage, cfg.Discord.ErrorMessage)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5050", cfg.API.Listen)
	assert.Equal(t, "tcp", cfg.API.ListenNetwork)
	assert.Equal(t, "your-api-token", cfg.API.Token)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(t, 6*time.Second, cfg.API.ReadTimeout)
	assert.Equal(t, 7*time.Second, cfg.API.ReadHeaderTimeout)
	assert.Equal(t, 11*time.Second, cfg.API.WriteTimeout)
	assert.Equal(t, 31*time.Second, cfg.API.IdleTimeout)

	require.NoError(t, cfg.Validate())

	// decoding straight from viper gives the same result
	var config watchman.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)
	assert.Equal(t, cfg.Database, config.Database)
	assert.Equal(t, cfg.Poller.Interval, config.Poller.Interval)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"Warn", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				got, err := getLogLevel(tc.input)
				if tc.wantErr {
					assert.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.want, got)
			},
		)
	}
}

func TestLevelToStringHookFunc(t *testing.T) {
	hook := LevelToStringHookFunc()
	levelVarType := reflect.TypeOf(&slog.LevelVar{})
	stringType := reflect.TypeOf("")

	got, err := hook(stringType, levelVarType, "WARN")
	require.NoError(t, err)
	assertLogLevel(t, slog.LevelWarn, got)

	_, err = hook(stringType, levelVarType, "nope")
	assert.Error(t, err)

	// other types pass through untouched
	got, err = hook(stringType, stringType, "WARN")
	require.NoError(t, err)
	assert.Equal(t, "WARN", got)

	got, err = hook(reflect.TypeOf(1), levelVarType, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}
