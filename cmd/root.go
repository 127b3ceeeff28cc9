package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/watchman/watchman"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = watchman.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"poller.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "watchman [flags]",
	Short: "Discord reminder bot",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		return nil
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc returns a mapstructure hook that decodes strings
// like "DEBUG" or "warn" into a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

// Execute runs the root command. SIGINT, SIGTERM and SIGHUP cancel the
// command's context, which shuts the bot down.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case sig := <-signals:
			slog.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("database", watchman.DefaultDatabase)
	viper.SetDefault("database_type", watchman.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		watchman.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		watchman.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", watchman.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", watchman.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", watchman.DefaultShutdownTimeout)

	// Poller config
	viper.SetDefault("poller.interval", watchman.DefaultPollerInterval)
	viper.SetDefault("poller.batch_size", watchman.DefaultPollerBatchSize)
	viper.SetDefault("poller.claim_ttl", watchman.DefaultPollerClaimTTL)
	viper.SetDefault(
		"poller.delivery_timeout",
		watchman.DefaultPollerDeliveryTimeout,
	)
	viper.SetDefault("poller.retention", watchman.DefaultPollerRetention)
	viper.SetDefault("poller.purge_every", watchman.DefaultPollerPurgeEvery)
	viper.SetDefault("poller.log_level", watchman.DefaultPollerLogLevel.String())

	// /reminder limits
	viper.SetDefault(
		"reminders.max_pending_per_user",
		watchman.DefaultMaxPendingPerUser,
	)
	viper.SetDefault(
		"reminders.max_payload_length",
		watchman.DefaultMaxPayloadLength,
	)
	viper.SetDefault("reminders.max_horizon", watchman.DefaultMaxHorizon)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		watchman.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		watchman.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		watchman.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.custom_status", watchman.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.error_message", watchman.DefaultDiscordErrorMessage)
	viper.SetDefault(
		"discord.max_messages_per_second",
		watchman.DefaultDiscordMaxMessagesPerSecond,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", watchman.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.log_level", watchman.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", watchman.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		watchman.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", watchman.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", watchman.DefaultIdleTimeout)
}

func initConfig() {
	// log levels are replaced with *slog.LevelVar below, so start clean
	// if the command is executed more than once
	viper.Reset()

	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		log.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Fatalf("error loading %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(watchman.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = watchman.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Path to a .env file to load config from",
	)
}
