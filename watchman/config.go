//nolint:lll // struct tags can't be split
package watchman

import (
	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "WATCHMAN_ENV_PREFIX"
	DefaultEnvPrefix      = "WM"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "watchman.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 60 * time.Second

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo

	DefaultPollerInterval        = 30 * time.Second
	DefaultPollerBatchSize       = 100
	DefaultPollerClaimTTL        = 5 * time.Minute
	DefaultPollerDeliveryTimeout = 10 * time.Second
	DefaultPollerRetention       = 7 * 24 * time.Hour
	DefaultPollerPurgeEvery      = 120
	DefaultPollerLogLevel        = slog.LevelInfo

	DefaultMaxPendingPerUser = 25
	DefaultMaxPayloadLength  = 1500
	DefaultMaxHorizon        = 365 * 24 * time.Hour

	DefaultDiscordGatewayIntent        = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordLogLevel             = slog.LevelWarn
	DefaultDiscordgoLogLevel           = slog.LevelWarn
	DefaultDiscordCustomStatus         = "/reminder me"
	DefaultDiscordMaxMessagesPerSecond = 5
	DefaultDiscordErrorMessage         = "sorry, something went wrong!"
	discordMaxMessageLength            = 2000

	DefaultAPIListen         = "127.0.0.1:5000"
	DefaultAPILogLevel       = slog.LevelInfo
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	defaultListenNetwork     = "tcp"
)

var structValidator = validator.New()

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits the time allowed to connect to the database
	// and discord. If it passes, startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	Poller *PollerConfig `yaml:"poller" mapstructure:"poller" json:"poller" binding:"required"`

	Reminders *RemindersConfig `yaml:"reminders" mapstructure:"reminders" json:"reminders" binding:"required"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks the config against its `binding` tags
func (c *Config) Validate() error {
	return structValidator.Struct(c)
}

// PollerConfig configures the background loop that delivers due reminders
type PollerConfig struct {
	// Interval between poll cycles
	Interval time.Duration `yaml:"interval" mapstructure:"interval" json:"interval" binding:"min=100ms"`

	// Maximum number of reminders delivered per cycle. 0=unlimited
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" json:"batch_size" binding:"min=0"`

	// ClaimTTL is how long a cycle's claim on a due reminder holds. A
	// reminder whose claim is older than this is picked up again, which
	// covers a crash between claiming and delivering.
	ClaimTTL time.Duration `yaml:"claim_ttl" mapstructure:"claim_ttl" json:"claim_ttl" binding:"min=1s"`

	// DeliveryTimeout limits each individual delivery attempt. It can't
	// exceed ClaimTTL.
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" mapstructure:"delivery_timeout" json:"delivery_timeout" binding:"min=100ms,ltefield=ClaimTTL"`

	// Retention is how long delivered and cancelled reminders are kept
	// before being purged. 0=forever
	Retention time.Duration `yaml:"retention" mapstructure:"retention" json:"retention" binding:"min=0"`

	// PurgeEvery runs a purge every N cycles, when Retention is set
	PurgeEvery int `yaml:"purge_every" mapstructure:"purge_every" json:"purge_every" binding:"min=1"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// RemindersConfig sets limits on the /reminder command
type RemindersConfig struct {
	// Maximum pending reminders per user. 0=unlimited
	MaxPendingPerUser int `yaml:"max_pending_per_user" mapstructure:"max_pending_per_user" json:"max_pending_per_user" binding:"min=0"`

	// Maximum reminder text length, in characters. 0=unlimited
	MaxPayloadLength int `yaml:"max_payload_length" mapstructure:"max_payload_length" json:"max_payload_length" binding:"min=0,max=1800"`

	// Furthest in the future a reminder may be set. 0=unlimited
	MaxHorizon time.Duration `yaml:"max_horizon" mapstructure:"max_horizon" json:"max_horizon" binding:"min=0"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// MaxMessagesPerSecond limits the rate at which reminders are sent
	MaxMessagesPerSecond float64 `yaml:"max_messages_per_second" mapstructure:"max_messages_per_second" json:"max_messages_per_second" binding:"gt=0"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatus is set as the bot's status when it connects
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// ErrorMessage is shown to users when a command fails unexpectedly
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Token, if set, must be sent as a bearer token on every request
	// other than /healthz
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	pollerLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	pollerLogLevel.Set(DefaultPollerLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Poller: &PollerConfig{
			Interval:        DefaultPollerInterval,
			BatchSize:       DefaultPollerBatchSize,
			ClaimTTL:        DefaultPollerClaimTTL,
			DeliveryTimeout: DefaultPollerDeliveryTimeout,
			Retention:       DefaultPollerRetention,
			PurgeEvery:      DefaultPollerPurgeEvery,
			LogLevel:        pollerLogLevel,
		},
		Reminders: &RemindersConfig{
			MaxPendingPerUser: DefaultMaxPendingPerUser,
			MaxPayloadLength:  DefaultMaxPayloadLength,
			MaxHorizon:        DefaultMaxHorizon,
		},
		Discord: &DiscordConfig{
			GatewayIntents:       DefaultDiscordGatewayIntent,
			LogLevel:             discordLogLevel,
			DiscordGoLogLevel:    discordgoLogLevel,
			CustomStatus:         DefaultDiscordCustomStatus,
			MaxMessagesPerSecond: DefaultDiscordMaxMessagesPerSecond,
			ErrorMessage:         DefaultDiscordErrorMessage,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
