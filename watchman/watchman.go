package watchman

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/watchman/watchman.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot ties together the reminder store, the poller which delivers due
// reminders, the discord session which accepts /reminder commands, and
// the admin API.
type Bot struct {
	config *Config

	db         *gorm.DB
	store      ReminderStore
	discord    *Discord
	dispatcher NotificationDispatcher
	poller     *ExpiryPoller
	command    *ReminderCommand
	api        *API
	metrics    *metrics

	logger     *slog.Logger
	logHandler slog.Handler

	now func() time.Time

	// signalReady receives a value once Run has finished starting up
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time
}

// Option configures a [Bot]
type Option func(b *Bot)

// WithDiscordSession uses the given session instead of creating one
// from the configured token
func WithDiscordSession(s DiscordSessionHandler) Option {
	return func(b *Bot) {
		b.discord.session = s
	}
}

// WithDB uses an already opened (and migrated) database, rather than
// connecting to the configured one
func WithDB(db *gorm.DB) Option {
	return func(b *Bot) {
		b.db = db
	}
}

// WithClock sets the function used to get the current time
func WithClock(now func() time.Time) Option {
	return func(b *Bot) {
		b.now = now
	}
}

// WithDispatcher replaces the discord dispatcher used to deliver
// reminders
func WithDispatcher(d NotificationDispatcher) Option {
	return func(b *Bot) {
		b.dispatcher = d
	}
}

// New validates the config, connects to the database and sets up the bot's
// components. Nothing is started until [Bot.Run] is called.
func New(config *Config, opts ...Option) (*Bot, error) {
	if config == nil {
		return nil, errors.New("config required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	b := &Bot{
		config:      config,
		metrics:     newMetrics(),
		signalReady: make(chan struct{}, 1),
		now:         time.Now,
	}

	b.logHandler = newLogHandler("", config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler("discordgo", config.Discord.DiscordGoLogLevel),
	)

	b.discord = newDiscord(
		config.Discord,
		slog.New(newLogHandler("discord", config.Discord.LogLevel)),
	)

	for _, opt := range opts {
		opt(b)
	}

	if b.db == nil {
		ctx, cancel := context.WithTimeout(context.Background(), config.StartupTimeout)
		defer cancel()
		db, err := openDB(
			ctx,
			config.DatabaseType,
			config.Database,
			newLogHandler("database", config.DatabaseLogLevel),
			config.DatabaseSlowThreshold,
		)
		if err != nil {
			return nil, fmt.Errorf("error opening database: %w", err)
		}
		b.db = db
	}

	b.store = NewReminderStore(
		b.db, StoreOptions{
			BatchSize:        config.Poller.BatchSize,
			ClaimTTL:         config.Poller.ClaimTTL,
			MaxPayloadLength: config.Reminders.MaxPayloadLength,
			Now:              b.now,
			Logger:           b.logger,
			ConcurrentWrites: config.DatabaseType == dbTypePostgres,
		},
	)

	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return nil, err
		}
		b.discord.session = session
	}

	if b.dispatcher == nil {
		b.dispatcher = NewDiscordDispatcher(
			b.discord.session,
			config.Discord.MaxMessagesPerSecond,
			b.discord.logger,
		)
	}

	b.poller = NewExpiryPoller(
		b.store, b.dispatcher, PollerOptions{
			Interval:        config.Poller.Interval,
			DeliveryTimeout: config.Poller.DeliveryTimeout,
			Retention:       config.Poller.Retention,
			PurgeEvery:      config.Poller.PurgeEvery,
			Now:             b.now,
			Logger:          slog.New(newLogHandler("", config.Poller.LogLevel)),
			metrics:         b.metrics,
		},
	)

	b.command = newReminderCommand(
		b.store,
		config.Reminders,
		b.discord.session,
		b.poller,
		config.Poller.Interval,
		b.now,
		b.discord.logger,
	)
	b.command.metrics = b.metrics
	if config.Discord.ErrorMessage != "" {
		b.command.errorMessage = config.Discord.ErrorMessage
	}
	b.discord.commands = b.command
	b.discord.metrics = b.metrics

	b.api = newAPI(b, config.API)
	return b, nil
}

// Store returns the bot's reminder store
func (b *Bot) Store() ReminderStore {
	return b.store
}

// Poller returns the bot's expiry poller
func (b *Bot) Poller() *ExpiryPoller {
	return b.poller
}

// RegisterSlashCommands registers the /reminder command with discord
func (b *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return b.discord.registerCommands(b.config.Reminders, options...)
}

// Run connects to discord and starts the poller and (if enabled) the
// admin API, blocking until ctx is cancelled or one of them fails.
// On the way out, in-flight work gets up to [Config.ShutdownTimeout]
// to finish.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = b.now()
	logger := b.logger
	ctx = WithLogger(ctx, logger)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	b.discord.addHandlers(ctx)

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	openErr := make(chan error, 1)
	go func() {
		openErr <- b.discord.Open(startCtx)
	}()
	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-openErr:
		if err != nil {
			logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(
		func() error {
			return b.poller.Run(gctx)
		},
	)

	if b.config.API.Enabled {
		g.Go(
			func() error {
				err := b.api.Serve(gctx)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.ErrorContext(gctx, "error serving api HTTP", tint.Err(err))
					return err
				}
				return nil
			},
		)
	}

	select {
	case b.signalReady <- struct{}{}:
	default:
	}
	logger.InfoContext(ctx, "ready")

	<-gctx.Done()
	return b.shutdown(ctx, g)
}

// shutdown stops the API and discord session, and waits for the poller
// to finish its current cycle, for up to ShutdownTimeout
func (b *Bot) shutdown(ctx context.Context, g *errgroup.Group) error {
	logger := b.logger
	shutdownStart := time.Now()
	logger.WarnContext(
		ctx,
		"shutting down",
		"shutdown_timeout", b.config.ShutdownTimeout,
	)

	closeCtx, closeCancel := context.WithTimeout(
		context.WithoutCancel(ctx),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	var errs []error

	if b.config.API.Enabled {
		if err := b.api.httpServer.Shutdown(closeCtx); err != nil {
			logger.ErrorContext(ctx, "error shutting down api", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if err := b.discord.Close(closeCtx); err != nil {
		logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		errs = append(errs, err)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- g.Wait()
	}()
	select {
	case err := <-runErr:
		if err != nil {
			errs = append(errs, err)
		}
	case <-closeCtx.Done():
		errs = append(errs, errors.New("poller did not stop in time"))
	}

	if sqlDB, err := b.db.DB(); err == nil {
		if closeErr := sqlDB.Close(); closeErr != nil {
			errs = append(errs, closeErr)
		}
	}

	logger.InfoContext(
		ctx,
		"shutdown complete",
		"duration", time.Since(shutdownStart),
	)
	return errors.Join(errs...)
}
