package watchman

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// interactionTimeout bounds the work done for a single interaction.
// Discord expects the initial response within three seconds.
var interactionTimeout = 3 * time.Second

// Discord manages the discord gateway session: connection state,
// registering slash commands, and routing incoming interactions to
// the /reminder command.
type Discord struct {
	session  DiscordSessionHandler
	config   *DiscordConfig
	logger   *slog.Logger
	commands *ReminderCommand
	metrics  *metrics

	connects    atomic.Int64
	disconnects atomic.Int64
	connected   atomic.Bool

	removeHandlerFuncs []func()

	// in-flight interactions
	wg sync.WaitGroup
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:             config,
		logger:             logger,
		removeHandlerFuncs: []func(){},
	}
}

// newSession creates a discordgo session using the configured bot token
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc

	if d.config.DiscordGoLogLevel != nil {
		if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
			return session, err
		}
	}
	return session, nil
}

// addHandlers sets the gateway identify payload and registers event
// handlers on the session, replacing any registered previously.
// Interactions are handled in their own goroutines, tracked so Close
// can wait on them.
func (d *Discord) addHandlers(ctx context.Context) {
	for _, remove := range d.removeHandlerFuncs {
		remove()
	}

	d.session.SetIdentify(
		discordgo.Identify{
			Intents: d.config.GatewayIntents,
			Presence: discordgo.GatewayStatusUpdate{
				Status: string(discordgo.StatusOnline),
			},
		},
	)

	d.removeHandlerFuncs = []func(){
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				d.wg.Add(1)
				go func() {
					defer d.wg.Done()
					d.handleInteraction(ctx, i)
				}()
			},
		),
	}
}

// Open connects to the discord gateway, then sets the bot's custom status
func (d *Discord) Open(ctx context.Context) error {
	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if d.config.CustomStatus != "" {
		go func() {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Error("error updating discord status", tint.Err(err))
			}
		}()
	}
	return nil
}

// Close waits for in-flight interactions to finish (or ctx to be
// done), then closes the gateway connection
func (d *Discord) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.WarnContext(ctx, "timed out waiting on interactions")
	}

	for _, remove := range d.removeHandlerFuncs {
		remove()
	}
	d.removeHandlerFuncs = nil

	err := d.session.Close()
	d.connected.Store(false)
	return err
}

// handleInteraction responds to a single interaction. Only pings and
// the /reminder command are handled.
func (d *Discord) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	logger := d.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, logger, rc)
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interactionTimeout)
	defer cancel()

	user := interactionUser(i)
	if user == nil {
		logger.WarnContext(ctx, "no user found in interaction")
		return
	}
	if user.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", user.ID)
		return
	}

	var resp *discordgo.InteractionResponse
	switch i.Type {
	case discordgo.InteractionPing:
		resp = &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong}
	case discordgo.InteractionApplicationCommand:
		name := i.ApplicationCommandData().Name
		logger.InfoContext(ctx, "received command", "command", name)
		if name != DiscordSlashCommandReminder || d.commands == nil {
			logger.WarnContext(ctx, "unknown command", "command", name)
			resp = ephemeralResponse(d.errorMessage())
			break
		}
		resp = d.commands.Handle(ctx, i)
	default:
		logger.DebugContext(ctx, "ignoring interaction", "type", i.Type.String())
		return
	}

	if err := d.session.InteractionRespond(
		i.Interaction,
		resp,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

func (d *Discord) errorMessage() string {
	if d.config.ErrorMessage != "" {
		return d.config.ErrorMessage
	}
	return DefaultDiscordErrorMessage
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r == nil {
			return
		}
		attrs := []any{"session_id", r.SessionID}
		if r.User != nil {
			attrs = append(attrs, slog.Group("user", "id", r.User.ID, "username", r.User.Username))
		}
		d.logger.Info("Ready", attrs...)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.connects.Add(1)
		d.metrics.discordConnected()
		d.connected.Store(true)
		sessionID, userID, username := sessionIdentity(s)
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.disconnects.Add(1)
		d.metrics.discordDisconnected()
		sessionID, userID, username := sessionIdentity(s)
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func sessionIdentity(s *discordgo.Session) (sessionID, userID, username string) {
	if s == nil || s.State == nil {
		return "", "", ""
	}
	sessionID = s.State.SessionID
	if s.State.User != nil {
		userID = s.State.User.ID
		username = s.State.User.Username
	}
	return sessionID, userID, username
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	reminders *RemindersConfig,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		appCommandReminder(reminders),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		return created, errors.New("no commands were created")
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

// DiscordSessionHandler defines the methods of `discordgo.Session` used by
// the bot, so they can be mocked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to the given channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate opens (or returns the existing) DM channel with
	// the given user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	// If guildID is empty, commands are registered globally.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.UserChannelCreate(recipientID, options...)
	if err != nil {
		d.logger.Error("error creating DM channel", tint.Err(err), "recipient_id", recipientID)
	}
	return ch, err
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}
