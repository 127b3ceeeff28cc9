package watchman

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/karrick/tparse/v2"
	"github.com/lmittmann/tint"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

const (
	DiscordSlashCommandReminder = "reminder"

	reminderSubcommandCreate = "create"
	reminderSubcommandList   = "list"
	reminderSubcommandCancel = "cancel"

	reminderOptionWhen = "when"
	reminderOptionText = "text"
	reminderOptionDM   = "dm"
	reminderOptionID   = "id"

	// listPreviewLength is how much of each reminder's text is shown
	// by /reminder list
	listPreviewLength = 40
)

var (
	// relativeDurationPattern matches one or more number+unit pairs, as
	// accepted by tparse (10m, 1h30m, 1.5h, +1w). tparse panics on a
	// number without a unit.
	relativeDurationPattern = regexp.MustCompile(`^\+?(\d+(\.\d+)?[a-zµ]+)+$`)

	// bareNumberPattern matches input like "10" or "in 5"
	bareNumberPattern = regexp.MustCompile(`^(in\s+)?\+?\d+(\.\d+)?$`)
)

var absoluteTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// waker is implemented by [ExpiryPoller]
type waker interface {
	Wake()
}

// channelOpener opens DM channels, implemented by [DiscordSessionHandler]
type channelOpener interface {
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
}

// ReminderCommand implements the /reminder slash command, which lets
// users create, list and cancel their reminders.
type ReminderCommand struct {
	store    ReminderStore
	config   *RemindersConfig
	channels channelOpener
	poller   waker

	// reminders due sooner than this after being created wake the
	// poller when they come due, rather than waiting for the next tick
	wakeWithin time.Duration

	now          func() time.Time
	parser       *when.Parser
	errorMessage string
	logger       *slog.Logger
	metrics      *metrics
}

func newReminderCommand(
	store ReminderStore,
	config *RemindersConfig,
	channels channelOpener,
	poller waker,
	wakeWithin time.Duration,
	now func() time.Time,
	logger *slog.Logger,
) *ReminderCommand {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = &RemindersConfig{}
	}
	parser := when.New(nil)
	parser.Add(en.All...)
	parser.Add(common.All...)

	return &ReminderCommand{
		store:        store,
		config:       config,
		channels:     channels,
		poller:       poller,
		wakeWithin:   wakeWithin,
		now:          now,
		parser:       parser,
		errorMessage: DefaultDiscordErrorMessage,
		logger:       logger.With(loggerNameKey, "reminder_command"),
	}
}

// appCommandReminder returns the /reminder command definition
func appCommandReminder(config *RemindersConfig) *discordgo.ApplicationCommand {
	dmPerm := true
	minLength := 1
	var maxLength int
	if config != nil && config.MaxPayloadLength > 0 {
		maxLength = config.MaxPayloadLength
	}
	minID := float64(1)

	return &discordgo.ApplicationCommand{
		Name:         DiscordSlashCommandReminder,
		Description:  "Set, list or cancel reminders",
		DMPermission: &dmPerm,
		Type:         discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        reminderSubcommandCreate,
				Description: "Remind me about something later",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        reminderOptionWhen,
						Description: "When to remind you (ex: 10m, in 2 hours, tomorrow at 9am, 2030-01-02 15:04)",
						Required:    true,
						MinLength:   &minLength,
						MaxLength:   100,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        reminderOptionText,
						Description: "What to remind you about",
						Required:    false,
						MaxLength:   maxLength,
					},
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        reminderOptionDM,
						Description: "Send the reminder as a direct message",
						Required:    false,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        reminderSubcommandList,
				Description: "List your pending reminders",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        reminderSubcommandCancel,
				Description: "Cancel a pending reminder",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        reminderOptionID,
						Description: "The reminder ID (see /reminder list)",
						Required:    true,
						MinValue:    &minID,
					},
				},
			},
		},
	}
}

// Create parses whenInput and creates a reminder for owner, to be
// delivered to destination
func (c *ReminderCommand) Create(
	ctx context.Context,
	owner string,
	destination string,
	whenInput string,
	text string,
	opts ...ReminderOption,
) (*Reminder, error) {
	now := c.now().UTC()
	expiresAt, err := c.parseWhen(whenInput, now)
	if err != nil {
		return nil, err
	}
	if c.config.MaxHorizon > 0 && expiresAt.Sub(now) > c.config.MaxHorizon {
		return nil, newValidationError(
			reminderOptionWhen,
			"reminders can't be set more than %s ahead",
			humanizeDuration(c.config.MaxHorizon),
		)
	}

	if c.config.MaxPendingPerUser > 0 {
		opts = append(opts, WithMaxPending(c.config.MaxPendingPerUser))
	}
	r, err := c.store.Create(ctx, owner, destination, text, expiresAt, opts...)
	if err != nil {
		return nil, err
	}
	c.metrics.reminderCreated()

	if c.poller != nil && c.wakeWithin > 0 {
		if until := expiresAt.Sub(now); until < c.wakeWithin {
			time.AfterFunc(until, c.poller.Wake)
		}
	}
	return r, nil
}

// List returns the owner's pending reminders
func (c *ReminderCommand) List(ctx context.Context, owner string) (
	[]Reminder,
	error,
) {
	return c.store.ListFor(ctx, owner)
}

// Cancel cancels a pending reminder belonging to owner
func (c *ReminderCommand) Cancel(
	ctx context.Context,
	owner string,
	id uint,
) error {
	if err := c.store.Cancel(ctx, id, owner); err != nil {
		return err
	}
	c.metrics.reminderCancelled()
	return nil
}

// parseWhen turns user input into an absolute time. Relative durations
// are tried first (10m, in 2 hours, +1w), then absolute timestamps (in
// UTC), then natural language (tomorrow at 9am).
func (c *ReminderCommand) parseWhen(input string, now time.Time) (
	time.Time,
	error,
) {
	input = strings.TrimSpace(input)
	if input == "" {
		return time.Time{}, newValidationError(reminderOptionWhen, "required")
	}
	if bareNumberPattern.MatchString(strings.ToLower(input)) {
		fields := strings.Fields(input)
		n := strings.TrimPrefix(fields[len(fields)-1], "+")
		return time.Time{}, newValidationError(
			reminderOptionWhen,
			"%q needs a unit, like `%sm` or `%sh`",
			input, n, n,
		)
	}

	var expiresAt time.Time
	if t, ok := parseRelative(input, now); ok {
		expiresAt = t
	} else if t, ok = parseAbsolute(input); ok {
		expiresAt = t
	} else {
		r, err := c.parser.Parse(input, now)
		if err != nil || r == nil {
			return time.Time{}, newValidationError(
				reminderOptionWhen,
				"I don't understand %q. Try something like `10m`, `in 2 hours`, `tomorrow at 9am` or `2030-01-02 15:04`",
				truncate(input, 50),
			)
		}
		expiresAt = r.Time
	}

	expiresAt = expiresAt.UTC()
	if !expiresAt.After(now) {
		return time.Time{}, newValidationError(
			reminderOptionWhen,
			"%s is in the past",
			expiresAt.Format(time.RFC1123),
		)
	}
	return expiresAt, nil
}

// parseRelative handles durations like "90s", "1h30m", "in 3 hours"
// and "+1w"
func parseRelative(input string, now time.Time) (time.Time, bool) {
	s := strings.ToLower(input)
	s = strings.TrimPrefix(s, "in ")
	s = strings.Join(strings.Fields(s), "")
	if !relativeDurationPattern.MatchString(s) {
		return time.Time{}, false
	}
	if !strings.HasPrefix(s, "+") {
		s = "+" + s
	}
	t, err := tparse.AddDuration(now, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func parseAbsolute(input string) (time.Time, bool) {
	for _, layout := range absoluteTimeLayouts {
		if t, err := time.ParseInLocation(layout, input, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Handle runs the /reminder subcommand in the given interaction, and
// returns the (ephemeral) response to send
func (c *ReminderCommand) Handle(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) *discordgo.InteractionResponse {
	logger := loggerFrom(ctx, c.logger)

	user := interactionUser(i)
	if user == nil {
		return ephemeralResponse(c.errorMessage)
	}

	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return ephemeralResponse(c.errorMessage)
	}
	sub := data.Options[0]
	opts := discordInteractionOptions(sub.Options)
	c.metrics.commandHandled(sub.Name)

	var content string
	switch sub.Name {
	case reminderSubcommandCreate:
		content = c.handleCreate(ctx, logger, i, user, opts)
	case reminderSubcommandList:
		content = c.handleList(ctx, logger, user)
	case reminderSubcommandCancel:
		content = c.handleCancel(ctx, logger, user, opts)
	default:
		logger.WarnContext(ctx, "unknown subcommand", "subcommand", sub.Name)
		content = c.errorMessage
	}
	return ephemeralResponse(content)
}

func (c *ReminderCommand) handleCreate(
	ctx context.Context,
	logger *slog.Logger,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) string {
	var whenInput, text string
	var dm bool
	if o, ok := opts[reminderOptionWhen]; ok {
		whenInput = o.StringValue()
	}
	if o, ok := opts[reminderOptionText]; ok {
		text = o.StringValue()
	}
	if o, ok := opts[reminderOptionDM]; ok {
		dm = o.BoolValue()
	}

	destination := i.ChannelID
	if dm && i.GuildID != "" {
		if c.channels == nil {
			return c.errorMessage
		}
		ch, err := c.channels.UserChannelCreate(user.ID, discordgo.WithContext(ctx))
		if err != nil {
			logger.ErrorContext(ctx, "error opening DM channel", tint.Err(err))
			return "I couldn't open a direct message with you. Do you have DMs enabled?"
		}
		destination = ch.ID
	}

	var reminderOpts []ReminderOption
	if i.GuildID != "" {
		reminderOpts = append(reminderOpts, WithGuildID(i.GuildID))
	}

	r, err := c.Create(ctx, user.ID, destination, whenInput, text, reminderOpts...)
	if err != nil {
		return c.errorText(ctx, logger, err, 0)
	}

	expires := r.ExpiresAtTime()
	return fmt.Sprintf(
		"Okay! I'll remind you %s (%s). Use `/reminder cancel id:%d` to cancel it.",
		discordTimestamp(expires),
		humanize.RelTime(expires, c.now(), "ago", "from now"),
		r.ID,
	)
}

func (c *ReminderCommand) handleList(
	ctx context.Context,
	logger *slog.Logger,
	user *discordgo.User,
) string {
	reminders, err := c.List(ctx, user.ID)
	if err != nil {
		return c.errorText(ctx, logger, err, 0)
	}
	if len(reminders) == 0 {
		return "You don't have any pending reminders."
	}

	now := c.now()
	var b strings.Builder
	b.WriteString(fmt.Sprintf("You have %d pending reminder(s):\n", len(reminders)))
	for n, r := range reminders {
		expires := r.ExpiresAtTime()
		line := fmt.Sprintf(
			"`#%d` %s (%s)",
			r.ID,
			discordTimestamp(expires),
			humanize.RelTime(expires, now, "ago", "from now"),
		)
		if preview := previewText(r.Payload); preview != "" {
			line += ": " + preview
		}
		line += "\n"

		more := fmt.Sprintf("...and %d more", len(reminders)-n)
		if b.Len()+len(line)+len(more) > discordMaxMessageLength {
			b.WriteString(more)
			break
		}
		b.WriteString(line)
	}
	return strings.TrimSpace(b.String())
}

func (c *ReminderCommand) handleCancel(
	ctx context.Context,
	logger *slog.Logger,
	user *discordgo.User,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) string {
	o, ok := opts[reminderOptionID]
	if !ok || o.IntValue() <= 0 {
		return "Please provide a reminder ID (see `/reminder list`)."
	}
	id := uint(o.IntValue())

	if err := c.Cancel(ctx, user.ID, id); err != nil {
		return c.errorText(ctx, logger, err, id)
	}
	return fmt.Sprintf("Reminder `#%d` cancelled.", id)
}

// errorText maps a command error to the message shown to the user.
// Unexpected errors are logged, and get the generic error message.
func (c *ReminderCommand) errorText(
	ctx context.Context,
	logger *slog.Logger,
	err error,
	id uint,
) string {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		if ve.Field == reminderOptionWhen {
			return "Sorry! " + ve.Reason
		}
		return "Sorry! " + ve.Error()
	case errors.Is(err, ErrTooManyReminders):
		return fmt.Sprintf(
			"You already have %d pending reminders. Cancel one with `/reminder cancel` first.",
			c.config.MaxPendingPerUser,
		)
	case errors.Is(err, ErrReminderNotFound):
		return fmt.Sprintf("I couldn't find a pending reminder `#%d`.", id)
	case errors.Is(err, ErrForbidden):
		return fmt.Sprintf("Reminder `#%d` isn't yours to cancel.", id)
	default:
		logger.ErrorContext(ctx, "error handling reminder command", tint.Err(err))
		return c.errorMessage
	}
}

func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: shortenString(content, discordMaxMessageLength),
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// discordTimestamp formats t as a discord timestamp, which clients
// render in the reader's own timezone
func discordTimestamp(t time.Time) string {
	return fmt.Sprintf("<t:%d:F>", t.Unix())
}

func previewText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ReplaceAll(s, "`", "'")
	if s == "" {
		return ""
	}
	if len([]rune(s)) > listPreviewLength {
		return truncate(s, listPreviewLength-3) + "..."
	}
	return s
}

// humanizeDuration renders d in days when it's at least a day
func humanizeDuration(d time.Duration) string {
	day := 24 * time.Hour
	if d >= day && d%day == 0 {
		return fmt.Sprintf("%s days", humanize.Comma(int64(d/day)))
	}
	return d.String()
}
