package watchman

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
	"log/slog"
	"strings"
)

const (
	reminderMessagePrefix = ":alarm_clock: "
	zeroWidthSpace        = "\u200b"
)

// NotificationDispatcher delivers a message to a destination on the
// chat transport
type NotificationDispatcher interface {
	// Deliver sends payload to destination. Failures are returned as
	// a *TransportError.
	Deliver(ctx context.Context, destination string, payload string) error
}

// DiscordDispatcher delivers messages to discord channels, limited to
// a fixed rate so a burst of due reminders doesn't run into discord's
// rate limits.
type DiscordDispatcher struct {
	session DiscordSessionHandler
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewDiscordDispatcher returns a DiscordDispatcher sending through the
// given session, at most messagesPerSecond messages per second
func NewDiscordDispatcher(
	session DiscordSessionHandler,
	messagesPerSecond float64,
	logger *slog.Logger,
) *DiscordDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if messagesPerSecond > 0 {
		limit = rate.Limit(messagesPerSecond)
	}
	return &DiscordDispatcher{
		session: session,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With(loggerNameKey, "dispatcher"),
	}
}

func (d *DiscordDispatcher) Deliver(
	ctx context.Context,
	destination string,
	payload string,
) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return &TransportError{Destination: destination, Err: err}
	}
	if d.session == nil {
		return &TransportError{
			Destination: destination,
			Err:         errors.New("discord session not initialized"),
		}
	}

	msg, err := d.session.ChannelMessageSend(
		destination,
		payload,
		discordgo.WithContext(ctx),
		discordgo.WithRestRetries(1),
	)
	if err != nil {
		return &TransportError{Destination: destination, Err: err}
	}
	if msg != nil {
		d.logger.DebugContext(
			ctx,
			"sent message",
			"channel_id", destination,
			"message_id", msg.ID,
		)
	}
	return nil
}

// reminderMessage formats a reminder for delivery, mentioning its owner
// and quoting the reminder text in a code block
func reminderMessage(r Reminder) string {
	mention := ""
	if r.Owner != "" {
		mention = fmt.Sprintf("<@%s> ", r.Owner)
	}

	text := strings.TrimSpace(r.Payload)
	if text == "" {
		return reminderMessagePrefix + mention +
			"You wanted me to remind you about something, but you didn't tell me about what."
	}

	// backticks in the text would close the code block early
	text = strings.ReplaceAll(text, "```", "`"+zeroWidthSpace+"``")

	header := reminderMessagePrefix + mention + "You wanted me to remind you about this:\n"
	footer := "```"
	body := "```" + zeroWidthSpace

	room := discordMaxMessageLength - len([]rune(header+body+footer))
	return header + body + shortenString(text, room) + footer
}
