package watchman

import (
	"bytes"
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "", truncate("hello", 0))
	assert.Equal(t, "日本", truncate("日本語", 2))
}

func TestShortenString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "short", shortenString("short", 100))

	long := strings.Repeat("a", 100)
	got := shortenString(long, 50)
	assert.Equal(t, 50, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "(truncated)"))

	// no room for the suffix
	assert.Equal(t, "aaaaa", shortenString(long, 5))
}

type logValueTest struct {
	Name     string `json:"name"`
	Secret   string `json:"secret" log:"[redacted]"`
	Skipped  string `json:"-"`
	Empty    string `json:"empty"`
	Untagged int
	Nested   *logValueTest `json:"nested"`
}

func TestStructToSlogValue(t *testing.T) {
	t.Parallel()
	v := logValueTest{
		Name:     "outer",
		Secret:   "hunter2",
		Skipped:  "skip me",
		Untagged: 3,
		Nested:   &logValueTest{Name: "inner", Secret: "hunter3"},
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("test", "value", structToSlogValue(v))

	out := buf.String()
	assert.Contains(t, out, `"name":"outer"`)
	assert.Contains(t, out, `"name":"inner"`)
	assert.Contains(t, out, `"Untagged":3`)
	assert.NotContains(t, out, "hunter")
	assert.NotContains(t, out, "skip me")
	assert.NotContains(t, out, `"empty"`)
	assert.Equal(t, 2, strings.Count(out, "[redacted]"))

	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nil))
	assert.Equal(t, slog.AnyValue(nil), structToSlogValue((*logValueTest)(nil)))
	assert.Equal(t, slog.AnyValue("x"), structToSlogValue("x"))
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	fallback := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	assert.Same(t, fallback, loggerFrom(ctx, fallback))
	assert.Same(t, slog.Default(), loggerFrom(ctx, nil))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx = WithLogger(ctx, logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
	assert.Same(t, logger, loggerFrom(ctx, fallback))
}

func TestHandleRecover(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	for _, rc := range []any{"string panic", errors.New("error panic"), 42} {
		require.NotPanics(
			t, func() {
				defer func() {
					if r := recover(); r != nil {
						handleRecover(context.Background(), logger, r)
					}
				}()
				panic(rc)
			},
		)
	}

	out := buf.String()
	assert.Equal(t, 3, strings.Count(out, "recovered from panic"))
	assert.Contains(t, out, "string panic")
	assert.Contains(t, out, "error panic")
	assert.Contains(t, out, `"panic_arg":"42"`)
	assert.Contains(t, out, "stack_trace")
}

func TestDiscordInteractionOptions(t *testing.T) {
	t.Parallel()
	opts := discordInteractionOptions(
		[]*discordgo.ApplicationCommandInteractionDataOption{
			stringOption(reminderOptionWhen, "10m"),
			boolOption(reminderOptionDM, true),
		},
	)
	require.Len(t, opts, 2)
	assert.Equal(t, "10m", opts[reminderOptionWhen].StringValue())
	assert.True(t, opts[reminderOptionDM].BoolValue())

	assert.Empty(t, discordInteractionOptions(nil))
}

func TestInteractionUser(t *testing.T) {
	t.Parallel()
	dmUser := &discordgo.User{ID: "dm"}
	guildUser := &discordgo.User{ID: "guild"}

	assert.Nil(t, interactionUser(&discordgo.InteractionCreate{}))
	assert.Same(
		t,
		dmUser,
		interactionUser(
			&discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{User: dmUser},
			},
		),
	)
	assert.Same(
		t,
		guildUser,
		interactionUser(
			&discordgo.InteractionCreate{
				Interaction: &discordgo.Interaction{
					GuildID: "g1",
					Member:  &discordgo.Member{User: guildUser},
				},
			},
		),
	)
}

func TestInteractionLogAttrs(t *testing.T) {
	t.Parallel()
	i := discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "i1",
			Type:      discordgo.InteractionApplicationCommand,
			ChannelID: "c1",
			GuildID:   "g1",
			Member:    &discordgo.Member{User: &discordgo.User{ID: "u1"}},
		},
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("test", slog.Group("interaction", interactionLogAttrs(i)...))

	out := buf.String()
	assert.Contains(t, out, `"id":"i1"`)
	assert.Contains(t, out, `"channel_id":"c1"`)
	assert.Contains(t, out, `"guild_id":"g1"`)
	assert.Contains(t, out, `"user_id":"u1"`)
}
