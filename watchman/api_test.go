package watchman

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testAPIToken = "test-api-token"

func apiRequest(
	t testing.TB,
	bot *Bot,
	method string,
	path string,
	authorized bool,
) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testAPIToken)
	}
	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	bot, _, clock := newTestBot(t)
	createTestReminder(t, bot.store, "u1", clock.Now().Add(time.Hour))
	createTestReminder(t, bot.store, "u2", clock.Now().Add(time.Hour))

	// public, no token needed
	w := apiRequest(t, bot, http.MethodGet, apiHealthCheck, false)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeJSON[healthCheckResponse](t, w)
	assert.Equal(t, int64(2), resp.PendingReminders)
	assert.False(t, resp.DiscordConnected)
	assert.False(t, resp.PollerRunning)
	assert.Nil(t, resp.LastCycle)
}

func TestAPI_HealthCheck_DiscordConnects(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)

	bot.discord.handlerConnect()(nil, nil)
	bot.discord.handlerDisconnect()(nil, nil)
	bot.discord.handlerConnect()(nil, nil)

	w := apiRequest(t, bot, http.MethodGet, apiHealthCheck, false)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[healthCheckResponse](t, w)
	assert.True(t, resp.DiscordConnected)
	assert.Equal(t, int64(2), resp.DiscordConnects)
	assert.Equal(t, int64(1), resp.DiscordDisconnects)

	w = apiRequest(t, bot, http.MethodGet, apiMetrics, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "watchman_discord_connects_total 2")
	assert.Contains(t, w.Body.String(), "watchman_discord_disconnects_total 1")
}

func TestAPI_HealthCheck_DatabaseUnavailable(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	sqlDB, err := bot.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	w := apiRequest(t, bot, http.MethodGet, apiHealthCheck, false)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAPI_Unauthorized(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, apiMetrics},
		{http.MethodGet, apiPrefix + apiPathReminders},
		{http.MethodGet, apiPrefix + "/reminders/1"},
		{http.MethodDelete, apiPrefix + "/reminders/1"},
		{http.MethodPost, apiPrefix + apiPathPollerWake},
	}
	for _, p := range paths {
		t.Run(
			p.method+" "+p.path, func(t *testing.T) {
				w := apiRequest(t, bot, p.method, p.path, false)
				assert.Equal(t, http.StatusUnauthorized, w.Code)

				req := httptest.NewRequest(p.method, p.path, nil)
				req.Header.Set("Authorization", "Bearer nope")
				w = httptest.NewRecorder()
				bot.api.engine.ServeHTTP(w, req)
				assert.Equal(t, http.StatusUnauthorized, w.Code)
			},
		)
	}
}

func TestAPI_ListReminders(t *testing.T) {
	t.Parallel()
	bot, _, clock := newTestBot(t)
	now := clock.Now()

	third := createTestReminder(t, bot.store, "u1", now.Add(3*time.Hour))
	first := createTestReminder(t, bot.store, "u1", now.Add(time.Hour))
	other := createTestReminder(t, bot.store, "u2", now.Add(2*time.Hour))

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathReminders, true)
	require.Equal(t, http.StatusOK, w.Code)
	all := decodeJSON[[]Reminder](t, w)
	assert.Equal(t, []uint{first.ID, other.ID, third.ID}, dueIDs(all))

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathReminders+"?owner=u1", true)
	require.Equal(t, http.StatusOK, w.Code)
	owned := decodeJSON[[]Reminder](t, w)
	assert.Equal(t, []uint{first.ID, third.ID}, dueIDs(owned))

	w = apiRequest(
		t, bot, http.MethodGet,
		apiPrefix+apiPathReminders+"?owner=u1&limit=1&offset=1",
		true,
	)
	require.Equal(t, http.StatusOK, w.Code)
	page := decodeJSON[[]Reminder](t, w)
	assert.Equal(t, []uint{third.ID}, dueIDs(page))

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathReminders+"?owner=nobody", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestAPI_ListReminders_InvalidQuery(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)

	for _, q := range []string{"limit=1000", "limit=abc", "offset=-1"} {
		w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathReminders+"?"+q, true)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestAPI_GetReminder(t *testing.T) {
	t.Parallel()
	bot, _, clock := newTestBot(t)
	r := createTestReminder(t, bot.store, "u1", clock.Now().Add(time.Hour))

	w := apiRequest(t, bot, http.MethodGet, fmt.Sprintf("%s/reminders/%d", apiPrefix, r.ID), true)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON[Reminder](t, w)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, "u1", got.Owner)
	assert.Equal(t, r.Payload, got.Payload)
	assert.False(t, got.Delivered)
	assert.NotContains(t, w.Body.String(), "claim")

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/reminders/9999", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/reminders/abc", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/reminders/0", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_CancelReminder(t *testing.T) {
	t.Parallel()
	bot, _, clock := newTestBot(t)
	r := createTestReminder(t, bot.store, "u1", clock.Now().Add(time.Hour))
	path := fmt.Sprintf("%s/reminders/%d", apiPrefix, r.ID)

	w := apiRequest(t, bot, http.MethodDelete, path, true)
	require.Equal(t, http.StatusOK, w.Code)
	reply := decodeJSON[httpReply](t, w)
	assert.Contains(t, reply.Message, "cancelled")

	_, err := bot.store.Get(context.Background(), r.ID)
	assert.ErrorIs(t, err, ErrReminderNotFound)

	w = apiRequest(t, bot, http.MethodDelete, path, true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_CancelReminder_Delivered(t *testing.T) {
	t.Parallel()
	bot, _, clock := newTestBot(t)
	ctx := context.Background()
	r := createTestReminder(t, bot.store, "u1", clock.Now().Add(time.Second))
	clock.Advance(time.Second)

	require.NoError(t, bot.store.MarkDelivered(ctx, r.ID, nil))

	w := apiRequest(t, bot, http.MethodDelete, fmt.Sprintf("%s/reminders/%d", apiPrefix, r.ID), true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_WakePoller(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)

	w := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathPollerWake, true)
	assert.Equal(t, http.StatusAccepted, w.Code)

	// waking a poller that isn't running doesn't block
	w = apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathPollerWake, true)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestAPI_Metrics(t *testing.T) {
	t.Parallel()
	bot, _, clock := newTestBot(t)
	createTestReminder(t, bot.store, "u1", clock.Now().Add(time.Hour))

	w := apiRequest(t, bot, http.MethodGet, apiMetrics, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "watchman_reminders_created_total")
	assert.Contains(t, w.Body.String(), "watchman_reminders_cancelled_total")
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(requestIDMiddleware())
	r.GET(
		"/", func(c *gin.Context) {
			id, _ := c.Get(xRequestIDHeader)
			c.String(http.StatusOK, "%v", id)
		},
	)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	generated := w.Header().Get(xRequestIDHeader)
	require.NotEmpty(t, generated)
	assert.Equal(t, generated, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(xRequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(xRequestIDHeader))
	assert.Equal(t, "abc-123", w.Body.String())
}

func TestTokenAuthMiddleware_NoToken(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r.Use(tokenAuthMiddleware("", logger))
	r.GET(
		"/", func(c *gin.Context) {
			c.Status(http.StatusNoContent)
		},
	)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAPI_Serve(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	bot.api.config.Listen = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- bot.api.Serve(ctx)
	}()
	require.Eventually(
		t,
		func() bool { return bot.api.Addr() != nil },
		5*time.Second,
		10*time.Millisecond,
	)

	resp, err := http.Get(fmt.Sprintf("http://%s%s", bot.api.Addr().String(), apiHealthCheck))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(shutdownCancel)
	require.NoError(t, bot.api.httpServer.Shutdown(shutdownCtx))
	assert.ErrorIs(t, <-serveErr, http.ErrServerClosed)
}
