package watchman

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	apiPrefix          = "/api"
	apiHealthCheck     = "/healthz"
	apiMetrics         = "/metrics"
	apiPathReminders   = "/reminders"
	apiPathReminder    = "/reminders/:id"
	apiPathPollerWake  = "/poller/wake"
	xRequestIDHeader   = "X-Request-ID"
	defaultAPIPageSize = 50
)

// API is the admin HTTP server. It exposes a health check, prometheus
// metrics, and endpoints to inspect and cancel reminders.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	listenMu   sync.Mutex
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
}

// APIHandlers holds the handlers for API routes
type APIHandlers struct {
	bot    *Bot
	logger *slog.Logger
}

type httpError struct {
	Error string `json:"error"`
}

type httpReply struct {
	Message string `json:"message"`
}

type healthCheckResponse struct {
	DiscordConnected   bool         `json:"discord_connected"`
	DiscordConnects    int64        `json:"discord_connects"`
	DiscordDisconnects int64        `json:"discord_disconnects"`
	PollerRunning      bool         `json:"poller_running"`
	PendingReminders   int64        `json:"pending_reminders"`
	LastCycle          *cycleStatus `json:"last_cycle,omitempty"`
	Uptime             string       `json:"uptime,omitempty"`
}

type cycleStatus struct {
	CycleResult
	Error string `json:"error,omitempty"`
}

// ReminderQuery is the query string accepted when listing reminders
type ReminderQuery struct {
	Owner  string `form:"owner"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset int    `form:"offset" binding:"omitempty,min=0"`
}

func newAPI(b *Bot, config *APIConfig) *API {
	logger := slog.New(newLogHandler("api", config.LogLevel))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: logger,
		handlers: &APIHandlers{
			bot:    b,
			logger: logger,
		},
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
	)

	h := api.handlers
	r.GET(apiHealthCheck, h.healthCheck)

	auth := tokenAuthMiddleware(config.Token, logger)
	r.GET(
		apiMetrics,
		auth,
		gin.WrapH(promhttp.HandlerFor(b.metrics.registry, promhttp.HandlerOpts{})),
	)

	protected := r.Group(apiPrefix)
	protected.Use(auth)
	protected.GET(apiPathReminders, h.listReminders)
	protected.GET(apiPathReminder, h.getReminder)
	protected.DELETE(apiPathReminder, h.cancelReminder)
	protected.POST(apiPathPollerWake, h.wakePoller)

	return api
}

// Serve listens on the configured address and serves until the server
// is shut down
func (a *API) Serve(ctx context.Context) error {
	a.listenMu.Lock()
	ln := a.listener
	if ln == nil {
		listenCfg := &net.ListenConfig{}
		var err error
		ln, err = listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			a.listenMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.listenMu.Unlock()

	a.logger.InfoContext(ctx, "serving api", "addr", ln.Addr().String())
	return a.httpServer.Serve(ln)
}

// Addr returns the listener's address, once Serve has been called
func (a *API) Addr() net.Addr {
	a.listenMu.Lock()
	defer a.listenMu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// healthCheck reports discord connection state, poller state, and the
// number of pending reminders. It responds with 503 if the database
// can't be queried.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	b := h.bot
	resp := healthCheckResponse{
		DiscordConnected:   b.discord.connected.Load(),
		DiscordConnects:    b.discord.connects.Load(),
		DiscordDisconnects: b.discord.disconnects.Load(),
		PollerRunning:      b.poller.Running(),
	}
	if !b.startedAt.IsZero() {
		resp.Uptime = time.Since(b.startedAt).Round(time.Second).String()
	}
	if last := b.poller.LastCycle(); !last.Started.IsZero() {
		status := &cycleStatus{CycleResult: last}
		if last.Err != nil {
			status.Error = last.Err.Error()
		}
		resp.LastCycle = status
	}

	pending, err := b.store.CountPending(c.Request.Context(), "")
	if err != nil {
		ginContextLogger(c).ErrorContext(
			c.Request.Context(),
			"error counting pending reminders",
			tint.Err(err),
		)
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp.PendingReminders = pending
	c.JSON(http.StatusOK, resp)
}

// listReminders returns pending reminders, earliest first, optionally
// filtered by owner.
//
// Query parameters:
//   - owner: discord user ID
//   - limit: max results (default 50, max 500)
//   - offset
func (h *APIHandlers) listReminders(c *gin.Context) {
	var q ReminderQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}
	if q.Limit == 0 {
		q.Limit = defaultAPIPageSize
	}

	reminders, err := h.bot.store.List(
		c.Request.Context(),
		q.Owner,
		q.Limit,
		q.Offset,
	)
	if err != nil {
		ginContextLogger(c).ErrorContext(
			c.Request.Context(),
			"error listing reminders",
			tint.Err(err),
		)
		ginReplyError(c, "error listing reminders")
		return
	}
	if reminders == nil {
		reminders = []Reminder{}
	}
	c.JSON(http.StatusOK, reminders)
}

// getReminder returns a single reminder, whether pending or delivered
func (h *APIHandlers) getReminder(c *gin.Context) {
	id, ok := reminderIDParam(c)
	if !ok {
		return
	}
	r, err := h.bot.store.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, ErrReminderNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "reminder not found"})
	case err != nil:
		ginContextLogger(c).ErrorContext(
			c.Request.Context(),
			"error getting reminder",
			tint.Err(err),
		)
		ginReplyError(c, "error getting reminder")
	default:
		c.JSON(http.StatusOK, r)
	}
}

// cancelReminder cancels a pending reminder on behalf of its owner
func (h *APIHandlers) cancelReminder(c *gin.Context) {
	id, ok := reminderIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	logger := ginContextLogger(c)

	r, err := h.bot.store.Get(ctx, id)
	if err == nil {
		err = h.bot.store.Cancel(ctx, id, r.Owner)
	}

	switch {
	case errors.Is(err, ErrReminderNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "reminder not found"})
	case err != nil:
		logger.ErrorContext(ctx, "error cancelling reminder", tint.Err(err))
		ginReplyError(c, "error cancelling reminder")
	default:
		h.bot.metrics.reminderCancelled()
		logger.InfoContext(ctx, "cancelled reminder", "reminder", r)
		ginReplyMessage(c, fmt.Sprintf("reminder %d cancelled", id))
	}
}

// wakePoller triggers a poll cycle without waiting for the next tick
func (h *APIHandlers) wakePoller(c *gin.Context) {
	h.bot.poller.Wake()
	c.JSON(http.StatusAccepted, httpReply{Message: "poller woken"})
}

func reminderIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid id"})
		return 0, false
	}
	return uint(id), true
}

// tokenAuthMiddleware requires `Authorization: Bearer <token>` on every
// request. If token is empty, all requests are allowed.
func tokenAuthMiddleware(token string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		provided, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			logger.WarnContext(
				c.Request.Context(),
				"unauthorized request",
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, and sets it on the response
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", path,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.String(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
