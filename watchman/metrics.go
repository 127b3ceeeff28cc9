package watchman

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"time"
)

const metricsNamespace = "watchman"

const (
	resultSuccess = "success"
	resultError   = "error"
	resultDupe    = "already_delivered"
	resultMissing = "not_found"
)

// metrics holds the bot's prometheus collectors. Each bot gets its own
// registry, rather than using the global default. A nil *metrics is
// valid, and records nothing.
type metrics struct {
	registry *prometheus.Registry

	RemindersCreated   prometheus.Counter
	RemindersCancelled prometheus.Counter
	RemindersPurged    prometheus.Counter
	RemindersDelivered *prometheus.CounterVec
	PollCycles         *prometheus.CounterVec
	PollCycleDuration  prometheus.Histogram
	CommandsHandled    *prometheus.CounterVec
	DiscordConnects    prometheus.Counter
	DiscordDisconnects prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		RemindersCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reminders_created_total",
				Help:      "Total number of reminders created",
			},
		),
		RemindersCancelled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reminders_cancelled_total",
				Help:      "Total number of reminders cancelled before delivery",
			},
		),
		RemindersPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reminders_purged_total",
				Help:      "Total number of finished reminders removed by retention",
			},
		),
		RemindersDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reminders_delivered_total",
				Help:      "Reminder delivery attempts, by result",
			},
			[]string{"result"},
		),
		PollCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "poll_cycles_total",
				Help:      "Poll cycles run, by result",
			},
			[]string{"result"},
		),
		PollCycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "poll_cycle_duration_seconds",
				Help:      "Duration of poll cycles",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CommandsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_handled_total",
				Help:      "Slash commands handled, by subcommand",
			},
			[]string{"subcommand"},
		),
		DiscordConnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_connects_total",
				Help:      "Discord gateway connect events",
			},
		),
		DiscordDisconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_disconnects_total",
				Help:      "Discord gateway disconnect events",
			},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RemindersCreated,
		m.RemindersCancelled,
		m.RemindersPurged,
		m.RemindersDelivered,
		m.PollCycles,
		m.PollCycleDuration,
		m.CommandsHandled,
		m.DiscordConnects,
		m.DiscordDisconnects,
	)
	return m
}

func (m *metrics) reminderCreated() {
	if m == nil {
		return
	}
	m.RemindersCreated.Inc()
}

func (m *metrics) reminderCancelled() {
	if m == nil {
		return
	}
	m.RemindersCancelled.Inc()
}

func (m *metrics) remindersPurged(n int64) {
	if m == nil {
		return
	}
	m.RemindersPurged.Add(float64(n))
}

func (m *metrics) reminderDelivered(result string) {
	if m == nil {
		return
	}
	m.RemindersDelivered.WithLabelValues(result).Inc()
}

func (m *metrics) pollCycle(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PollCycles.WithLabelValues(result).Inc()
	m.PollCycleDuration.Observe(elapsed.Seconds())
}

func (m *metrics) commandHandled(subcommand string) {
	if m == nil {
		return
	}
	m.CommandsHandled.WithLabelValues(subcommand).Inc()
}

func (m *metrics) discordConnected() {
	if m == nil {
		return
	}
	m.DiscordConnects.Inc()
}

func (m *metrics) discordDisconnected() {
	if m == nil {
		return
	}
	m.DiscordDisconnects.Inc()
}
