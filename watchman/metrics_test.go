package watchman

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestMetrics_Nil(t *testing.T) {
	t.Parallel()
	var m *metrics
	require.NotPanics(
		t, func() {
			m.reminderCreated()
			m.reminderCancelled()
			m.remindersPurged(3)
			m.reminderDelivered(resultSuccess)
			m.pollCycle(resultError, time.Second)
			m.commandHandled(reminderSubcommandList)
			m.discordConnected()
			m.discordDisconnected()
		},
	)
}

// counterValues gathers m's registry, returning the value of each
// counter series keyed by name, plus the result label if it has one
func counterValues(t testing.TB, m *metrics) map[string]float64 {
	t.Helper()
	families, err := m.registry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			if metric.GetCounter() == nil {
				continue
			}
			name := mf.GetName()
			for _, label := range metric.GetLabel() {
				name += "/" + label.GetValue()
			}
			values[name] = metric.GetCounter().GetValue()
		}
	}
	return values
}

func TestMetrics_Record(t *testing.T) {
	t.Parallel()
	m := newMetrics()

	m.reminderCreated()
	m.reminderCreated()
	m.remindersPurged(3)
	m.reminderDelivered(resultMissing)
	m.pollCycle(resultSuccess, time.Second)
	m.discordConnected()

	values := counterValues(t, m)
	assert.Equal(t, float64(2), values["watchman_reminders_created_total"])
	assert.Equal(t, float64(3), values["watchman_reminders_purged_total"])
	assert.Equal(t, float64(1), values["watchman_reminders_delivered_total/not_found"])
	assert.Equal(t, float64(1), values["watchman_poll_cycles_total/success"])
	assert.Equal(t, float64(1), values["watchman_discord_connects_total"])
	assert.Equal(t, float64(0), values["watchman_discord_disconnects_total"])
}

func TestNew_SharesMetrics(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	require.NotNil(t, bot.metrics)
	assert.Same(t, bot.metrics, bot.poller.metrics)
	assert.Same(t, bot.metrics, bot.command.metrics)
	assert.Same(t, bot.metrics, bot.discord.metrics)

	clock := newFakeClock()
	store, _ := newTestStore(t, clock)
	p := newTestPoller(store, &recordingDispatcher{}, clock, PollerOptions{})
	assert.Nil(t, p.metrics)
}
