// Package watchman implements a Discord bot which lets users schedule
// reminders, and delivers each one when it comes due.
//
// Reminders are persisted (SQLite or PostgreSQL, via GORM), so they
// survive restarts. A background poller periodically claims reminders
// that are due, delivers them through discord, and marks them delivered.
// Reminders which came due while the bot was down are delivered by the
// catch-up cycle run at startup.
//
// Key components of the package include:
//
//   - Bot: Wires everything together and manages startup/shutdown.
//   - ReminderStore: Persists reminders, and hands out claims on due ones.
//   - ExpiryPoller: Delivers due reminders on an interval.
//   - DiscordDispatcher: Sends reminder messages, rate limited.
//   - ReminderCommand: The /reminder slash command.
//   - API: Admin HTTP API, health check and prometheus metrics.
//
// The /reminder command supports these subcommands:
//
//   - create: Set a reminder (ex: `when:10m text:stand up`)
//   - list: List your pending reminders
//   - cancel: Cancel one of your pending reminders
package watchman
