package watchman

import (
	"errors"
	"fmt"
)

var (
	// ErrReminderNotFound is returned when a reminder doesn't exist, was
	// cancelled, or (for cancellation) has already been delivered.
	ErrReminderNotFound = errors.New("reminder not found")

	// ErrAlreadyDelivered is returned by [ReminderStore.MarkDelivered] when
	// the reminder was already marked delivered by an earlier call.
	ErrAlreadyDelivered = errors.New("reminder already delivered")

	// ErrForbidden is returned when a user attempts to cancel a reminder
	// they don't own.
	ErrForbidden = errors.New("reminder belongs to another user")

	ErrTooManyReminders = errors.New("too many pending reminders")
)

// ValidationError indicates malformed or past-dated reminder input.
// Nothing is written to the database when it's returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func newValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StoreError wraps a failure from the underlying database. These are
// generally transient - the poller retries on its next tick, commands
// report a generic failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("reminder store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// TransportError is returned by a [NotificationDispatcher] when a message
// couldn't be delivered.
type TransportError struct {
	Destination string
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("error delivering to %s: %v", e.Destination, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is, or wraps, a [ValidationError]
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
