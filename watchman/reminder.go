package watchman

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	columnReminderOwner         = "owner"
	columnReminderExpiresAt     = "expires_at"
	columnReminderDelivered     = "delivered"
	columnReminderDeliveredAt   = "delivered_at"
	columnReminderDeliveryError = "delivery_error"
	columnReminderClaimToken    = "claim_token"
	columnReminderClaimedAt     = "claimed_at"

	// orderDue is the order in which due reminders are returned and
	// processed - earliest first, ties broken by creation order
	orderDue = "expires_at asc, id asc"
)

// Reminder is a message a user asked to have delivered to a channel at
// a later time.
//
// A reminder is pending until the poller marks it delivered. Cancelled
// reminders are soft-deleted, so their IDs are never handed out again.
//
//nolint:lll // struct tags can't be split
type Reminder struct {
	ModelUintID
	ModelUnixTime

	// Owner is the discord user ID of the user who created the reminder
	Owner string `json:"owner" gorm:"type:string;not null;index"`

	// Destination is the discord channel ID the reminder is delivered to
	Destination string `json:"destination" gorm:"type:string;not null"`

	// GuildID is the guild the reminder was created in, if any
	GuildID string `json:"guild_id,omitempty" gorm:"type:string"`

	// Payload is the user's reminder text
	Payload string `json:"payload" gorm:"type:text"`

	// ExpiresAt is when the reminder becomes due, in unix milliseconds
	ExpiresAt int64 `json:"expires_at" gorm:"not null;index"`

	// Delivered is set once, by the poller, after a delivery attempt
	Delivered bool `json:"delivered" gorm:"not null;default:false;index"`

	// DeliveredAt is when Delivered was set, in unix milliseconds
	DeliveredAt *int64 `json:"delivered_at,omitempty"`

	// DeliveryError holds the transport error from the delivery attempt,
	// if it failed
	DeliveryError string `json:"delivery_error,omitempty" gorm:"type:text"`

	// ClaimToken is set by [ReminderStore.DueBefore] to reserve the
	// reminder for a single poll cycle
	ClaimToken *string `json:"-" gorm:"type:string;index"`
	ClaimedAt  *int64  `json:"-"`
}

func (Reminder) TableName() string {
	return "reminders"
}

// ExpiresAtTime returns ExpiresAt as a time.Time
func (r Reminder) ExpiresAtTime() time.Time {
	return time.UnixMilli(r.ExpiresAt).UTC()
}

func (r Reminder) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("id", uint64(r.ID)),
		slog.String("owner", r.Owner),
		slog.String("destination", r.Destination),
		slog.Time("expires_at", r.ExpiresAtTime()),
		slog.Bool("delivered", r.Delivered),
	}
	if r.GuildID != "" {
		attrs = append(attrs, slog.String("guild_id", r.GuildID))
	}
	return slog.GroupValue(attrs...)
}

// ReminderStore is the durable record of reminders. It has no timing
// logic of its own; callers pass in the current time where it matters.
type ReminderStore interface {
	// Create stores a new reminder. It returns a *ValidationError if
	// expiresAt isn't strictly after the current time, or if any other
	// field is invalid, and ErrTooManyReminders if a [WithMaxPending]
	// limit is reached.
	Create(
		ctx context.Context,
		owner string,
		destination string,
		payload string,
		expiresAt time.Time,
		opts ...ReminderOption,
	) (*Reminder, error)

	// DueBefore returns undelivered reminders with an expiry at or before
	// now, earliest first. Returned reminders are claimed, so a
	// concurrent caller won't receive them until the claim is released
	// or goes stale.
	DueBefore(ctx context.Context, now time.Time) ([]Reminder, error)

	// MarkDelivered marks the reminder delivered, recording deliveryErr
	// if the attempt failed. Returns ErrAlreadyDelivered if it was
	// already marked, or ErrReminderNotFound.
	MarkDelivered(ctx context.Context, id uint, deliveryErr error) error

	// Release drops the claims on the given undelivered reminders
	Release(ctx context.Context, ids ...uint) error

	// Cancel deletes a pending reminder. Returns ErrForbidden if the
	// requester isn't the owner, or ErrReminderNotFound if it doesn't
	// exist or has already been delivered.
	Cancel(ctx context.Context, id uint, requester string) error

	// ListFor returns the pending reminders for the given owner
	ListFor(ctx context.Context, owner string) ([]Reminder, error)

	// Get returns a reminder by ID, delivered or not
	Get(ctx context.Context, id uint) (*Reminder, error)

	// List returns pending reminders, optionally for one owner, earliest first
	List(ctx context.Context, owner string, limit int, offset int) ([]Reminder, error)

	// CountPending returns the number of pending reminders. If owner is
	// empty, all pending reminders are counted.
	CountPending(ctx context.Context, owner string) (int64, error)

	// PurgeDelivered permanently removes delivered or cancelled reminders
	// that were finalized before the given time.
	PurgeDelivered(ctx context.Context, before time.Time) (int64, error)
}

// ReminderOption sets optional fields and limits for [ReminderStore.Create]
type ReminderOption func(o *createOptions)

type createOptions struct {
	guildID    string
	maxPending int
}

// WithGuildID records the guild a reminder was created in
func WithGuildID(guildID string) ReminderOption {
	return func(o *createOptions) {
		o.guildID = guildID
	}
}

// WithMaxPending makes Create fail with ErrTooManyReminders if the owner
// already has n or more pending reminders. The count and the insert
// happen in the same transaction. 0=unlimited
func WithMaxPending(n int) ReminderOption {
	return func(o *createOptions) {
		o.maxPending = n
	}
}

// StoreOptions configures a reminder store
type StoreOptions struct {
	// BatchSize limits the number of reminders returned by DueBefore.
	// 0=unlimited
	BatchSize int

	// ClaimTTL is how long a DueBefore claim holds before another
	// caller may take the reminder over
	ClaimTTL time.Duration

	// MaxPayloadLength is the maximum reminder text length, in
	// characters. 0=unlimited
	MaxPayloadLength int

	// Now returns the current time. Defaults to time.Now
	Now func() time.Time

	Logger *slog.Logger

	// ConcurrentWrites disables the write mutex (for PostgreSQL)
	ConcurrentWrites bool
}

type reminderStore struct {
	db               *database
	logger           *slog.Logger
	now              func() time.Time
	batchSize        int
	claimTTL         time.Duration
	maxPayloadLength int
}

// NewReminderStore returns a [ReminderStore] backed by the given
// GORM connection. The schema must already be migrated (see [CreateDB]).
func NewReminderStore(db *gorm.DB, opts StoreOptions) ReminderStore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	claimTTL := opts.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = DefaultPollerClaimTTL
	}
	return &reminderStore{
		db:               newDatabase(db, logger, opts.ConcurrentWrites),
		logger:           logger.With(loggerNameKey, "reminder_store"),
		now:              now,
		batchSize:        opts.BatchSize,
		claimTTL:         claimTTL,
		maxPayloadLength: opts.MaxPayloadLength,
	}
}

func (s *reminderStore) Create(
	ctx context.Context,
	owner string,
	destination string,
	payload string,
	expiresAt time.Time,
	opts ...ReminderOption,
) (*Reminder, error) {
	owner = strings.TrimSpace(owner)
	destination = strings.TrimSpace(destination)

	switch {
	case owner == "":
		return nil, newValidationError("owner", "required")
	case destination == "":
		return nil, newValidationError("destination", "required")
	case s.maxPayloadLength > 0 && utf8.RuneCountInString(payload) > s.maxPayloadLength:
		return nil, newValidationError(
			"text",
			"must be %d characters or less",
			s.maxPayloadLength,
		)
	}

	createdAt := s.now().UTC().UnixMilli()
	expires := expiresAt.UTC().UnixMilli()
	if expires <= createdAt {
		return nil, newValidationError("time", "must be in the future")
	}

	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}

	r := &Reminder{
		Owner:       owner,
		Destination: destination,
		Payload:     payload,
		ExpiresAt:   expires,
		GuildID:     o.guildID,
	}
	r.CreatedAt = createdAt

	if o.maxPending > 0 {
		if err := s.createLimited(ctx, r, o.maxPending); err != nil {
			return nil, err
		}
	} else if _, err := s.db.Create(ctx, r); err != nil {
		return nil, &StoreError{Op: "create", Err: err}
	}
	s.logger.InfoContext(ctx, "created reminder", "reminder", r)
	return r, nil
}

// createLimited inserts r unless its owner already has maxPending
// pending reminders. SQLite writes are serialized by the write lock.
// PostgreSQL takes a transaction-scoped advisory lock on the owner, so
// concurrent creates for the same owner count one at a time.
func (s *reminderStore) createLimited(
	ctx context.Context,
	r *Reminder,
	maxPending int,
) error {
	var tooMany bool
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if tx.Dialector.Name() == dbTypePostgres {
				if err := tx.Exec(
					"SELECT pg_advisory_xact_lock(hashtext(?))",
					r.Owner,
				).Error; err != nil {
					return err
				}
			}
			var pending int64
			if err := tx.Model(&Reminder{}).
				Where("delivered = ? AND owner = ?", false, r.Owner).
				Count(&pending).Error; err != nil {
				return err
			}
			if pending >= int64(maxPending) {
				tooMany = true
				return nil
			}
			return tx.Create(r).Error
		},
	)
	switch {
	case err != nil:
		return &StoreError{Op: "create", Err: err}
	case tooMany:
		return ErrTooManyReminders
	}
	return nil
}

func (s *reminderStore) DueBefore(ctx context.Context, now time.Time) (
	[]Reminder,
	error,
) {
	token := uuid.NewString()
	claimedAt := s.now().UTC()
	staleBefore := claimedAt.Add(-s.claimTTL).UnixMilli()
	nowMs := now.UTC().UnixMilli()

	var due []Reminder
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var ids []uint
			q := tx.Model(&Reminder{}).
				Where("delivered = ? AND expires_at <= ?", false, nowMs).
				Where("(claim_token IS NULL OR claimed_at < ?)", staleBefore).
				Order(orderDue)
			if s.batchSize > 0 {
				q = q.Limit(s.batchSize)
			}
			if err := q.Pluck("id", &ids).Error; err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}

			// the claim conditions are repeated, so a row claimed by a
			// concurrent transaction between the select and the update
			// is skipped rather than stolen
			rv := tx.Model(&Reminder{}).
				Where("id IN ? AND delivered = ?", ids, false).
				Where("(claim_token IS NULL OR claimed_at < ?)", staleBefore).
				Updates(
					map[string]any{
						columnReminderClaimToken: token,
						columnReminderClaimedAt:  claimedAt.UnixMilli(),
					},
				)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return nil
			}
			return tx.Where("claim_token = ?", token).Order(orderDue).Find(&due).Error
		},
	)
	if err != nil {
		return nil, &StoreError{Op: "due_before", Err: err}
	}
	return due, nil
}

func (s *reminderStore) MarkDelivered(
	ctx context.Context,
	id uint,
	deliveryErr error,
) error {
	values := map[string]any{
		columnReminderDelivered:   true,
		columnReminderDeliveredAt: s.now().UTC().UnixMilli(),
		columnReminderClaimToken:  nil,
		columnReminderClaimedAt:   nil,
	}
	if deliveryErr != nil {
		values[columnReminderDeliveryError] = deliveryErr.Error()
	}

	rows, err := s.db.UpdatesWhere(
		ctx,
		&Reminder{},
		values,
		"id = ? AND delivered = ?",
		id,
		false,
	)
	if err != nil {
		return &StoreError{Op: "mark_delivered", Err: err}
	}
	if rows == 1 {
		return nil
	}

	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing.Delivered {
		return ErrAlreadyDelivered
	}
	return &StoreError{
		Op:  "mark_delivered",
		Err: fmt.Errorf("no rows updated for reminder %d", id),
	}
}

func (s *reminderStore) Release(ctx context.Context, ids ...uint) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.UpdatesWhere(
		ctx,
		&Reminder{},
		map[string]any{
			columnReminderClaimToken: nil,
			columnReminderClaimedAt:  nil,
		},
		"id IN ? AND delivered = ?",
		ids,
		false,
	)
	if err != nil {
		return &StoreError{Op: "release", Err: err}
	}
	return nil
}

func (s *reminderStore) Cancel(
	ctx context.Context,
	id uint,
	requester string,
) error {
	rows, err := s.db.DeleteWhere(
		ctx,
		&Reminder{},
		"id = ? AND owner = ? AND delivered = ?",
		id,
		requester,
		false,
	)
	if err != nil {
		return &StoreError{Op: "cancel", Err: err}
	}
	if rows == 1 {
		s.logger.InfoContext(
			ctx,
			"cancelled reminder",
			"id", id,
			"requester", requester,
		)
		return nil
	}

	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case existing.Delivered:
		return ErrReminderNotFound
	case existing.Owner != requester:
		return ErrForbidden
	default:
		// delivered between the update and the lookup
		return ErrReminderNotFound
	}
}

func (s *reminderStore) ListFor(ctx context.Context, owner string) (
	[]Reminder,
	error,
) {
	return s.List(ctx, owner, 0, 0)
}

func (s *reminderStore) List(
	ctx context.Context,
	owner string,
	limit int,
	offset int,
) ([]Reminder, error) {
	db, cancel := s.db.Read(ctx)
	defer cancel()

	q := db.Where("delivered = ?", false)
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var reminders []Reminder
	if err := q.Order(orderDue).Find(&reminders).Error; err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	return reminders, nil
}

func (s *reminderStore) Get(ctx context.Context, id uint) (*Reminder, error) {
	db, cancel := s.db.Read(ctx)
	defer cancel()

	var r Reminder
	if err := db.Take(&r, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReminderNotFound
		}
		return nil, &StoreError{Op: "get", Err: err}
	}
	return &r, nil
}

func (s *reminderStore) CountPending(ctx context.Context, owner string) (
	int64,
	error,
) {
	db, cancel := s.db.Read(ctx)
	defer cancel()

	q := db.Model(&Reminder{}).Where("delivered = ?", false)
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	var ct int64
	if err := q.Count(&ct).Error; err != nil {
		return 0, &StoreError{Op: "count_pending", Err: err}
	}
	return ct, nil
}

func (s *reminderStore) PurgeDelivered(ctx context.Context, before time.Time) (
	int64,
	error,
) {
	// The newest row is always kept: SQLite assigns max(rowid)+1 to new
	// rows, so deleting it could hand its ID out again.
	rows, err := s.db.PurgeWhere(
		ctx,
		&Reminder{},
		"((delivered = ? AND delivered_at < ?) OR (deleted_at IS NOT NULL AND deleted_at < ?)) AND id < (SELECT MAX(id) FROM reminders)",
		true,
		before.UTC().UnixMilli(),
		before.UTC(),
	)
	if err != nil {
		return 0, &StoreError{Op: "purge_delivered", Err: err}
	}
	return rows, nil
}
