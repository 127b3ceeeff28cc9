package watchman

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// finalizeTimeout bounds the store calls made after the poller's context
// is cancelled (marking an in-flight delivery, releasing claims)
var finalizeTimeout = 10 * time.Second

// markDeliveredAttempts is how many times a failed MarkDelivered is tried
// after a delivery attempt, waiting attempt*markDeliveredBackoff between
// tries
var (
	markDeliveredAttempts = 3
	markDeliveredBackoff  = 250 * time.Millisecond
)

// PollerOptions configures an [ExpiryPoller]. Zero values fall back to
// the package defaults.
type PollerOptions struct {
	Interval        time.Duration
	DeliveryTimeout time.Duration

	// Retention is how long finished reminders are kept. 0=forever
	Retention  time.Duration
	PurgeEvery int

	// Now returns the current time. Defaults to time.Now
	Now func() time.Time

	// Format renders a reminder as the message to deliver.
	// Defaults to reminderMessage.
	Format func(Reminder) string

	Logger *slog.Logger

	metrics *metrics
}

// CycleResult describes a single poll cycle
type CycleResult struct {
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Due       int       `json:"due"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
	Purged    int64     `json:"purged"`
	Err       error     `json:"-"`
}

func (c CycleResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Duration("duration", c.Finished.Sub(c.Started)),
		slog.Int("due", c.Due),
		slog.Int("delivered", c.Delivered),
		slog.Int("failed", c.Failed),
	}
	if c.Purged > 0 {
		attrs = append(attrs, slog.Int64("purged", c.Purged))
	}
	if c.Err != nil {
		attrs = append(attrs, tint.Err(c.Err))
	}
	return slog.GroupValue(attrs...)
}

// ExpiryPoller periodically asks a [ReminderStore] for due reminders and
// delivers each of them through a [NotificationDispatcher].
//
// Each due reminder gets exactly one delivery attempt. Whether the
// attempt succeeds or fails, the reminder is then marked delivered,
// with any transport error recorded alongside it.
type ExpiryPoller struct {
	store      ReminderStore
	dispatcher NotificationDispatcher

	interval        time.Duration
	deliveryTimeout time.Duration
	retention       time.Duration
	purgeEvery      int
	now             func() time.Time
	format          func(Reminder) string

	logger  *slog.Logger
	metrics *metrics

	wake    chan struct{}
	running atomic.Bool
	cycles  atomic.Int64

	mu        sync.RWMutex
	lastCycle CycleResult
}

func NewExpiryPoller(
	store ReminderStore,
	dispatcher NotificationDispatcher,
	opts PollerOptions,
) *ExpiryPoller {
	p := &ExpiryPoller{
		store:           store,
		dispatcher:      dispatcher,
		interval:        opts.Interval,
		deliveryTimeout: opts.DeliveryTimeout,
		retention:       opts.Retention,
		purgeEvery:      opts.PurgeEvery,
		now:             opts.Now,
		format:          opts.Format,
		logger:          opts.Logger,
		metrics:         opts.metrics,
		wake:            make(chan struct{}, 1),
	}
	if p.interval <= 0 {
		p.interval = DefaultPollerInterval
	}
	if p.deliveryTimeout <= 0 {
		p.deliveryTimeout = DefaultPollerDeliveryTimeout
	}
	if p.purgeEvery <= 0 {
		p.purgeEvery = DefaultPollerPurgeEvery
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.format == nil {
		p.format = reminderMessage
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With(loggerNameKey, "poller")
	return p
}

// Run runs a catch-up cycle immediately, then one cycle per interval,
// until ctx is cancelled. Errors and panics within a cycle are logged,
// and don't stop the loop.
func (p *ExpiryPoller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("poller already running")
	}
	defer p.running.Store(false)

	p.logger.InfoContext(ctx, "starting poller", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(
				ctx,
				"poller stopped",
				"cycles", p.cycles.Load(),
			)
			return nil
		case <-ticker.C:
			p.cycle(ctx)
		case <-p.wake:
			p.logger.DebugContext(ctx, "woken up")
			p.cycle(ctx)
		}
	}
}

// Wake triggers a cycle as soon as the current one (if any) finishes,
// without waiting for the next tick
func (p *ExpiryPoller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// LastCycle returns the result of the most recently finished cycle.
// Started is zero if no cycle has finished yet.
func (p *ExpiryPoller) LastCycle() CycleResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastCycle
}

// Running reports whether Run is currently executing
func (p *ExpiryPoller) Running() bool {
	return p.running.Load()
}

// cycle runs a single poll cycle, recovering from any panic
func (p *ExpiryPoller) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n := p.cycles.Add(1)
	res := &CycleResult{Started: p.now()}

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, p.logger, rc)
			res.Err = errors.Join(res.Err, fmt.Errorf("panic: %v", rc))
		}
		res.Finished = p.now()

		elapsed := res.Finished.Sub(res.Started)
		if res.Err != nil {
			p.metrics.pollCycle(resultError, elapsed)
			p.logger.ErrorContext(ctx, "poll cycle failed", "cycle", res)
		} else {
			p.metrics.pollCycle(resultSuccess, elapsed)
			if res.Due > 0 || res.Purged > 0 {
				p.logger.InfoContext(ctx, "poll cycle finished", "cycle", res)
			}
		}

		p.mu.Lock()
		p.lastCycle = *res
		p.mu.Unlock()
	}()

	p.deliverDue(ctx, res)

	if p.retention > 0 && n%int64(p.purgeEvery) == 0 && ctx.Err() == nil {
		p.purge(ctx, res)
	}
}

// deliverDue delivers everything currently due, earliest first. Claims
// on reminders that weren't reached (because ctx was cancelled, or a
// delivery panicked) are released before returning.
func (p *ExpiryPoller) deliverDue(ctx context.Context, res *CycleResult) {
	due, err := p.store.DueBefore(ctx, res.Started)
	if err != nil {
		res.Err = err
		return
	}
	res.Due = len(due)

	processed := 0
	defer func() {
		if processed >= len(due) {
			return
		}
		ids := make([]uint, 0, len(due)-processed)
		for _, r := range due[processed:] {
			ids = append(ids, r.ID)
		}
		rctx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx),
			finalizeTimeout,
		)
		defer cancel()
		if releaseErr := p.store.Release(rctx, ids...); releaseErr != nil {
			p.logger.ErrorContext(
				ctx,
				"error releasing claims",
				tint.Err(releaseErr),
				"ids", ids,
			)
			return
		}
		p.logger.InfoContext(ctx, "released unprocessed reminders", "ids", ids)
	}()

	for _, r := range due {
		if ctx.Err() != nil {
			return
		}
		p.deliver(ctx, r, res)
		processed++
	}
}

// deliver makes the single delivery attempt for r, then marks it
// delivered. Once started, a delivery runs to completion (or its
// timeout) even if ctx is cancelled.
func (p *ExpiryPoller) deliver(ctx context.Context, r Reminder, res *CycleResult) {
	logger := p.logger.With("reminder", r)
	detached := context.WithoutCancel(ctx)

	// the batch was read when the cycle started, so the reminder may
	// have been cancelled while earlier ones were being sent
	if !p.stillClaimed(ctx, r, res, logger) {
		return
	}

	dctx, cancel := context.WithTimeout(detached, p.deliveryTimeout)
	deliveryErr := p.dispatcher.Deliver(dctx, r.Destination, p.format(r))
	cancel()

	if deliveryErr != nil {
		res.Failed++
		p.metrics.reminderDelivered(resultError)
		logger.WarnContext(ctx, "delivery failed", tint.Err(deliveryErr))
	}

	err := p.markDelivered(detached, r.ID, deliveryErr)
	switch {
	case err == nil:
		if deliveryErr == nil {
			res.Delivered++
			p.metrics.reminderDelivered(resultSuccess)
			logger.InfoContext(ctx, "delivered reminder")
		}
	case errors.Is(err, ErrAlreadyDelivered):
		p.metrics.reminderDelivered(resultDupe)
		logger.WarnContext(ctx, "reminder was already marked delivered")
	case errors.Is(err, ErrReminderNotFound):
		// cancelled while being delivered
		p.metrics.reminderDelivered(resultMissing)
		logger.InfoContext(ctx, "reminder disappeared during delivery")
	default:
		// the claim is left in place, so the reminder is retried once
		// it goes stale rather than on the very next tick
		res.Err = errors.Join(res.Err, err)
		logger.ErrorContext(ctx, "error marking reminder delivered", tint.Err(err))
	}
}

// stillClaimed re-reads r, reporting whether it's still pending and
// held by this cycle's claim. A reminder that can't be read is
// released, to be picked up again on the next cycle.
func (p *ExpiryPoller) stillClaimed(
	ctx context.Context,
	r Reminder,
	res *CycleResult,
	logger *slog.Logger,
) bool {
	current, err := p.store.Get(ctx, r.ID)
	switch {
	case errors.Is(err, ErrReminderNotFound):
		p.metrics.reminderDelivered(resultMissing)
		logger.InfoContext(ctx, "reminder was cancelled before delivery")
		return false
	case err != nil:
		res.Err = errors.Join(res.Err, err)
		logger.ErrorContext(ctx, "error checking reminder", tint.Err(err))
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		if releaseErr := p.store.Release(rctx, r.ID); releaseErr != nil {
			logger.ErrorContext(ctx, "error releasing claim", tint.Err(releaseErr))
		}
		return false
	case current.Delivered:
		p.metrics.reminderDelivered(resultDupe)
		logger.WarnContext(ctx, "reminder was already marked delivered")
		return false
	case r.ClaimToken != nil && (current.ClaimToken == nil || *current.ClaimToken != *r.ClaimToken):
		logger.WarnContext(ctx, "claim on reminder was lost before delivery")
		return false
	}
	return true
}

// markDelivered calls [ReminderStore.MarkDelivered], retrying store
// errors. Giving up leaves the claim in place, and the reminder is sent
// again once the claim goes stale.
func (p *ExpiryPoller) markDelivered(
	ctx context.Context,
	id uint,
	deliveryErr error,
) error {
	var err error
	for attempt := 1; attempt <= markDeliveredAttempts; attempt++ {
		mctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
		err = p.store.MarkDelivered(mctx, id, deliveryErr)
		cancel()

		var storeErr *StoreError
		if err == nil || !errors.As(err, &storeErr) {
			return err
		}
		if attempt < markDeliveredAttempts {
			p.logger.WarnContext(
				ctx,
				"error marking reminder delivered, retrying",
				tint.Err(err),
				"id", id,
				"attempt", attempt,
			)
			time.Sleep(time.Duration(attempt) * markDeliveredBackoff)
		}
	}
	return err
}

func (p *ExpiryPoller) purge(ctx context.Context, res *CycleResult) {
	before := res.Started.Add(-p.retention)
	purged, err := p.store.PurgeDelivered(ctx, before)
	if err != nil {
		res.Err = errors.Join(res.Err, err)
		return
	}
	res.Purged = purged
	if purged > 0 {
		p.metrics.remindersPurged(purged)
		p.logger.InfoContext(
			ctx,
			"purged finished reminders",
			"count", purged,
			"before", before,
		)
	}
}
