package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/reservation-core/internal/cache"
	"github.com/iliyamo/reservation-core/internal/config"
	"github.com/iliyamo/reservation-core/internal/eventbus"
	"github.com/iliyamo/reservation-core/internal/lockmanager"
	"github.com/iliyamo/reservation-core/internal/model"
	"github.com/iliyamo/reservation-core/internal/queue"
	"github.com/iliyamo/reservation-core/internal/repository"
)

// maxAttempts bounds CreateBooking's serialization-conflict retry: the
// whole procedure runs once, and at most once more after re-acquiring the
// slot lock, before surfacing SLOT_LOCKED.
const maxAttempts = 2

// defaultHoldDuration is how long HoldSlot reserves capacity before the
// reclaim job (queue.Scheduler's slot:reclaim-expired-holds) restores it.
const defaultHoldDuration = 5 * time.Minute

// Dependencies is every collaborator the coordinator needs, injected once
// at construction so the core itself owns no lifecycle (init/teardown live
// in process bootstrap).
type Dependencies struct {
	Lock     lockmanager.Manager
	Cache    cache.AvailabilityCache
	Slots    SlotStore
	Bookings BookingStore
	Users    UserPort
	Queue    queue.JobQueue
	Bus      *eventbus.Bus
	Log      *logrus.Logger
	Cfg      config.BookingConfig
}

// Coordinator is the booking coordination core: the only component
// permitted to mutate slot capacity and booking state.
type Coordinator struct {
	deps Dependencies
}

// New returns a Coordinator bound to deps. All fields of deps must be
// non-nil except Log, which defaults to a standard logrus.Logger.
func New(deps Dependencies) *Coordinator {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	return &Coordinator{deps: deps}
}

func lockKeyForSlot(slotID string) string { return "booking:slot:" + slotID }

// CreateBookingInput is CreateBooking's request shape.
type CreateBookingInput struct {
	UserID     string
	SlotID     string
	VenueID    string
	GuestCount int
	Notes      *string
}

// CreateBooking acquires the distributed slot lock, opens a SERIALIZABLE
// transaction, validates preconditions in order, mints and persists the
// booking, debits slot capacity, commits, then fires post-commit side
// effects that never fail the call. A SERIALIZABLE conflict retries the
// whole attempt once (re-acquiring the lock) before surfacing SLOT_LOCKED.
func (c *Coordinator) CreateBooking(ctx context.Context, in CreateBookingInput) (*model.Booking, error) {
	if in.GuestCount < 1 {
		return nil, newError(CodeInsufficientCapacity, "guestCount must be at least 1")
	}

	var (
		booking *model.Booking
		slot    *model.Slot
		err     error
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		booking, slot, err = c.tryCreateBooking(ctx, in)
		if err == nil || !errors.Is(err, repository.ErrSerializationConflict) {
			break
		}
		if attempt == maxAttempts {
			err = ErrSlotLocked
		}
	}
	if err != nil {
		return nil, err
	}

	c.publishBookingCreated(ctx, booking, slot)
	return booking, nil
}

// tryCreateBooking is one attempt of CreateBooking's algorithm: lock,
// transaction, validate, persist, debit, commit. Any failure releases the
// lock (deferred) and rolls back the transaction (deferred, no-op after a
// successful commit).
func (c *Coordinator) tryCreateBooking(ctx context.Context, in CreateBookingInput) (*model.Booking, *model.Slot, error) {
	leaseToken, ok := c.deps.Lock.Acquire(ctx, lockKeyForSlot(in.SlotID), c.deps.Cfg.SlotLockTTL)
	if !ok {
		return nil, nil, ErrSlotLocked
	}
	defer c.deps.Lock.Release(ctx, lockKeyForSlot(in.SlotID), leaseToken)

	tx, err := c.deps.Slots.BeginSerializable(ctx)
	if err != nil {
		return nil, nil, wrapInternal(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	user, err := c.deps.Users.GetByID(ctx, in.UserID)
	if err != nil || !user.IsActive {
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			c.deps.Log.WithError(err).Warn("coordinator: user lookup failed")
		}
		return nil, nil, ErrUserNotFound
	}

	confirmedCount, err := c.deps.Bookings.CountConfirmedByUserTx(ctx, tx, in.UserID)
	if err != nil {
		return nil, nil, classifyOrInternal(err)
	}
	if confirmedCount >= c.deps.Cfg.MaxConcurrentBookingsPerUser {
		return nil, nil, ErrMaxBookingsReached
	}

	slot, err := c.deps.Slots.GetForUpdateTx(ctx, tx, in.SlotID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrSlotNotFound
		}
		return nil, nil, classifyOrInternal(err)
	}

	now := time.Now().UTC()
	if verr := c.checkBookingPreconditions(ctx, tx, *slot, in, now); verr != nil {
		return nil, nil, verr
	}

	booking := model.Booking{
		ID:               uuid.NewString(),
		ConfirmationCode: generateConfirmationCode(),
		UserID:           in.UserID,
		SlotID:           in.SlotID,
		VenueID:          in.VenueID,
		GuestCount:       in.GuestCount,
		Notes:            in.Notes,
		BookingDate:      slot.Date,
		Status:           model.BookingConfirmed,
		ConfirmedAt:      &now,
	}
	if slot.UnitPrice != nil {
		total := *slot.UnitPrice * float64(in.GuestCount)
		booking.TotalPrice = &total
	}

	if err := c.deps.Bookings.CreateTx(ctx, tx, booking); err != nil {
		return nil, nil, classifyOrInternal(err)
	}

	remaining, status := slot.Debit(in.GuestCount)
	if err := c.deps.Slots.UpdateCapacityTx(ctx, tx, slot.ID, remaining, status); err != nil {
		return nil, nil, classifyOrInternal(err)
	}
	slot.RemainingCapacity = remaining
	slot.Status = status

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, classifyOrInternal(repository.ClassifyError(err))
	}
	committed = true

	return &booking, slot, nil
}

// checkBookingPreconditions runs the validation gauntlet in order; the
// first failure wins.
func (c *Coordinator) checkBookingPreconditions(ctx context.Context, tx repository.Tx, slot model.Slot, in CreateBookingInput, now time.Time) error {
	if slot.Status == model.SlotBlocked {
		return ErrSlotBlocked
	}
	if slot.RemainingCapacity < in.GuestCount {
		return ErrInsufficientCapacity
	}
	if !slot.EndTime.After(now) {
		return ErrSlotInPast
	}
	horizon := now.AddDate(0, 0, c.deps.Cfg.MaxBookingAdvanceDays)
	if slot.StartTime.After(horizon) {
		return ErrAdvanceLimitExceeded
	}
	dup, err := c.deps.Bookings.ExistsConfirmedForUserSlotTx(ctx, tx, in.UserID, in.SlotID)
	if err != nil {
		return classifyOrInternal(err)
	}
	if dup {
		return ErrDuplicateBooking
	}
	return nil
}

// publishBookingCreated fires CreateBooking's post-commit side effects:
// each is independent, and a failure is logged but never escalated, since
// the booking is already durable.
func (c *Coordinator) publishBookingCreated(ctx context.Context, booking *model.Booking, slot *model.Slot) {
	c.invalidateCache(ctx, slot.VenueID, slot.Date)
	c.enqueue(ctx, "booking:confirmed", map[string]string{
		"bookingId":        booking.ID,
		"userId":           booking.UserID,
		"confirmationCode": booking.ConfirmationCode,
	})
	c.publishSlotUpdate(slot)
	c.publishBookingUpdate(booking)
}

// CancelBookingInput is CancelBooking's request shape.
type CancelBookingInput struct {
	BookingID    string
	CallerUserID string
	CallerRole   model.UserRole
	Reason       *string
}

// CancelBooking loads and authorizes the booking, checks the cancellation
// window, credits capacity back under READ COMMITTED (no double-allocation
// risk on credit), then fires post-commit side effects.
func (c *Coordinator) CancelBooking(ctx context.Context, in CancelBookingInput) (*model.Booking, error) {
	booking, err := c.deps.Bookings.Get(ctx, in.BookingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrBookingNotFound
		}
		return nil, wrapInternal(err)
	}

	if booking.UserID != in.CallerUserID && in.CallerRole != model.RoleAdmin {
		return nil, ErrUnauthorized
	}

	tx, err := c.deps.Slots.BeginReadCommitted(ctx)
	if err != nil {
		return nil, wrapInternal(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	slot, err := c.deps.Slots.GetForUpdateTx(ctx, tx, booking.SlotID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSlotNotFound
		}
		return nil, classifyOrInternal(err)
	}

	// Re-read under the slot row lock: a concurrent cancel that won the
	// lock first has already flipped the status, and crediting capacity
	// twice would overshoot the slot's capacity.
	booking, err = c.deps.Bookings.GetTx(ctx, tx, booking.ID)
	if err != nil {
		return nil, classifyOrInternal(err)
	}

	now := time.Now().UTC()
	if !booking.IsCancellable(slot.StartTime, now, c.deps.Cfg.CancellationWindow) {
		return nil, ErrCancellationNotAllowed
	}

	if err := c.deps.Bookings.CancelTx(ctx, tx, booking.ID, now, in.Reason); err != nil {
		return nil, classifyOrInternal(err)
	}

	remaining, status := slot.Credit(booking.GuestCount)
	if err := c.deps.Slots.UpdateCapacityTx(ctx, tx, slot.ID, remaining, status); err != nil {
		return nil, classifyOrInternal(err)
	}
	slot.RemainingCapacity = remaining
	slot.Status = status

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyOrInternal(repository.ClassifyError(err))
	}
	committed = true

	booking.Status = model.BookingCancelled
	booking.CancelledAt = &now
	booking.CancellationReason = in.Reason

	c.invalidateCache(ctx, slot.VenueID, slot.Date)
	c.enqueue(ctx, "booking:cancelled", map[string]string{
		"bookingId": booking.ID,
		"userId":    booking.UserID,
	})
	c.publishSlotUpdate(slot)

	return booking, nil
}

// GetAvailableSlotsInput is GetAvailableSlots' request shape.
type GetAvailableSlotsInput struct {
	VenueID string
	Date    time.Time
}

// GetAvailableSlots reads through the Availability Cache, falling back to
// storage on a miss and repopulating the cache before returning.
func (c *Coordinator) GetAvailableSlots(ctx context.Context, in GetAvailableSlotsInput) ([]model.Slot, error) {
	dateKey := in.Date.Format("2006-01-02")

	cached, err := c.deps.Cache.Get(ctx, in.VenueID, dateKey)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		c.deps.Log.WithError(err).Warn("coordinator: availability cache get failed")
	}

	slots, err := c.deps.Slots.ListAvailable(ctx, in.VenueID, in.Date)
	if err != nil {
		return nil, wrapInternal(err)
	}

	if err := c.deps.Cache.Put(ctx, in.VenueID, dateKey, slots, c.deps.Cfg.AvailabilityCacheTTL); err != nil {
		c.deps.Log.WithError(err).Warn("coordinator: availability cache put failed")
	}
	return slots, nil
}

// BlockSlotInput is BlockSlot's request shape.
type BlockSlotInput struct {
	SlotID        string
	BlockerUserID string
	Reason        string
}

// BlockSlot sets status=BLOCKED, preserving remainingCapacity and
// recording the blocker identity/reason in metadata. A no-op if the slot
// is already BLOCKED.
func (c *Coordinator) BlockSlot(ctx context.Context, in BlockSlotInput) (*model.Slot, error) {
	tx, err := c.deps.Slots.BeginReadCommitted(ctx)
	if err != nil {
		return nil, wrapInternal(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	slot, err := c.deps.Slots.GetForUpdateTx(ctx, tx, in.SlotID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSlotNotFound
		}
		return nil, classifyOrInternal(err)
	}

	if slot.Status == model.SlotBlocked {
		return slot, nil
	}

	metadata := slot.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["blockedBy"] = in.BlockerUserID
	metadata["blockedReason"] = in.Reason

	if err := c.deps.Slots.SetBlockedTx(ctx, tx, slot.ID, metadata); err != nil {
		return nil, classifyOrInternal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyOrInternal(repository.ClassifyError(err))
	}
	committed = true

	slot.Status = model.SlotBlocked
	slot.Metadata = metadata
	c.invalidateCache(ctx, slot.VenueID, slot.Date)
	c.publishSlotUpdate(slot)
	return slot, nil
}

// UnblockSlotInput is UnblockSlot's request shape.
type UnblockSlotInput struct {
	SlotID string
}

// UnblockSlot restores a BLOCKED slot to AVAILABLE. Idempotent: a no-op if
// the slot isn't currently BLOCKED.
func (c *Coordinator) UnblockSlot(ctx context.Context, in UnblockSlotInput) (*model.Slot, error) {
	tx, err := c.deps.Slots.BeginReadCommitted(ctx)
	if err != nil {
		return nil, wrapInternal(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	slot, err := c.deps.Slots.GetForUpdateTx(ctx, tx, in.SlotID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSlotNotFound
		}
		return nil, classifyOrInternal(err)
	}

	if slot.Status != model.SlotBlocked {
		return slot, nil
	}

	if err := c.deps.Slots.UnblockTx(ctx, tx, slot.ID); err != nil {
		return nil, classifyOrInternal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyOrInternal(repository.ClassifyError(err))
	}
	committed = true

	slot.Status = model.SlotAvailable
	c.invalidateCache(ctx, slot.VenueID, slot.Date)
	c.publishSlotUpdate(slot)
	return slot, nil
}

// classifyOrInternal folds a repository error into the domain taxonomy
// where one applies (serialization conflict propagates unclassified so
// the caller's retry loop can see it) and wraps everything else as
// CodeInternal.
func classifyOrInternal(err error) error {
	if errors.Is(err, repository.ErrSerializationConflict) {
		return err
	}
	return wrapInternal(err)
}

func (c *Coordinator) invalidateCache(ctx context.Context, venueID string, date time.Time) {
	if err := c.deps.Cache.Invalidate(ctx, venueID, date.Format("2006-01-02")); err != nil {
		c.deps.Log.WithError(err).Warn("coordinator: cache invalidate failed")
	}
}

func (c *Coordinator) enqueue(ctx context.Context, name string, payload map[string]string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.deps.Log.WithError(err).Warn("coordinator: marshal job payload failed")
		return
	}
	if err := c.deps.Queue.Enqueue(ctx, name, raw, queue.EnqueueOptions{}); err != nil {
		c.deps.Log.WithError(err).WithField("job", name).Warn("coordinator: enqueue failed")
	}
}

func (c *Coordinator) publishSlotUpdate(slot *model.Slot) {
	c.deps.Bus.Publish(eventbus.Event{
		Topic: eventbus.TopicSlotUpdated,
		SlotUpdate: &eventbus.SlotUpdate{
			SlotID:            slot.ID,
			VenueID:           slot.VenueID,
			Status:            string(slot.Status),
			RemainingCapacity: slot.RemainingCapacity,
		},
	})
}

func (c *Coordinator) publishBookingUpdate(booking *model.Booking) {
	c.deps.Bus.Publish(eventbus.Event{
		Topic: eventbus.TopicBookingUpdated,
		BookingUpdate: &eventbus.BookingUpdate{
			BookingID:        booking.ID,
			Status:           string(booking.Status),
			ConfirmationCode: booking.ConfirmationCode,
			UserID:           booking.UserID,
		},
	})
}

// generateConfirmationCode derives a confirmation code from a fresh
// random UUID: "RSV-" followed by the UUID's first 8 hex digits,
// uppercased. Total length 12, human-transcribable.
func generateConfirmationCode() string {
	hex := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "RSV-" + hex[:8]
}
