package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/reservation-core/internal/model"
	"github.com/iliyamo/reservation-core/internal/repository"
)

// HoldSlotInput is HoldSlot's request shape. A hold reserves guestCount
// units for HoldDuration without creating a booking; the capacity comes
// back either through ConfirmHold, ReleaseHold, or the expiry reclaimer.
type HoldSlotInput struct {
	SlotID       string
	UserID       string
	GuestCount   int
	HoldDuration time.Duration
}

// HoldSlot debits remainingCapacity and marks the slot HELD with a
// heldUntil deadline. The same preconditions CreateBooking applies to
// capacity/time-horizon are applied here too, since a hold still consumes
// capacity another booker could otherwise claim.
func (c *Coordinator) HoldSlot(ctx context.Context, in HoldSlotInput) (*model.Slot, error) {
	if in.GuestCount < 1 {
		return nil, newError(CodeInsufficientCapacity, "guestCount must be at least 1")
	}
	holdDuration := in.HoldDuration
	if holdDuration <= 0 {
		holdDuration = defaultHoldDuration
	}

	leaseToken, ok := c.deps.Lock.Acquire(ctx, lockKeyForSlot(in.SlotID), c.deps.Cfg.SlotLockTTL)
	if !ok {
		return nil, ErrSlotLocked
	}
	defer c.deps.Lock.Release(ctx, lockKeyForSlot(in.SlotID), leaseToken)

	tx, err := c.deps.Slots.BeginSerializable(ctx)
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

	now := time.Now().UTC()
	if slot.Status != model.SlotAvailable {
		return nil, ErrSlotBlocked
	}
	if slot.RemainingCapacity < in.GuestCount {
		return nil, ErrInsufficientCapacity
	}
	if !slot.EndTime.After(now) {
		return nil, ErrSlotInPast
	}
	if slot.StartTime.After(now.AddDate(0, 0, c.deps.Cfg.MaxBookingAdvanceDays)) {
		return nil, ErrAdvanceLimitExceeded
	}

	remaining := slot.RemainingCapacity - in.GuestCount
	heldUntil := now.Add(holdDuration)
	if err := c.deps.Slots.HoldTx(ctx, tx, slot.ID, remaining, heldUntil, in.GuestCount, slot.Metadata); err != nil {
		return nil, classifyOrInternal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyOrInternal(repository.ClassifyError(err))
	}
	committed = true

	slot.RemainingCapacity = remaining
	slot.Status = model.SlotHeld
	slot.HeldUntil = &heldUntil

	c.invalidateCache(ctx, slot.VenueID, slot.Date)
	c.publishSlotUpdate(slot)
	return slot, nil
}

// ConfirmHoldInput is ConfirmHold's request shape.
type ConfirmHoldInput struct {
	SlotID     string
	UserID     string
	VenueID    string
	GuestCount int
	Notes      *string
}

// ConfirmHold turns a live hold into a real booking. Capacity was already
// debited by HoldSlot, so this mints the booking and flips the slot's
// status from HELD to its post-booking state without debiting again.
func (c *Coordinator) ConfirmHold(ctx context.Context, in ConfirmHoldInput) (*model.Booking, error) {
	if in.GuestCount < 1 {
		return nil, newError(CodeInsufficientCapacity, "guestCount must be at least 1")
	}

	leaseToken, ok := c.deps.Lock.Acquire(ctx, lockKeyForSlot(in.SlotID), c.deps.Cfg.SlotLockTTL)
	if !ok {
		return nil, ErrSlotLocked
	}
	defer c.deps.Lock.Release(ctx, lockKeyForSlot(in.SlotID), leaseToken)

	tx, err := c.deps.Slots.BeginSerializable(ctx)
	if err != nil {
		return nil, wrapInternal(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	user, err := c.deps.Users.GetByID(ctx, in.UserID)
	if err != nil || !user.IsActive {
		return nil, ErrUserNotFound
	}

	confirmedCount, err := c.deps.Bookings.CountConfirmedByUserTx(ctx, tx, in.UserID)
	if err != nil {
		return nil, classifyOrInternal(err)
	}
	if confirmedCount >= c.deps.Cfg.MaxConcurrentBookingsPerUser {
		return nil, ErrMaxBookingsReached
	}

	slot, err := c.deps.Slots.GetForUpdateTx(ctx, tx, in.SlotID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSlotNotFound
		}
		return nil, classifyOrInternal(err)
	}
	if slot.Status != model.SlotHeld || slot.HeldUntil == nil || slot.HeldUntil.Before(time.Now().UTC()) {
		return nil, ErrSlotNotFound
	}

	dup, err := c.deps.Bookings.ExistsConfirmedForUserSlotTx(ctx, tx, in.UserID, in.SlotID)
	if err != nil {
		return nil, classifyOrInternal(err)
	}
	if dup {
		return nil, ErrDuplicateBooking
	}

	now := time.Now().UTC()
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
		return nil, classifyOrInternal(err)
	}

	status := model.SlotAvailable
	if slot.RemainingCapacity == 0 {
		status = model.SlotBooked
	}
	if err := c.deps.Slots.ConfirmHoldTx(ctx, tx, slot.ID, slot.RemainingCapacity, status); err != nil {
		return nil, classifyOrInternal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyOrInternal(repository.ClassifyError(err))
	}
	committed = true

	slot.Status = status
	slot.HeldUntil = nil

	c.publishBookingCreated(ctx, &booking, slot)
	return &booking, nil
}

// ReleaseHoldInput is ReleaseHold's request shape.
type ReleaseHoldInput struct {
	SlotID string
}

// ReleaseHold restores a live hold to AVAILABLE ahead of its natural
// expiry, crediting back the capacity it had reserved.
func (c *Coordinator) ReleaseHold(ctx context.Context, in ReleaseHoldInput) (*model.Slot, error) {
	leaseToken, ok := c.deps.Lock.Acquire(ctx, lockKeyForSlot(in.SlotID), c.deps.Cfg.SlotLockTTL)
	if !ok {
		return nil, ErrSlotLocked
	}
	defer c.deps.Lock.Release(ctx, lockKeyForSlot(in.SlotID), leaseToken)

	tx, err := c.deps.Slots.BeginSerializable(ctx)
	if err != nil {
		return nil, wrapInternal(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	credited, err := c.deps.Slots.ReleaseHoldTx(ctx, tx, in.SlotID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSlotNotFound
		}
		return nil, classifyOrInternal(err)
	}

	slot, err := c.deps.Slots.GetTx(ctx, tx, in.SlotID)
	if err != nil {
		return nil, classifyOrInternal(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyOrInternal(repository.ClassifyError(err))
	}
	committed = true

	c.deps.Log.WithFields(logrus.Fields{"slot_id": slot.ID, "credited": credited}).Info("hold released")
	c.invalidateCache(ctx, slot.VenueID, slot.Date)
	c.publishSlotUpdate(slot)
	return slot, nil
}

// ReclaimExpiredHolds backs the slot:reclaim-expired-holds recurring job:
// every HELD slot whose heldUntil has passed is restored to AVAILABLE
// with its hold's guest count credited back. It returns the number of
// slots reclaimed, for the job's log line.
func (c *Coordinator) ReclaimExpiredHolds(ctx context.Context) (int, error) {
	tx, err := c.deps.Slots.BeginSerializable(ctx)
	if err != nil {
		return 0, wrapInternal(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	n, err := c.deps.Slots.ExpireHoldsTx(ctx, tx)
	if err != nil {
		return 0, classifyOrInternal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classifyOrInternal(repository.ClassifyError(err))
	}
	committed = true
	return n, nil
}
