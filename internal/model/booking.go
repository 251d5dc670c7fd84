package model

import "time"

// BookingStatus is the lifecycle state of a Booking. The legal
// transitions form a DAG: PENDING -> CONFIRMED -> {COMPLETED, NO_SHOW},
// and any non-terminal status -> CANCELLED. CreateBooking writes CONFIRMED
// directly today (PENDING is reserved for a future two-phase hold/confirm
// flow and is never produced by the current coordinator).
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingCompleted BookingStatus = "COMPLETED"
	BookingNoShow    BookingStatus = "NO_SHOW"
)

// IsTerminal reports whether status allows no further transitions.
func (s BookingStatus) IsTerminal() bool {
	switch s {
	case BookingCancelled, BookingCompleted, BookingNoShow:
		return true
	default:
		return false
	}
}

// Booking is a user's claim on GuestCount units of a Slot.
//
// Fields:
//  ID                 – bookings.id, opaque UUID.
//  ConfirmationCode   – bookings.confirmation_code, unique, see confirmation code format.
//  UserID             – bookings.user_id.
//  SlotID             – bookings.slot_id.
//  VenueID            – bookings.venue_id, denormalized from the slot for indexing.
//  GuestCount         – bookings.guest_count, >= 1.
//  Notes              – bookings.notes, nullable.
//  BookingDate        – bookings.booking_date, copied from the slot's Date at create time.
//  Status             – bookings.status.
//  TotalPrice         – bookings.total_price, slot.UnitPrice * GuestCount when priced.
//  CancelledAt        – bookings.cancelled_at, nullable.
//  CancellationReason – bookings.cancellation_reason, nullable.
//  ConfirmedAt        – bookings.confirmed_at, nullable.
//  CompletedAt        – bookings.completed_at, nullable.
//  Metadata           – bookings.metadata, free-form JSON bag.
//  CreatedAt          – bookings.created_at.
//  UpdatedAt          – bookings.updated_at.
type Booking struct {
	ID                 string
	ConfirmationCode   string
	UserID             string
	SlotID             string
	VenueID            string
	GuestCount         int
	Notes              *string
	BookingDate        time.Time
	Status             BookingStatus
	TotalPrice         *float64
	CancelledAt        *time.Time
	CancellationReason *string
	ConfirmedAt        *time.Time
	CompletedAt        *time.Time
	Metadata           map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsCancellable reports whether the booking may be cancelled given the
// slot it belongs to and the configured cancellation window: cancellation
// is refused once cancellationWindow or less remains before the slot
// starts, or once the booking is terminal.
func (b Booking) IsCancellable(slotStartTime time.Time, now time.Time, cancellationWindow time.Duration) bool {
	if b.Status.IsTerminal() {
		return false
	}
	cutoff := now.Add(cancellationWindow)
	return cutoff.Before(slotStartTime)
}

// UserIdentity is consumed, not owned, by the coordinator: it trusts the
// caller and only checks IsActive and role-gated operations.
type UserIdentity struct {
	UserID   string
	Role     UserRole
	IsActive bool
}

// UserRole gates cancelling another user's booking, which only RoleAdmin
// may do. BlockSlot/UnblockSlot take no caller role and do not check one.
type UserRole string

const (
	RoleGuest  UserRole = "GUEST"
	RoleMember UserRole = "MEMBER"
	RoleAdmin  UserRole = "ADMIN"
)
