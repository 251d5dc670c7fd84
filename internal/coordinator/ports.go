package coordinator

import (
	"context"
	"time"

	"github.com/iliyamo/reservation-core/internal/model"
	"github.com/iliyamo/reservation-core/internal/repository"
)

// UserPort is the one read the coordinator needs from the user identity
// the system consumes but does not own. It is satisfied by
// *repository.UserRepo in production and by an in-memory fake in tests.
type UserPort interface {
	GetByID(ctx context.Context, userID string) (*model.UserIdentity, error)
}

// SlotStore is the subset of the slots table the coordinator drives,
// matching *repository.SlotRepo's method set exactly so that struct
// satisfies this interface with no adapter.
type SlotStore interface {
	BeginSerializable(ctx context.Context) (repository.Transaction, error)
	BeginReadCommitted(ctx context.Context) (repository.Transaction, error)
	GetForUpdateTx(ctx context.Context, tx repository.Tx, slotID string) (*model.Slot, error)
	GetTx(ctx context.Context, tx repository.Tx, slotID string) (*model.Slot, error)
	UpdateCapacityTx(ctx context.Context, tx repository.Tx, slotID string, remaining int, status model.SlotStatus) error
	HoldTx(ctx context.Context, tx repository.Tx, slotID string, remaining int, heldUntil time.Time, heldGuestCount int, metadata map[string]any) error
	ConfirmHoldTx(ctx context.Context, tx repository.Tx, slotID string, remaining int, status model.SlotStatus) error
	ReleaseHoldTx(ctx context.Context, tx repository.Tx, slotID string) (int, error)
	SetBlockedTx(ctx context.Context, tx repository.Tx, slotID string, metadata map[string]any) error
	UnblockTx(ctx context.Context, tx repository.Tx, slotID string) error
	ListAvailable(ctx context.Context, venueID string, date time.Time) ([]model.Slot, error)
	ExpireHoldsTx(ctx context.Context, tx repository.Tx) (int, error)
}

// BookingStore is the subset of the bookings table the coordinator
// drives. *repository.BookingRepo satisfies it; its one extra method,
// ExistsUniqueConfirmationCode, is not part of this interface.
type BookingStore interface {
	CountConfirmedByUserTx(ctx context.Context, tx repository.Tx, userID string) (int, error)
	ExistsConfirmedForUserSlotTx(ctx context.Context, tx repository.Tx, userID, slotID string) (bool, error)
	CreateTx(ctx context.Context, tx repository.Tx, b model.Booking) error
	GetTx(ctx context.Context, tx repository.Tx, id string) (*model.Booking, error)
	Get(ctx context.Context, id string) (*model.Booking, error)
	CancelTx(ctx context.Context, tx repository.Tx, id string, cancelledAt time.Time, reason *string) error
}
