package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iliyamo/reservation-core/internal/model"
)

// BookingRepo provides transaction-scoped data access to the bookings
// table.
type BookingRepo struct {
	pool *pgxpool.Pool
}

func NewBookingRepo(pool *pgxpool.Pool) *BookingRepo { return &BookingRepo{pool: pool} }

const bookingColumns = `id, confirmation_code, user_id, slot_id, venue_id, guest_count, notes,
	booking_date, status, total_price, cancelled_at, cancellation_reason, confirmed_at,
	completed_at, metadata, created_at, updated_at`

// CountConfirmedByUserTx counts a user's CONFIRMED bookings, backing the
// concurrent-booking cap check.
func (r *BookingRepo) CountConfirmedByUserTx(ctx context.Context, tx Tx, userID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx,
		`SELECT count(*) FROM bookings WHERE user_id = $1 AND status = $2`,
		userID, model.BookingConfirmed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count confirmed bookings: %w", err)
	}
	return n, nil
}

// ExistsConfirmedForUserSlotTx reports whether the user already holds a
// CONFIRMED booking for this slot (the DUPLICATE_BOOKING check).
func (r *BookingRepo) ExistsConfirmedForUserSlotTx(ctx context.Context, tx Tx, userID, slotID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM bookings WHERE user_id = $1 AND slot_id = $2 AND status = $3)`,
		userID, slotID, model.BookingConfirmed).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check duplicate booking: %w", err)
	}
	return exists, nil
}

// CreateTx inserts a new booking row within tx.
func (r *BookingRepo) CreateTx(ctx context.Context, tx Tx, b model.Booking) error {
	metaRaw, err := json.Marshal(b.Metadata)
	if err != nil {
		return fmt.Errorf("marshal booking metadata: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO bookings (id, confirmation_code, user_id, slot_id, venue_id, guest_count,
			notes, booking_date, status, total_price, confirmed_at, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12, now(), now())`,
		b.ID, b.ConfirmationCode, b.UserID, b.SlotID, b.VenueID, b.GuestCount, b.Notes,
		b.BookingDate, b.Status, b.TotalPrice, b.ConfirmedAt, metaRaw)
	if err != nil {
		return classifyPgErr(err)
	}
	return nil
}

// GetTx reads a booking by id within tx.
func (r *BookingRepo) GetTx(ctx context.Context, tx Tx, id string) (*model.Booking, error) {
	row := tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

// Get reads a booking by id outside of any transaction (used by
// CancelBooking's initial load, per step 1 of the algorithm).
func (r *BookingRepo) Get(ctx context.Context, id string) (*model.Booking, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func scanBooking(row Row) (*model.Booking, error) {
	var b model.Booking
	var metaRaw []byte
	if err := row.Scan(&b.ID, &b.ConfirmationCode, &b.UserID, &b.SlotID, &b.VenueID, &b.GuestCount,
		&b.Notes, &b.BookingDate, &b.Status, &b.TotalPrice, &b.CancelledAt, &b.CancellationReason,
		&b.ConfirmedAt, &b.CompletedAt, &metaRaw, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan booking: %w", err)
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &b.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal booking metadata: %w", err)
		}
	}
	return &b, nil
}

// CancelTx marks a booking CANCELLED within tx.
func (r *BookingRepo) CancelTx(ctx context.Context, tx Tx, id string, cancelledAt time.Time, reason *string) error {
	_, err := tx.Exec(ctx,
		`UPDATE bookings SET status = $1, cancelled_at = $2, cancellation_reason = $3, updated_at = now() WHERE id = $4`,
		model.BookingCancelled, cancelledAt, reason, id)
	if err != nil {
		return classifyPgErr(err)
	}
	return nil
}

// ExistsUniqueConfirmationCode reports whether a confirmation code is
// already in use; the bookings table carries a unique index on the column
// as the last line of defense against a collision.
func (r *BookingRepo) ExistsUniqueConfirmationCode(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM bookings WHERE confirmation_code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check confirmation code: %w", err)
	}
	return exists, nil
}
