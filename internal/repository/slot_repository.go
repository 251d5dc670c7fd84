package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iliyamo/reservation-core/internal/model"
)

// SlotRepo provides transaction-scoped data access to the slots table.
type SlotRepo struct {
	pool *pgxpool.Pool
}

func NewSlotRepo(pool *pgxpool.Pool) *SlotRepo { return &SlotRepo{pool: pool} }

// BeginSerializable opens a SERIALIZABLE transaction, the isolation level
// CreateBooking runs its whole read-modify-write sequence under.
func (r *SlotRepo) BeginSerializable(ctx context.Context) (Transaction, error) {
	return r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
}

// BeginReadCommitted opens a READ COMMITTED transaction, sufficient for
// CancelBooking's credit path (no double-allocation risk on credit).
func (r *SlotRepo) BeginReadCommitted(ctx context.Context) (Transaction, error) {
	return r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
}

const slotColumns = `id, venue_id, date, start_time, end_time, capacity, remaining_capacity,
	status, duration_minutes, price, currency, held_until, metadata, created_at, updated_at`

// GetForUpdateTx reads a slot with a row-level exclusive lock (SELECT ...
// FOR UPDATE), the authoritative serialization layer backing the
// distributed lock manager.
func (r *SlotRepo) GetForUpdateTx(ctx context.Context, tx Tx, slotID string) (*model.Slot, error) {
	row := tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1 FOR UPDATE`, slotID)
	return scanSlot(row)
}

// GetTx reads a slot without locking, used by ReleaseHold to re-read the
// slot after ReleaseHoldTx within the same transaction.
func (r *SlotRepo) GetTx(ctx context.Context, tx Tx, slotID string) (*model.Slot, error) {
	row := tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, slotID)
	return scanSlot(row)
}

func scanSlot(row Row) (*model.Slot, error) {
	var s model.Slot
	var metadataRaw []byte
	if err := row.Scan(&s.ID, &s.VenueID, &s.Date, &s.StartTime, &s.EndTime, &s.Capacity,
		&s.RemainingCapacity, &s.Status, &s.DurationMinutes, &s.UnitPrice, &s.Currency,
		&s.HeldUntil, &metadataRaw, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan slot: %w", err)
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &s.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal slot metadata: %w", err)
		}
	}
	return &s, nil
}

// UpdateCapacityTx persists a new remaining_capacity/status pair for a
// slot, the shared tail of both the debit (CreateBooking) and credit
// (CancelBooking) paths.
func (r *SlotRepo) UpdateCapacityTx(ctx context.Context, tx Tx, slotID string, remaining int, status model.SlotStatus) error {
	_, err := tx.Exec(ctx,
		`UPDATE slots SET remaining_capacity = $1, status = $2, updated_at = now() WHERE id = $3`,
		remaining, status, slotID)
	if err != nil {
		return classifyPgErr(err)
	}
	return nil
}

// HoldTx marks a slot HELD, debiting remainingCapacity and setting
// heldUntil, for the explicit hold lifecycle (HoldSlot). The held guest
// count is stashed in metadata under "heldGuestCount" so the reclaim job
// knows how much capacity to restore when the hold expires; the slot
// model carries a single heldUntil, so only one hold may be outstanding
// on a slot at a time (status must already be AVAILABLE to hold).
func (r *SlotRepo) HoldTx(ctx context.Context, tx Tx, slotID string, remaining int, heldUntil time.Time, heldGuestCount int, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["heldGuestCount"] = heldGuestCount
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal hold metadata: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE slots SET remaining_capacity = $1, status = $2, held_until = $3, metadata = $4, updated_at = now() WHERE id = $5`,
		remaining, model.SlotHeld, heldUntil, raw, slotID)
	if err != nil {
		return classifyPgErr(err)
	}
	return nil
}

// ConfirmHoldTx turns a live hold into its final post-booking state:
// capacity was already debited by HoldTx, so this writes back the
// caller's remaining value, sets the caller's chosen status (AVAILABLE if
// capacity remains, BOOKED if exhausted) and clears held_until.
func (r *SlotRepo) ConfirmHoldTx(ctx context.Context, tx Tx, slotID string, remaining int, status model.SlotStatus) error {
	_, err := tx.Exec(ctx,
		`UPDATE slots SET remaining_capacity = $1, status = $2, held_until = NULL, updated_at = now() WHERE id = $3`,
		remaining, status, slotID)
	if err != nil {
		return classifyPgErr(err)
	}
	return nil
}

// ReleaseHoldTx restores a single HELD slot to AVAILABLE ahead of its
// natural expiry, crediting back the guest count the hold had reserved
// (read from metadata.heldGuestCount, the same bookkeeping ExpireHoldsTx
// uses for the batch reclaim path). Returns the credited guest count.
func (r *SlotRepo) ReleaseHoldTx(ctx context.Context, tx Tx, slotID string) (int, error) {
	var remaining int
	var metadataRaw []byte
	err := tx.QueryRow(ctx,
		`SELECT remaining_capacity, metadata FROM slots WHERE id = $1 AND status = $2 FOR UPDATE`,
		slotID, model.SlotHeld).Scan(&remaining, &metadataRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("lock held slot: %w", err)
	}

	held := 0
	if len(metadataRaw) > 0 {
		var meta map[string]any
		if err := json.Unmarshal(metadataRaw, &meta); err == nil {
			if v, ok := meta["heldGuestCount"].(float64); ok {
				held = int(v)
			}
		}
	}

	newRemaining := remaining + held
	if _, err := tx.Exec(ctx,
		`UPDATE slots SET status = $1, remaining_capacity = $2, held_until = NULL, updated_at = now() WHERE id = $3`,
		model.SlotAvailable, newRemaining, slotID,
	); err != nil {
		return 0, classifyPgErr(err)
	}
	return held, nil
}

// SetBlockedTx sets status=BLOCKED, recording the blocker identity and
// reason in metadata while preserving remaining_capacity.
func (r *SlotRepo) SetBlockedTx(ctx context.Context, tx Tx, slotID string, metadata map[string]any) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal block metadata: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE slots SET status = $1, metadata = $2, updated_at = now() WHERE id = $3`,
		model.SlotBlocked, raw, slotID)
	if err != nil {
		return classifyPgErr(err)
	}
	return nil
}

// UnblockTx restores a BLOCKED slot to AVAILABLE. Unblocking an
// already-available slot is a no-op at the coordinator level, but this
// method itself is safe to call regardless.
func (r *SlotRepo) UnblockTx(ctx context.Context, tx Tx, slotID string) error {
	_, err := tx.Exec(ctx,
		`UPDATE slots SET status = $1, updated_at = now() WHERE id = $2`,
		model.SlotAvailable, slotID)
	if err != nil {
		return classifyPgErr(err)
	}
	return nil
}

// ListAvailable returns slots for (venueID, date) matching the
// availability filter, ordered ascending by start_time: the storage
// fallback path for a cache miss.
func (r *SlotRepo) ListAvailable(ctx context.Context, venueID string, date time.Time) ([]model.Slot, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+slotColumns+` FROM slots
		 WHERE venue_id = $1 AND date = $2 AND status = $3 AND remaining_capacity > 0 AND start_time > now()
		 ORDER BY start_time ASC`,
		venueID, date, model.SlotAvailable)
	if err != nil {
		return nil, fmt.Errorf("list available slots: %w", err)
	}
	defer rows.Close()

	var slots []model.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list available slots: %w", err)
	}
	return slots, nil
}

// ExpireHoldsTx finds every HELD slot whose held_until has passed and
// restores it to AVAILABLE, crediting back the capacity the hold had
// debited (read from metadata.heldGuestCount). It returns the number of
// slots reclaimed, for the recurring job's log line.
func (r *SlotRepo) ExpireHoldsTx(ctx context.Context, tx Tx) (int, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, remaining_capacity, metadata FROM slots WHERE status = $1 AND held_until < now() FOR UPDATE`,
		model.SlotHeld)
	if err != nil {
		return 0, fmt.Errorf("select expired holds: %w", err)
	}
	type expired struct {
		id        string
		remaining int
		metadata  []byte
	}
	var toReclaim []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.remaining, &e.metadata); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired hold: %w", err)
		}
		toReclaim = append(toReclaim, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("select expired holds: %w", err)
	}

	for _, e := range toReclaim {
		held := 0
		if len(e.metadata) > 0 {
			var meta map[string]any
			if err := json.Unmarshal(e.metadata, &meta); err == nil {
				if v, ok := meta["heldGuestCount"].(float64); ok {
					held = int(v)
				}
			}
		}
		newRemaining := e.remaining + held
		if _, err := tx.Exec(ctx,
			`UPDATE slots SET status = $1, remaining_capacity = $2, held_until = NULL, updated_at = now() WHERE id = $3`,
			model.SlotAvailable, newRemaining, e.id,
		); err != nil {
			return 0, fmt.Errorf("reclaim expired hold %s: %w", e.id, err)
		}
	}
	return len(toReclaim), nil
}

// classifyPgErr maps a pgx/pgconn error to a repository sentinel where one
// applies, falling back to a wrapped error otherwise. Serialization
// failures surface as SQLSTATE 40001.
func classifyPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "40001" {
		return ErrSerializationConflict
	}
	return fmt.Errorf("repository: %w", err)
}
