package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iliyamo/reservation-core/internal/cache"
	"github.com/iliyamo/reservation-core/internal/model"
	"github.com/iliyamo/reservation-core/internal/queue"
	"github.com/iliyamo/reservation-core/internal/repository"
)

// fakeLockManager is an in-process stand-in for lockmanager.Manager: a
// plain mutex-guarded map gives the same first-come-first-served
// semantics as Redis SET NX without a broker, which is all the
// contention-winner test needs.
type fakeLockManager struct {
	mu     sync.Mutex
	held   map[string]string
	tokens int
}

func newFakeLockManager() *fakeLockManager {
	return &fakeLockManager{held: make(map[string]string)}
}

func (m *fakeLockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return "", false
	}
	m.tokens++
	token := fmt.Sprintf("tok-%d", m.tokens)
	m.held[key] = token
	return token, true
}

func (m *fakeLockManager) Release(ctx context.Context, key string, token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] == token {
		delete(m.held, key)
		return true
	}
	return false
}

// fakeCache is a trivial in-memory stand-in for cache.AvailabilityCache.
type fakeCache struct {
	mu    sync.Mutex
	items map[string][]model.Slot
}

func newFakeCache() *fakeCache { return &fakeCache{items: make(map[string][]model.Slot)} }

func cacheKey(venueID, date string) string { return venueID + "|" + date }

func (c *fakeCache) Get(ctx context.Context, venueID, date string) ([]model.Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshots, ok := c.items[cacheKey(venueID, date)]
	if !ok {
		return nil, cache.ErrMiss
	}
	return snapshots, nil
}

func (c *fakeCache) Put(ctx context.Context, venueID, date string, snapshots []model.Slot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[cacheKey(venueID, date)] = snapshots
	return nil
}

func (c *fakeCache) Invalidate(ctx context.Context, venueID, date string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, cacheKey(venueID, date))
	return nil
}

// fakeQueue is a no-op stand-in for queue.JobQueue: tests only assert that
// CreateBooking/CancelBooking enqueue the right job names, never that the
// broker actually delivers them.
type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
}

func newFakeQueue() *fakeQueue { return &fakeQueue{} }

func (q *fakeQueue) Enqueue(ctx context.Context, name string, payload []byte, opts queue.EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, name)
	return nil
}

func (q *fakeQueue) RegisterWorker(name string, handler queue.Handler, concurrency int, rate queue.RateLimit) error {
	return nil
}

func (q *fakeQueue) Stats() queue.Stats { return queue.Stats{} }

func (q *fakeQueue) Shutdown(ctx context.Context) error { return nil }

func (q *fakeQueue) names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.enqueued))
	copy(out, q.enqueued)
	return out
}

// fakeUserPort is an in-memory stand-in for UserPort.
type fakeUserPort struct {
	mu    sync.Mutex
	users map[string]model.UserIdentity
}

func newFakeUserPort() *fakeUserPort { return &fakeUserPort{users: make(map[string]model.UserIdentity)} }

func (p *fakeUserPort) add(u model.UserIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[u.UserID] = u
}

func (p *fakeUserPort) GetByID(ctx context.Context, userID string) (*model.UserIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := u
	return &cp, nil
}

// fakeTx is a no-op repository.Transaction: the fake stores never read or
// write through it, so it only needs to satisfy the interface.
type fakeTx struct{}

func (fakeTx) Exec(ctx context.Context, sql string, args ...any) (repository.CommandTag, error) {
	return repository.CommandTag{}, nil
}
func (fakeTx) Query(ctx context.Context, sql string, args ...any) (repository.Rows, error) {
	return nil, nil
}
func (fakeTx) QueryRow(ctx context.Context, sql string, args ...any) repository.Row { return nil }
func (fakeTx) Commit(ctx context.Context) error                                    { return nil }
func (fakeTx) Rollback(ctx context.Context) error                                  { return nil }

// fakeSlotStore is an in-memory stand-in for *repository.SlotRepo. Row
// locking (SELECT ... FOR UPDATE) is emulated with one mutex per slot,
// held from GetForUpdateTx until the transaction commits or rolls back:
// the same pessimistic-lock shape the real FOR UPDATE gives, just without
// SQL.
type fakeSlotStore struct {
	mu       sync.Mutex
	slots    map[string]*model.Slot
	rowLocks map[string]*sync.Mutex
}

func newFakeSlotStore() *fakeSlotStore {
	return &fakeSlotStore{slots: make(map[string]*model.Slot), rowLocks: make(map[string]*sync.Mutex)}
}

func (s *fakeSlotStore) put(slot model.Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := slot
	s.slots[slot.ID] = &cp
}

func (s *fakeSlotStore) get(id string) model.Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.slots[id]
}

func (s *fakeSlotStore) rowLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rowLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[id] = l
	}
	return l
}

// heldTx tracks which row locks a fakeTx is holding, released on
// commit/rollback.
type heldTx struct {
	fakeTx
	store  *fakeSlotStore
	locked []string
}

func (t *heldTx) release() {
	for _, id := range t.locked {
		t.store.rowLock(id).Unlock()
	}
}

func (t *heldTx) Commit(ctx context.Context) error {
	t.release()
	return nil
}

func (t *heldTx) Rollback(ctx context.Context) error {
	t.release()
	return nil
}

func (s *fakeSlotStore) BeginSerializable(ctx context.Context) (repository.Transaction, error) {
	return &heldTx{store: s}, nil
}

func (s *fakeSlotStore) BeginReadCommitted(ctx context.Context) (repository.Transaction, error) {
	return &heldTx{store: s}, nil
}

func (s *fakeSlotStore) GetForUpdateTx(ctx context.Context, tx repository.Tx, slotID string) (*model.Slot, error) {
	ht := tx.(*heldTx)
	lock := s.rowLock(slotID)
	lock.Lock()
	ht.locked = append(ht.locked, slotID)

	s.mu.Lock()
	slot, ok := s.slots[slotID]
	s.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *slot
	return &cp, nil
}

func (s *fakeSlotStore) GetTx(ctx context.Context, tx repository.Tx, slotID string) (*model.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *slot
	return &cp, nil
}

func (s *fakeSlotStore) UpdateCapacityTx(ctx context.Context, tx repository.Tx, slotID string, remaining int, status model.SlotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return repository.ErrNotFound
	}
	slot.RemainingCapacity = remaining
	slot.Status = status
	return nil
}

func (s *fakeSlotStore) HoldTx(ctx context.Context, tx repository.Tx, slotID string, remaining int, heldUntil time.Time, heldGuestCount int, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return repository.ErrNotFound
	}
	slot.RemainingCapacity = remaining
	slot.Status = model.SlotHeld
	slot.HeldUntil = &heldUntil
	if slot.Metadata == nil {
		slot.Metadata = map[string]any{}
	}
	slot.Metadata["heldGuestCount"] = heldGuestCount
	return nil
}

func (s *fakeSlotStore) ConfirmHoldTx(ctx context.Context, tx repository.Tx, slotID string, remaining int, status model.SlotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return repository.ErrNotFound
	}
	slot.RemainingCapacity = remaining
	slot.Status = status
	slot.HeldUntil = nil
	return nil
}

func (s *fakeSlotStore) ReleaseHoldTx(ctx context.Context, tx repository.Tx, slotID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	held := 0
	if slot.Metadata != nil {
		if v, ok := slot.Metadata["heldGuestCount"].(int); ok {
			held = v
		}
	}
	slot.RemainingCapacity += held
	slot.Status = model.SlotAvailable
	slot.HeldUntil = nil
	return held, nil
}

func (s *fakeSlotStore) SetBlockedTx(ctx context.Context, tx repository.Tx, slotID string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return repository.ErrNotFound
	}
	slot.Status = model.SlotBlocked
	slot.Metadata = metadata
	return nil
}

func (s *fakeSlotStore) UnblockTx(ctx context.Context, tx repository.Tx, slotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[slotID]
	if !ok {
		return repository.ErrNotFound
	}
	slot.Status = model.SlotAvailable
	return nil
}

func (s *fakeSlotStore) ListAvailable(ctx context.Context, venueID string, date time.Time) ([]model.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Slot
	for _, slot := range s.slots {
		if slot.VenueID == venueID && slot.Date.Equal(date) && slot.Status == model.SlotAvailable && slot.RemainingCapacity > 0 {
			out = append(out, *slot)
		}
	}
	return out, nil
}

func (s *fakeSlotStore) ExpireHoldsTx(ctx context.Context, tx repository.Tx) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, slot := range s.slots {
		if slot.Status == model.SlotHeld && slot.HeldUntil != nil && slot.HeldUntil.Before(now) {
			held := 0
			if slot.Metadata != nil {
				if v, ok := slot.Metadata["heldGuestCount"].(int); ok {
					held = v
				}
			}
			slot.RemainingCapacity += held
			slot.Status = model.SlotAvailable
			slot.HeldUntil = nil
			n++
		}
	}
	return n, nil
}

// fakeBookingStore is an in-memory stand-in for *repository.BookingRepo.
type fakeBookingStore struct {
	mu       sync.Mutex
	bookings map[string]*model.Booking
}

func newFakeBookingStore() *fakeBookingStore {
	return &fakeBookingStore{bookings: make(map[string]*model.Booking)}
}

func (b *fakeBookingStore) CountConfirmedByUserTx(ctx context.Context, tx repository.Tx, userID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, bk := range b.bookings {
		if bk.UserID == userID && bk.Status == model.BookingConfirmed {
			n++
		}
	}
	return n, nil
}

func (b *fakeBookingStore) ExistsConfirmedForUserSlotTx(ctx context.Context, tx repository.Tx, userID, slotID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bk := range b.bookings {
		if bk.UserID == userID && bk.SlotID == slotID && bk.Status == model.BookingConfirmed {
			return true, nil
		}
	}
	return false, nil
}

func (b *fakeBookingStore) CreateTx(ctx context.Context, tx repository.Tx, booking model.Booking) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := booking
	b.bookings[booking.ID] = &cp
	return nil
}

func (b *fakeBookingStore) GetTx(ctx context.Context, tx repository.Tx, id string) (*model.Booking, error) {
	return b.Get(ctx, id)
}

func (b *fakeBookingStore) Get(ctx context.Context, id string) (*model.Booking, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.bookings[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *bk
	return &cp, nil
}

func (b *fakeBookingStore) CancelTx(ctx context.Context, tx repository.Tx, id string, cancelledAt time.Time, reason *string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.bookings[id]
	if !ok {
		return repository.ErrNotFound
	}
	bk.Status = model.BookingCancelled
	bk.CancelledAt = &cancelledAt
	bk.CancellationReason = reason
	return nil
}
