package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlot_DebitPartialStaysAvailable(t *testing.T) {
	s := Slot{Capacity: 4, RemainingCapacity: 4, Status: SlotAvailable}
	remaining, status := s.Debit(3)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, SlotAvailable, status)
}

func TestSlot_DebitToZeroFlipsBooked(t *testing.T) {
	s := Slot{Capacity: 2, RemainingCapacity: 2, Status: SlotAvailable}
	remaining, status := s.Debit(2)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, SlotBooked, status)
}

func TestSlot_CreditFlipsBookedBackToAvailable(t *testing.T) {
	s := Slot{Capacity: 4, RemainingCapacity: 0, Status: SlotBooked}
	remaining, status := s.Credit(2)
	assert.Equal(t, 2, remaining)
	assert.Equal(t, SlotAvailable, status)
}

func TestSlot_CreditNeverExceedsCapacity(t *testing.T) {
	s := Slot{Capacity: 4, RemainingCapacity: 3, Status: SlotAvailable}
	remaining, _ := s.Credit(5)
	assert.Equal(t, 4, remaining)
}

func TestSlot_CreditPreservesBlocked(t *testing.T) {
	s := Slot{Capacity: 4, RemainingCapacity: 1, Status: SlotBlocked}
	remaining, status := s.Credit(1)
	assert.Equal(t, 2, remaining)
	assert.Equal(t, SlotBlocked, status, "credit must not unblock an admin-blocked slot")
}

func TestSlot_IsAvailableFor(t *testing.T) {
	tests := []struct {
		name       string
		slot       Slot
		guestCount int
		want       bool
	}{
		{"available with room", Slot{Status: SlotAvailable, RemainingCapacity: 3}, 2, true},
		{"available exact fit", Slot{Status: SlotAvailable, RemainingCapacity: 2}, 2, true},
		{"available too small", Slot{Status: SlotAvailable, RemainingCapacity: 1}, 2, false},
		{"held", Slot{Status: SlotHeld, RemainingCapacity: 3}, 1, false},
		{"blocked", Slot{Status: SlotBlocked, RemainingCapacity: 3}, 1, false},
		{"booked", Slot{Status: SlotBooked, RemainingCapacity: 0}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.slot.IsAvailableFor(tt.guestCount))
		})
	}
}
