package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBookingStatus_IsTerminal(t *testing.T) {
	assert.False(t, BookingPending.IsTerminal())
	assert.False(t, BookingConfirmed.IsTerminal())
	assert.True(t, BookingCancelled.IsTerminal())
	assert.True(t, BookingCompleted.IsTerminal())
	assert.True(t, BookingNoShow.IsTerminal())
}

func TestBooking_IsCancellable_OutsideWindow(t *testing.T) {
	now := time.Now().UTC()
	b := Booking{Status: BookingConfirmed}

	// Slot starts in 48h with a 24h window: plenty of time, cancel allowed.
	assert.True(t, b.IsCancellable(now.Add(48*time.Hour), now, 24*time.Hour))
}

func TestBooking_IsCancellable_InsideWindowRefused(t *testing.T) {
	now := time.Now().UTC()
	b := Booking{Status: BookingConfirmed}

	// Slot starts in 12h with a 24h window: inside the window, refused.
	assert.False(t, b.IsCancellable(now.Add(12*time.Hour), now, 24*time.Hour))
}

func TestBooking_IsCancellable_TerminalStatesRefused(t *testing.T) {
	now := time.Now().UTC()
	start := now.Add(72 * time.Hour)
	for _, status := range []BookingStatus{BookingCancelled, BookingCompleted, BookingNoShow} {
		b := Booking{Status: status}
		assert.False(t, b.IsCancellable(start, now, 24*time.Hour), "status %s must be immutable", status)
	}
}

func TestBooking_IsCancellable_ExactCutoffRefused(t *testing.T) {
	now := time.Now().UTC()
	b := Booking{Status: BookingConfirmed}

	// now + window == startTime is not strictly before, so it is refused.
	assert.False(t, b.IsCancellable(now.Add(24*time.Hour), now, 24*time.Hour))
}
