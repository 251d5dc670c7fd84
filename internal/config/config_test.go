package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 5, cfg.Booking.MaxConcurrentBookingsPerUser)
	assert.Equal(t, 90, cfg.Booking.MaxBookingAdvanceDays)
	assert.Equal(t, 24*time.Hour, cfg.Booking.CancellationWindow)
	assert.Equal(t, 15*time.Second, cfg.Booking.SlotLockTTL)
	assert.Equal(t, time.Minute, cfg.Booking.AvailabilityCacheTTL)

	assert.Equal(t, 5, cfg.Queue.WorkerConcurrency)
	assert.Equal(t, 50, cfg.Queue.RateMax)
	assert.Equal(t, time.Second, cfg.Queue.RateWindow)

	assert.Equal(t, int32(20), cfg.Postgres.MaxConns)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_BOOKINGS_PER_USER", "2")
	t.Setenv("BOOKING_CANCELLATION_WINDOW_HOURS", "48")

	cfg := Load()
	assert.Equal(t, 2, cfg.Booking.MaxConcurrentBookingsPerUser)
	assert.Equal(t, 48*time.Hour, cfg.Booking.CancellationWindow)
}
