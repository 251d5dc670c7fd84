// Package cache provides a short-TTL read-through cache of per-venue,
// per-date slot listings, keyed (venueId, date). Every mutation that can
// change a (venueId, date) availability result must call Invalidate after
// its storage commit and before acknowledging the caller; see the
// coordinator package for where that happens.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/reservation-core/internal/model"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// AvailabilityCache caches the availability listing for one (venue, date)
// pair under a short TTL.
type AvailabilityCache interface {
	Get(ctx context.Context, venueID string, date string) ([]model.Slot, error)
	Put(ctx context.Context, venueID string, date string, snapshots []model.Slot, ttl time.Duration) error
	Invalidate(ctx context.Context, venueID string, date string) error
}

// RedisCache implements AvailabilityCache over go-redis, storing each
// listing as one JSON-encoded value under availability:{venueId}:{date}.
type RedisCache struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func key(venueID, date string) string {
	return "availability:" + venueID + ":" + date
}

func (c *RedisCache) Get(ctx context.Context, venueID string, date string) ([]model.Slot, error) {
	if c.rdb == nil {
		return nil, ErrMiss
	}
	raw, err := c.rdb.Get(ctx, key(venueID, date)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}
	var snapshots []model.Slot
	if err := json.Unmarshal(raw, &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (c *RedisCache) Put(ctx context.Context, venueID string, date string, snapshots []model.Slot, ttl time.Duration) error {
	if c.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(snapshots)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key(venueID, date), raw, ttl).Err()
}

// Invalidate is the single-shot delete the coherence rule requires.
func (c *RedisCache) Invalidate(ctx context.Context, venueID string, date string) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, key(venueID, date)).Err()
}
