// Package cache invalidates the month-keyed session read cache after
// reconciliation writes. The cache itself is populated elsewhere.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	redisclient "github.com/example/session-scheduler/internal/redis"
)

// RedisInvalidator drops a patient's cached session months.
type RedisInvalidator struct {
	client   *redis.Client
	horizon  int
	location *time.Location
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRedisInvalidator returns an invalidator covering the current month and
// the horizonMonths that follow it.
func NewRedisInvalidator(client *redis.Client, horizonMonths int, loc *time.Location, now func() time.Time, logger zerolog.Logger) *RedisInvalidator {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &RedisInvalidator{
		client:   client,
		horizon:  horizonMonths,
		location: loc,
		now:      now,
		logger:   logger.With().Str("component", "cache_invalidator").Logger(),
	}
}

// InvalidatePatient deletes the cached session months of patientID.
func (i *RedisInvalidator) InvalidatePatient(ctx context.Context, patientID string) error {
	keys := MonthKeys(patientID, i.now().In(i.location), i.horizon)

	removed, err := i.client.Del(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("invalidate sessions of %s: %w", patientID, err)
	}
	i.logger.Debug().
		Str("patient_id", patientID).
		Int64("removed", removed).
		Int("months", len(keys)).
		Msg("session cache invalidated")
	return nil
}

// MonthKeys lists the cache keys from the month of from through the month
// horizonMonths later, inclusive.
func MonthKeys(patientID string, from time.Time, horizonMonths int) []string {
	first := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, from.Location())
	keys := make([]string, 0, horizonMonths+1)
	for m := 0; m <= horizonMonths; m++ {
		keys = append(keys, redisclient.SessionMonthKey(patientID, first.AddDate(0, m, 0)))
	}
	return keys
}
