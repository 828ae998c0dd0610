// Package ratelimit implements per-recipient sliding-window admission over
// hour-aligned Postgres buckets. check followed by increment is deliberately
// not atomic; concurrent admissions can overshoot the limit by at most one
// message each, which the delivery contract tolerates.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"whatsapp-relay/internal/clock"
	"whatsapp-relay/internal/db"
)

type Store struct {
	db     *db.PostgresDB
	clock  clock.Clock
	logger *zap.Logger
}

func NewStore(database *db.PostgresDB, clk clock.Clock, logger *zap.Logger) *Store {
	return &Store{db: database, clock: clk, logger: logger}
}

// Check reports whether the recipient may receive another message under
// limitPerHour, summing the buckets that overlap the trailing hour.
func (s *Store) Check(ctx context.Context, recipient string, limitPerHour int) (bool, error) {
	count, err := s.windowCount(ctx, recipient)
	if err != nil {
		return false, err
	}
	return count < limitPerHour, nil
}

// Increment upserts the current hour bucket, creating it lazily on the first
// send attempt in the window.
func (s *Store) Increment(ctx context.Context, recipient string) error {
	now := s.clock.Now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO rate_limits
			(recipient_phone, window_start, window_end, message_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (recipient_phone, window_start)
		DO UPDATE SET message_count = rate_limits.message_count + 1`,
		recipient, bucketStart(now), bucketEnd(now))
	if err != nil {
		return fmt.Errorf("increment rate window: %w", err)
	}
	return nil
}

// RetryAfter returns the wait until the earliest window rollover that would
// admit the next message, or 0 when the recipient is not currently limited.
func (s *Store) RetryAfter(ctx context.Context, recipient string, limitPerHour int) (time.Duration, error) {
	now := s.clock.Now()
	current, previous, err := s.bucketCounts(ctx, recipient, now)
	if err != nil {
		return 0, err
	}
	return retryAfter(now, current, previous, limitPerHour), nil
}

// Prune removes buckets that rolled over before the retention horizon.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE window_end < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune rate windows: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("pruned rate-limit windows", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) windowCount(ctx context.Context, recipient string) (int, error) {
	horizon := s.clock.Now().Add(-time.Hour)
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(message_count), 0)
		FROM rate_limits
		WHERE recipient_phone = $1 AND window_end > $2`,
		recipient, horizon).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sum rate windows: %w", err)
	}
	return count, nil
}

func (s *Store) bucketCounts(ctx context.Context, recipient string, now time.Time) (current, previous int, err error) {
	start := bucketStart(now)
	rows, err := s.db.QueryContext(ctx, `SELECT window_start, message_count
		FROM rate_limits
		WHERE recipient_phone = $1 AND window_start IN ($2, $3)`,
		recipient, start, start.Add(-time.Hour))
	if err != nil {
		return 0, 0, fmt.Errorf("load rate buckets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var windowStart time.Time
		var count int
		if err := rows.Scan(&windowStart, &count); err != nil {
			return 0, 0, fmt.Errorf("scan rate bucket: %w", err)
		}
		if windowStart.Equal(start) {
			current = count
		} else {
			previous = count
		}
	}
	return current, previous, rows.Err()
}
