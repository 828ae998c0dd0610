package notifications

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"whatsapp-relay/internal/clock"
	"whatsapp-relay/internal/db"
)

// LogStore appends and reads the per-attempt audit trail. Rows are never
// updated.
type LogStore struct {
	db     *db.PostgresDB
	clock  clock.Clock
	logger *zap.Logger
}

func NewLogStore(database *db.PostgresDB, clk clock.Clock, logger *zap.Logger) *LogStore {
	return &LogStore{db: database, clock: clk, logger: logger}
}

func (s *LogStore) Append(ctx context.Context, entry *DeliveryLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock.Now()
	}

	err := s.db.QueryRowContext(ctx, `INSERT INTO delivery_logs
		(notification_id, attempt, status, provider_message_id,
		 error_code, error_message, latency_ms, provider_response, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`,
		entry.NotificationID, entry.Attempt, entry.Status, entry.ProviderMessageID,
		entry.ErrorCode, entry.ErrorMessage, entry.LatencyMS,
		nullableJSON(entry.ProviderResponse), entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}

	s.logger.Debug("delivery log appended",
		zap.String("notification_id", entry.NotificationID.String()),
		zap.Int("attempt", entry.Attempt),
		zap.String("status", string(entry.Status)))
	return nil
}

// ListByNotification returns the newest log rows first.
func (s *LogStore) ListByNotification(ctx context.Context, notificationID uuid.UUID, limit int) ([]*DeliveryLog, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, notification_id, attempt, status,
			provider_message_id, error_code, error_message, latency_ms,
			provider_response, created_at
		FROM delivery_logs
		WHERE notification_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, notificationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list delivery logs: %w", err)
	}
	defer rows.Close()

	var logs []*DeliveryLog
	for rows.Next() {
		var l DeliveryLog
		var response []byte
		err := rows.Scan(&l.ID, &l.NotificationID, &l.Attempt, &l.Status,
			&l.ProviderMessageID, &l.ErrorCode, &l.ErrorMessage, &l.LatencyMS,
			&response, &l.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		l.ProviderResponse = response
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
