package notifications

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"whatsapp-relay/internal/clock"
	"whatsapp-relay/internal/db"
)

var (
	ErrNotFound = errors.New("notification not found")
	// ErrExists is returned by Create when the id is already taken, which
	// happens when an Idempotency-Key is replayed.
	ErrExists = errors.New("notification already exists")
	// ErrAlreadyFinal means the notification is past the point where an
	// outbound attempt makes sense (sent, delivered, read, or failed with
	// no retry budget). The caller should acknowledge and move on.
	ErrAlreadyFinal = errors.New("notification already finalized")
)

const notificationColumns = `id, tenant_id, event_type, recipient_phone, country_code,
	payload, metadata, priority, status, provider_message_id,
	attempt_number, max_attempts, next_retry_at, scheduled_for,
	sent_at, delivered_at, read_at, failed_at,
	last_error_code, last_error_message, trace_id, created_at, updated_at`

type Store struct {
	db     *db.PostgresDB
	clock  clock.Clock
	logger *zap.Logger
}

func NewStore(database *db.PostgresDB, clk clock.Clock, logger *zap.Logger) *Store {
	return &Store{db: database, clock: clk, logger: logger}
}

func (s *Store) Create(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `INSERT INTO notifications (` + notificationColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		n.ID, n.TenantID, n.EventType, n.RecipientPhone, n.CountryCode,
		payload, nullableJSON(n.Metadata), n.Priority, n.Status, n.ProviderMessageID,
		n.AttemptNumber, n.MaxAttempts, n.NextRetryAt, n.ScheduledFor,
		n.SentAt, n.DeliveredAt, n.ReadAt, n.FailedAt,
		n.LastErrorCode, n.LastErrorMessage, n.TraceID, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrExists
	}

	s.logger.Info("notification created",
		zap.String("id", n.ID.String()),
		zap.String("tenant", n.TenantID),
		zap.String("status", string(n.Status)),
		zap.String("trace_id", n.TraceID))
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`
	return s.queryOne(ctx, query, id)
}

func (s *Store) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE provider_message_id = $1`
	return s.queryOne(ctx, query, providerMessageID)
}

// BeginProcessing claims the notification for an outbound attempt,
// incrementing the attempt counter. The compare-and-set predicate admits
// queued, scheduled, and retry-eligible failed/rate_limited rows; a row
// already in processing is a takeover and is returned unchanged. Sent,
// delivered, read, and budget-exhausted failed rows yield ErrAlreadyFinal.
func (s *Store) BeginProcessing(ctx context.Context, id uuid.UUID) (*Notification, error) {
	now := s.clock.Now()
	query := `UPDATE notifications
		SET status = $2, attempt_number = attempt_number + 1, updated_at = $3
		WHERE id = $1
		  AND attempt_number < max_attempts
		  AND (status IN ($4, $5)
		       OR (status IN ($6, $7) AND next_retry_at IS NOT NULL AND next_retry_at <= $3))
		RETURNING ` + notificationColumns

	n, err := s.queryOne(ctx, query, id, StatusProcessing, now,
		StatusQueued, StatusScheduled, StatusFailed, StatusRateLimited)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// CAS missed: decide between takeover, finalized, and genuinely absent.
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusProcessing {
		return current, nil
	}
	return current, ErrAlreadyFinal
}

// MarkSent completes a successful attempt. sent_at and provider_message_id
// are written at most once and never cleared.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, at time.Time) error {
	query := `UPDATE notifications
		SET status = $2,
		    sent_at = COALESCE(sent_at, $3),
		    provider_message_id = COALESCE(provider_message_id, $4),
		    next_retry_at = NULL,
		    last_error_code = NULL,
		    last_error_message = NULL,
		    updated_at = $5
		WHERE id = $1 AND status = $6`
	return s.casExec(ctx, query, id, StatusSent, at, providerMessageID, s.clock.Now(), StatusProcessing)
}

// ScheduleRetry parks a transiently failed notification until nextRetryAt.
func (s *Store) ScheduleRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, errCode, errMsg string) error {
	query := `UPDATE notifications
		SET status = $2, next_retry_at = $3,
		    last_error_code = $4, last_error_message = $5, updated_at = $6
		WHERE id = $1 AND status = $7 AND attempt_number < max_attempts`
	return s.casExec(ctx, query, id, StatusFailed, nextRetryAt, errCode, errMsg, s.clock.Now(), StatusProcessing)
}

// MarkFailed records a terminal outbound failure and clears the retry slot.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time, errCode, errMsg string) error {
	query := `UPDATE notifications
		SET status = $2, failed_at = COALESCE(failed_at, $3), next_retry_at = NULL,
		    last_error_code = $4, last_error_message = $5, updated_at = $6
		WHERE id = $1 AND status = $7`
	return s.casExec(ctx, query, id, StatusFailed, at, errCode, errMsg, s.clock.Now(), StatusProcessing)
}

// DeferRateLimited parks the notification until the rate window rolls over.
// The attempt counter is handed back because no send was attempted.
func (s *Store) DeferRateLimited(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	query := `UPDATE notifications
		SET status = $2, next_retry_at = $3, attempt_number = attempt_number - 1, updated_at = $4
		WHERE id = $1 AND status = $5`
	return s.casExec(ctx, query, id, StatusRateLimited, retryAt, s.clock.Now(), StatusProcessing)
}

// Promote releases a due scheduled notification into the queued state.
func (s *Store) Promote(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE notifications SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4`
	return s.casExec(ctx, query, id, StatusQueued, s.clock.Now(), StatusScheduled)
}

// MarkCallback advances the post-send path from a provider status callback.
// Each timestamp is set independently and the status moves only forward, so
// out-of-order callbacks (read before delivered) settle correctly.
func (s *Store) MarkCallback(ctx context.Context, id uuid.UUID, event Event, at time.Time, errCode, errMsg *string) error {
	fromStatuses := pq.Array([]string{string(StatusSent), string(StatusDelivered), string(StatusRead)})
	now := s.clock.Now()

	var query string
	var args []any
	switch event {
	case EventCallbackSent:
		query = `UPDATE notifications SET sent_at = COALESCE(sent_at, $2), updated_at = $3
			WHERE id = $1 AND status = ANY($4)`
		args = []any{id, at, now, fromStatuses}
	case EventCallbackDelivered:
		query = `UPDATE notifications
			SET delivered_at = COALESCE(delivered_at, $2),
			    status = CASE WHEN status = $5 THEN status ELSE $6 END,
			    updated_at = $3
			WHERE id = $1 AND status = ANY($4)`
		args = []any{id, at, now, fromStatuses, StatusRead, StatusDelivered}
	case EventCallbackRead:
		query = `UPDATE notifications
			SET read_at = COALESCE(read_at, $2), status = $5, updated_at = $3
			WHERE id = $1 AND status = ANY($4)`
		args = []any{id, at, now, fromStatuses, StatusRead}
	case EventCallbackFailed:
		query = `UPDATE notifications
			SET status = $5, failed_at = COALESCE(failed_at, $2), next_retry_at = NULL,
			    last_error_code = $6, last_error_message = $7, updated_at = $3
			WHERE id = $1 AND status = ANY($4)`
		args = []any{id, at, now, fromStatuses, StatusFailed, errCode, errMsg}
	default:
		return fmt.Errorf("unsupported callback event %q", event)
	}

	return s.casExec(ctx, query, args...)
}

// FindDueRetries returns retry-eligible rows ordered by next_retry_at. The
// queued leg covers rows whose enqueue failed after persistence and were
// stamped by the startup reconciliation pass.
func (s *Store) FindDueRetries(ctx context.Context, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications
		WHERE next_retry_at IS NOT NULL AND next_retry_at <= $1
		  AND ((status IN ($2, $3) AND attempt_number < max_attempts) OR status = $4)
		ORDER BY next_retry_at ASC
		LIMIT $5`
	return s.queryMany(ctx, query, s.clock.Now(), StatusFailed, StatusRateLimited, StatusQueued, limit)
}

// FindDueScheduled returns scheduled rows whose release time has passed.
func (s *Store) FindDueScheduled(ctx context.Context, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications
		WHERE status = $1 AND scheduled_for IS NOT NULL AND scheduled_for <= $2
		ORDER BY scheduled_for ASC
		LIMIT $3`
	return s.queryMany(ctx, query, StatusScheduled, s.clock.Now(), limit)
}

// Reconcile stamps next_retry_at on queued rows that never reached the work
// queue, so the retry sweeper re-drives them. Run once at worker startup.
func (s *Store) Reconcile(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE notifications
		SET next_retry_at = $1, updated_at = $1
		WHERE status = $2 AND next_retry_at IS NULL AND updated_at < $3`,
		now, StatusQueued, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("reconcile queued notifications: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) ListByTenant(ctx context.Context, tenant string, f ListFilter) ([]*Notification, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{tenant}

	if f.Status != nil {
		args = append(args, *f.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.EventType != nil {
		args = append(args, *f.EventType)
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", len(args)))
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notifications"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	query := fmt.Sprintf(`SELECT `+notificationColumns+` FROM notifications%s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	list, err := s.queryMany(ctx, query, args...)
	return list, total, err
}

// Stats aggregates counts per status and the average sent-attempt latency
// for a tenant over [from, to].
func (s *Store) Stats(ctx context.Context, tenant string, from, to time.Time) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*)
		FROM notifications
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at <= $3
		GROUP BY status`, tenant, from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregate notification counts: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByStatus: make(map[Status]int64)}
	for rows.Next() {
		var status Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(l.latency_ms), 0)
		FROM delivery_logs l
		JOIN notifications n ON n.id = l.notification_id
		WHERE n.tenant_id = $1 AND l.status = $2
		  AND l.created_at >= $3 AND l.created_at <= $4`,
		tenant, StatusSent, from, to).Scan(&stats.AvgLatencyMS)
	if err != nil {
		return nil, fmt.Errorf("aggregate send latency: %w", err)
	}

	return stats, nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- helpers ----

func (s *Store) casExec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrIllegalTransition
	}
	return nil
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func (s *Store) queryMany(ctx context.Context, query string, args ...any) ([]*Notification, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var result []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	var payload []byte
	var metadata []byte
	err := row.Scan(
		&n.ID, &n.TenantID, &n.EventType, &n.RecipientPhone, &n.CountryCode,
		&payload, &metadata, &n.Priority, &n.Status, &n.ProviderMessageID,
		&n.AttemptNumber, &n.MaxAttempts, &n.NextRetryAt, &n.ScheduledFor,
		&n.SentAt, &n.DeliveredAt, &n.ReadAt, &n.FailedAt,
		&n.LastErrorCode, &n.LastErrorMessage, &n.TraceID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &n.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	n.Metadata = metadata
	return &n, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
