// Package processor executes one outbound delivery attempt: claim the row,
// recheck the recipient rate limit, call the provider, and persist the
// outcome plus an audit log entry. It is invoked from the queue worker and,
// for due retries and promoted schedules, directly by the sweepers.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"whatsapp-relay/internal/clock"
	"whatsapp-relay/internal/config"
	"whatsapp-relay/internal/notifications"
	"whatsapp-relay/internal/observability"
	"whatsapp-relay/internal/provider"
	"whatsapp-relay/internal/queue"
)

// NotificationStore is the slice of the store the processor drives.
type NotificationStore interface {
	BeginProcessing(ctx context.Context, id uuid.UUID) (*notifications.Notification, error)
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, at time.Time) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, errCode, errMsg string) error
	MarkFailed(ctx context.Context, id uuid.UUID, at time.Time, errCode, errMsg string) error
	DeferRateLimited(ctx context.Context, id uuid.UUID, retryAt time.Time) error
}

type LogAppender interface {
	Append(ctx context.Context, entry *notifications.DeliveryLog) error
}

// RateLimiter rechecks admission at send time; windows may have filled
// between ingestion and processing.
type RateLimiter interface {
	Check(ctx context.Context, recipient string, limitPerHour int) (bool, error)
	RetryAfter(ctx context.Context, recipient string, limitPerHour int) (time.Duration, error)
}

type Processor struct {
	store   NotificationStore
	logs    LogAppender
	limits  RateLimiter
	sender  provider.Sender
	cfg     *config.Config
	clock   clock.Clock
	metrics *observability.Metrics
	logger  *zap.Logger
}

func New(
	store NotificationStore,
	logs LogAppender,
	limits RateLimiter,
	sender provider.Sender,
	cfg *config.Config,
	clk clock.Clock,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		store:   store,
		logs:    logs,
		limits:  limits,
		sender:  sender,
		cfg:     cfg,
		clock:   clk,
		metrics: metrics,
		logger:  logger,
	}
}

// Process runs one delivery attempt for the work item. A nil return means
// the item's disposition is settled (sent, parked for retry, deferred, or
// terminally failed) and the queue message can be acknowledged. An error
// means nothing durable was decided and redelivery should try again.
func (p *Processor) Process(ctx context.Context, item queue.WorkItem) error {
	logger := p.logger.With(
		zap.String("notification_id", item.NotificationID.String()),
		zap.String("trace_id", item.TraceID))

	n, err := p.store.BeginProcessing(ctx, item.NotificationID)
	if errors.Is(err, notifications.ErrAlreadyFinal) {
		// Redelivered after completion, or a retry that is not yet due.
		logger.Debug("skipping notification",
			zap.String("status", string(n.Status)),
			zap.Bool("terminal", notifications.IsTerminal(n.Status)))
		p.countProcessed("skipped")
		return nil
	}
	if errors.Is(err, notifications.ErrNotFound) {
		logger.Warn("work item references unknown notification")
		p.countProcessed("orphaned")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim notification: %w", err)
	}

	admitted, err := p.limits.Check(ctx, n.RecipientPhone, p.cfg.RateLimitRecipientPerHour)
	if err != nil {
		return fmt.Errorf("rate-limit recheck: %w", err)
	}
	if !admitted {
		return p.deferRateLimited(ctx, n, logger)
	}

	start := p.clock.Now()
	result, sendErr := p.sender.Send(ctx, provider.SendRequest{
		Recipient: n.RecipientPhone,
		Payload:   n.Payload,
		DedupID:   n.ID.String(),
	})
	latency := p.clock.Now().Sub(start)

	if sendErr != nil {
		return p.handleFailure(ctx, n, sendErr, latency, logger)
	}
	return p.handleSuccess(ctx, n, result, latency, logger)
}

func (p *Processor) handleSuccess(ctx context.Context, n *notifications.Notification, result *provider.SendResult, latency time.Duration, logger *zap.Logger) error {
	now := p.clock.Now()

	p.appendLog(ctx, &notifications.DeliveryLog{
		NotificationID:    n.ID,
		Attempt:           n.AttemptNumber,
		Status:            notifications.StatusSent,
		ProviderMessageID: &result.ProviderMessageID,
		LatencyMS:         latency.Milliseconds(),
		ProviderResponse:  result.RawResponse,
	}, logger)

	if err := p.store.MarkSent(ctx, n.ID, result.ProviderMessageID, now); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}

	logger.Info("notification sent",
		zap.String("provider_message_id", result.ProviderMessageID),
		zap.Int("attempt", n.AttemptNumber),
		zap.Duration("latency", latency))
	p.countProcessed("sent")
	p.observeSend("sent", latency)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, n *notifications.Notification, sendErr error, latency time.Duration, logger *zap.Logger) error {
	now := p.clock.Now()
	code := provider.ErrorCode(sendErr)
	message := sendErr.Error()

	p.appendLog(ctx, &notifications.DeliveryLog{
		NotificationID: n.ID,
		Attempt:        n.AttemptNumber,
		Status:         notifications.StatusFailed,
		ErrorCode:      &code,
		ErrorMessage:   &message,
		LatencyMS:      latency.Milliseconds(),
	}, logger)

	if provider.IsTransient(sendErr) && n.AttemptNumber < n.MaxAttempts {
		delay := Backoff(n.AttemptNumber, p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay)
		retryAt := now.Add(delay)

		if err := p.store.ScheduleRetry(ctx, n.ID, retryAt, code, message); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}

		logger.Warn("transient send failure, retry scheduled",
			zap.String("error_code", code),
			zap.Int("attempt", n.AttemptNumber),
			zap.Int("max_attempts", n.MaxAttempts),
			zap.Duration("delay", delay))
		p.countProcessed("retry_scheduled")
		p.observeSend("failed_transient", latency)
		if p.metrics != nil {
			p.metrics.RetriesScheduledTotal.WithLabelValues("transient_error").Inc()
		}
		return nil
	}

	if err := p.store.MarkFailed(ctx, n.ID, now, code, message); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}

	logger.Error("notification permanently failed",
		zap.String("error_code", code),
		zap.Int("attempt", n.AttemptNumber),
		zap.Bool("transient", provider.IsTransient(sendErr)))
	p.countProcessed("failed")
	p.observeSend("failed_permanent", latency)
	return nil
}

func (p *Processor) deferRateLimited(ctx context.Context, n *notifications.Notification, logger *zap.Logger) error {
	retryAfter, err := p.limits.RetryAfter(ctx, n.RecipientPhone, p.cfg.RateLimitRecipientPerHour)
	if err != nil {
		return fmt.Errorf("rate-limit retry-after: %w", err)
	}
	retryAt := p.clock.Now().Add(retryAfter)

	reason := fmt.Sprintf("recipient window full, next attempt at %s", retryAt.UTC().Format(time.RFC3339))
	p.appendLog(ctx, &notifications.DeliveryLog{
		NotificationID: n.ID,
		Attempt:        n.AttemptNumber,
		Status:         notifications.StatusRateLimited,
		ErrorMessage:   &reason,
	}, logger)

	// No send happened; the claim's attempt increment is handed back.
	if err := p.store.DeferRateLimited(ctx, n.ID, retryAt); err != nil {
		return fmt.Errorf("defer rate limited: %w", err)
	}

	logger.Info("send deferred by recipient rate limit",
		zap.String("recipient", n.RecipientPhone),
		zap.Duration("retry_after", retryAfter))
	p.countProcessed("rate_limited")
	if p.metrics != nil {
		p.metrics.RateLimitRejectionsTotal.WithLabelValues("processing").Inc()
		p.metrics.RetriesScheduledTotal.WithLabelValues("rate_limited").Inc()
	}
	return nil
}

// appendLog failures are logged but never fail the attempt; the audit trail
// is best-effort relative to the state machine.
func (p *Processor) appendLog(ctx context.Context, entry *notifications.DeliveryLog, logger *zap.Logger) {
	if err := p.logs.Append(ctx, entry); err != nil {
		logger.Error("failed to append delivery log", zap.Error(err))
	}
}

func (p *Processor) countProcessed(outcome string) {
	if p.metrics != nil {
		p.metrics.NotificationsProcessedTotal.WithLabelValues(outcome).Inc()
	}
}

func (p *Processor) observeSend(outcome string, latency time.Duration) {
	if p.metrics != nil {
		p.metrics.SendDuration.WithLabelValues(outcome).Observe(latency.Seconds())
	}
}
