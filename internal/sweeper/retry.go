// Package sweeper hosts the periodic passes that drive state outside the
// queue path: due retries, due schedules, and storage retention. Retry and
// schedule passes invoke the processor directly rather than re-enqueueing,
// which keeps retry timing exact and the queue fingerprint small.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"whatsapp-relay/internal/notifications"
	"whatsapp-relay/internal/queue"
)

// Processor matches the message processor's entry point.
type Processor interface {
	Process(ctx context.Context, item queue.WorkItem) error
}

// RetryStore is the slice of the notification store the retry pass needs.
type RetryStore interface {
	FindDueRetries(ctx context.Context, limit int) ([]*notifications.Notification, error)
	Reconcile(ctx context.Context, olderThan time.Duration) (int64, error)
}

type RetrySweeper struct {
	store    RetryStore
	proc     Processor
	interval time.Duration
	limit    int
	logger   *zap.Logger
}

func NewRetrySweeper(store RetryStore, proc Processor, interval time.Duration, limit int, logger *zap.Logger) *RetrySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if limit <= 0 {
		limit = 100
	}
	return &RetrySweeper{store: store, proc: proc, interval: interval, limit: limit, logger: logger}
}

// Run reconciles stranded rows once, then sweeps until ctx is cancelled.
func (s *RetrySweeper) Run(ctx context.Context) {
	// Rows stuck in queued with no retry slot (an enqueue failed after the
	// insert) are stamped due-now so this pass picks them up.
	if stamped, err := s.store.Reconcile(ctx, time.Minute); err != nil {
		s.logger.Error("startup reconciliation failed", zap.Error(err))
	} else if stamped > 0 {
		s.logger.Info("reconciled stranded notifications", zap.Int64("count", stamped))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("retry sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep processes due retries one at a time. Serial on purpose: a provider
// outage puts whole cohorts on the same retry slot, and fanning them out
// would recreate the stampede the backoff jitter exists to break up.
func (s *RetrySweeper) sweep(ctx context.Context) {
	due, err := s.store.FindDueRetries(ctx, s.limit)
	if err != nil {
		s.logger.Error("failed to find due retries", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Info("sweeping due retries", zap.Int("count", len(due)))
	for _, n := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.proc.Process(ctx, WorkItemFor(n)); err != nil {
			s.logger.Error("retry attempt failed",
				zap.String("notification_id", n.ID.String()), zap.Error(err))
		}
	}
}

// WorkItemFor rebuilds the queue payload from a stored notification for
// direct processor invocation.
func WorkItemFor(n *notifications.Notification) queue.WorkItem {
	return queue.WorkItem{
		NotificationID: n.ID,
		TenantID:       n.TenantID,
		Recipient:      n.RecipientPhone,
		Payload:        n.Payload,
		Priority:       n.Priority,
		AttemptNumber:  n.AttemptNumber,
		MaxAttempts:    n.MaxAttempts,
		TraceID:        n.TraceID,
	}
}
