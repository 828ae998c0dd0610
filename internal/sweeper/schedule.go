package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"whatsapp-relay/internal/notifications"
)

// ScheduleStore is the slice of the notification store the promoter needs.
type ScheduleStore interface {
	FindDueScheduled(ctx context.Context, limit int) ([]*notifications.Notification, error)
	Promote(ctx context.Context, id uuid.UUID) error
}

type SchedulePromoter struct {
	store    ScheduleStore
	proc     Processor
	interval time.Duration
	limit    int
	logger   *zap.Logger
}

func NewSchedulePromoter(store ScheduleStore, proc Processor, interval time.Duration, limit int, logger *zap.Logger) *SchedulePromoter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if limit <= 0 {
		limit = 100
	}
	return &SchedulePromoter{store: store, proc: proc, interval: interval, limit: limit, logger: logger}
}

func (s *SchedulePromoter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("schedule promoter started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("schedule promoter stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *SchedulePromoter) sweep(ctx context.Context) {
	due, err := s.store.FindDueScheduled(ctx, s.limit)
	if err != nil {
		s.logger.Error("failed to find due scheduled notifications", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Info("promoting due scheduled notifications", zap.Int("count", len(due)))
	for _, n := range due {
		if ctx.Err() != nil {
			return
		}
		// The promote CAS loses when another instance got there first;
		// skipping keeps each due item processed once per transition.
		if err := s.store.Promote(ctx, n.ID); err != nil {
			s.logger.Debug("promotion lost or failed",
				zap.String("notification_id", n.ID.String()), zap.Error(err))
			continue
		}
		if err := s.proc.Process(ctx, WorkItemFor(n)); err != nil {
			s.logger.Error("promoted notification failed to process",
				zap.String("notification_id", n.ID.String()), zap.Error(err))
		}
	}
}
