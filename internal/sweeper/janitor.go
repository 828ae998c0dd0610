package sweeper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Pruner removes rate-limit buckets that rolled over before the cutoff.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Janitor runs retention maintenance on a cron schedule. Closed windows stay
// around for offline rate-limit analysis until the retention horizon passes.
type Janitor struct {
	cron      *cron.Cron
	pruner    Pruner
	retention time.Duration
	logger    *zap.Logger
}

func NewJanitor(pruner Pruner, retention time.Duration, logger *zap.Logger) *Janitor {
	return &Janitor{
		cron:      cron.New(),
		pruner:    pruner,
		retention: retention,
		logger:    logger,
	}
}

func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		cutoff := time.Now().Add(-j.retention)
		deleted, err := j.pruner.Prune(ctx, cutoff)
		if err != nil {
			j.logger.Error("rate-limit prune failed", zap.Error(err))
			return
		}
		if deleted > 0 {
			j.logger.Info("rate-limit retention pass complete",
				zap.Int64("deleted", deleted), zap.Time("cutoff", cutoff))
		}
	})
	if err != nil {
		return err
	}

	j.cron.Start()
	j.logger.Info("janitor started", zap.Duration("retention", j.retention))
	return nil
}

func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}
