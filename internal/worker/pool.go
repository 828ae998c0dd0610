// Package worker is the queue consumer: a long-polling receive loop fanning
// out to a bounded set of handler goroutines. Acknowledgment policy: a
// settled item is acked; an unsettled one is released for visibility-timeout
// redelivery, and routed to the DLQ once redeliveries are exhausted.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"whatsapp-relay/internal/observability"
	"whatsapp-relay/internal/queue"
)

// Processor is the per-item handler. A nil return settles the item.
type Processor interface {
	Process(ctx context.Context, item queue.WorkItem) error
}

var ErrShutdownTimeout = errors.New("worker shutdown grace period exceeded")

type Config struct {
	Concurrency       int
	ReceiveWait       time.Duration
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	ShutdownGrace     time.Duration
}

type Pool struct {
	queue   queue.Queue
	proc    Processor
	cfg     Config
	metrics *observability.Metrics
	logger  *zap.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPool(q queue.Queue, proc Processor, cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = 20 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.MaxReceiveCount <= 0 {
		cfg.MaxReceiveCount = 3
	}
	return &Pool{
		queue:   q,
		proc:    proc,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		sem:     make(chan struct{}, cfg.Concurrency),
	}
}

// Run consumes until ctx is cancelled, then drains in-flight handlers. It
// returns ErrShutdownTimeout when the grace period elapses first.
func (p *Pool) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()

	p.logger.Info("worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Duration("receive_wait", p.cfg.ReceiveWait))

	for runCtx.Err() == nil {
		items, err := p.queue.Receive(runCtx, p.cfg.Concurrency, p.cfg.ReceiveWait)
		if err != nil {
			if runCtx.Err() != nil {
				break
			}
			p.logger.Error("queue receive failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-runCtx.Done():
			}
			continue
		}

		for i, item := range items {
			select {
			case p.sem <- struct{}{}:
			case <-runCtx.Done():
				p.releaseUnstarted(items[i:])
				return p.drain()
			}
			p.wg.Add(1)
			go p.handle(runCtx, item)
		}
	}

	return p.drain()
}

// Stop cancels the receive loop; Run performs the drain.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pool) drain() error {
	p.logger.Info("worker pool draining")
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := p.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return nil
	case <-time.After(grace):
		p.logger.Warn("worker pool shutdown grace exceeded")
		return ErrShutdownTimeout
	}
}

func (p *Pool) handle(ctx context.Context, received queue.ReceivedItem) {
	defer func() {
		<-p.sem
		p.wg.Done()
	}()
	if p.metrics != nil {
		p.metrics.WorkerInFlight.Inc()
		defer p.metrics.WorkerInFlight.Dec()
	}

	logger := p.logger.With(
		zap.String("notification_id", received.Item.NotificationID.String()),
		zap.Int("deliveries", received.Deliveries))

	// Handlers outlive the receive loop's context so a shutdown mid-send
	// still settles cleanly within the grace period.
	handleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*p.cfg.VisibilityTimeout)
	defer cancel()

	stopHeartbeat := p.startHeartbeat(handleCtx, received.ReceiptHandle, logger)
	err := p.proc.Process(handleCtx, received.Item)
	stopHeartbeat()

	if err == nil {
		if ackErr := p.queue.Acknowledge(handleCtx, received.ReceiptHandle); ackErr != nil {
			logger.Warn("failed to acknowledge settled item", zap.Error(ackErr))
		}
		return
	}

	logger.Error("item processing failed", zap.Error(err))
	if received.Deliveries >= p.cfg.MaxReceiveCount {
		if dlqErr := p.queue.PublishDLQ(handleCtx, received.Item, err.Error()); dlqErr != nil {
			logger.Error("failed to route item to DLQ", zap.Error(dlqErr))
			return
		}
		if ackErr := p.queue.Acknowledge(handleCtx, received.ReceiptHandle); ackErr != nil {
			logger.Warn("failed to acknowledge dead-lettered item", zap.Error(ackErr))
		}
		return
	}
	// Hand the receipt back; the item is visible again after the visibility
	// timeout.
	if relErr := p.queue.Release(handleCtx, received.ReceiptHandle); relErr != nil {
		logger.Warn("failed to release unsettled item", zap.Error(relErr))
	}
}

// releaseUnstarted returns receipts for items fetched but never handed to a
// goroutine, so the adapter does not hold them past shutdown.
func (p *Pool) releaseUnstarted(items []queue.ReceivedItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, received := range items {
		if err := p.queue.Release(ctx, received.ReceiptHandle); err != nil {
			p.logger.Warn("failed to release unstarted item",
				zap.String("notification_id", received.Item.NotificationID.String()),
				zap.Error(err))
		}
	}
}

// startHeartbeat extends visibility at 70% of the timeout so slow provider
// calls do not trigger a concurrent redelivery.
func (p *Pool) startHeartbeat(ctx context.Context, receiptHandle string, logger *zap.Logger) func() {
	interval := p.cfg.VisibilityTimeout * 7 / 10
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendVisibility(ctx, receiptHandle); err != nil {
					logger.Warn("failed to extend visibility", zap.Error(err))
					return
				}
				logger.Debug("extended item visibility")
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}
