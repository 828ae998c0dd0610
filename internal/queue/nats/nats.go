// Package nats implements the work-queue adapter on NATS JetStream. The
// mapping to the queue contract: the Nats-Msg-Id header carries the
// deduplication id (suppressed within the stream's duplicate window), the
// consumer's AckWait is the visibility timeout, msg.InProgress extends it,
// and MaxDeliver bounds redeliveries before the worker routes the item to
// the DLQ stream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"whatsapp-relay/internal/queue"
)

const subjectPrefix = "notify.send."

type Config struct {
	URL               string
	Stream            string
	DLQSubject        string
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	// DedupWindow is the stream duplicate-suppression window.
	DedupWindow time.Duration
	// Retention is how long unconsumed items are kept.
	Retention time.Duration
}

type Queue struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	sub    *nats.Subscription
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	inFlight map[string]*nats.Msg
}

func New(cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	if cfg.Retention == 0 {
		cfg.Retention = 14 * 24 * time.Hour
	}
	if cfg.MaxReceiveCount == 0 {
		cfg.MaxReceiveCount = 3
	}

	opts := []nats.Option{
		nats.Name("whatsapp-relay"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	q := &Queue{
		conn:     conn,
		js:       js,
		cfg:      cfg,
		logger:   logger,
		inFlight: make(map[string]*nats.Msg),
	}

	if err := q.ensureStreams(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()),
		zap.String("stream", cfg.Stream))
	return q, nil
}

func (q *Queue) ensureStreams() error {
	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:       q.cfg.Stream,
		Subjects:   []string{subjectPrefix + ">"},
		Retention:  nats.WorkQueuePolicy,
		Duplicates: q.cfg.DedupWindow,
		MaxAge:     q.cfg.Retention,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create stream %s: %w", q.cfg.Stream, err)
	}

	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:     q.cfg.Stream + "_DLQ",
		Subjects: []string{q.cfg.DLQSubject},
		MaxAge:   q.cfg.Retention,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create DLQ stream: %w", err)
	}
	return nil
}

func (q *Queue) Close() error {
	q.conn.Close()
	return nil
}

func (q *Queue) HealthCheck(ctx context.Context) error {
	if q.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("NATS not connected, status: %v", q.conn.Status())
	}
	return nil
}

func (q *Queue) Publish(ctx context.Context, item queue.WorkItem, dedupID, groupID string) (string, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("failed to marshal work item: %w", err)
	}

	ack, err := q.js.Publish(subjectPrefix+sanitizeToken(groupID), data,
		nats.MsgId(dedupID), nats.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to publish work item: %w", err)
	}

	q.logger.Debug("published work item",
		zap.String("notification_id", item.NotificationID.String()),
		zap.Uint64("sequence", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate))
	return fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence), nil
}

func (q *Queue) PublishBatch(ctx context.Context, items []queue.WorkItem) error {
	if len(items) > queue.MaxBatchSize {
		return fmt.Errorf("batch of %d exceeds limit of %d", len(items), queue.MaxBatchSize)
	}
	for _, item := range items {
		if _, err := q.Publish(ctx, item, item.NotificationID.String(), item.Recipient); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) Receive(ctx context.Context, maxCount int, wait time.Duration) ([]queue.ReceivedItem, error) {
	if err := q.ensureSubscription(); err != nil {
		return nil, err
	}

	msgs, err := q.sub.Fetch(maxCount, nats.MaxWait(wait), nats.Context(ctx))
	if err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch work items: %w", err)
	}

	items := make([]queue.ReceivedItem, 0, len(msgs))
	for _, msg := range msgs {
		var item queue.WorkItem
		if err := json.Unmarshal(msg.Data, &item); err != nil {
			// Malformed payloads can never succeed; terminate the delivery
			// so the queue stops redelivering it.
			q.logger.Error("terminating malformed work item", zap.Error(err))
			_ = msg.Term()
			continue
		}

		deliveries := 1
		if meta, err := msg.Metadata(); err == nil {
			deliveries = int(meta.NumDelivered)
		}

		handle := msg.Reply
		q.mu.Lock()
		q.inFlight[handle] = msg
		q.mu.Unlock()

		items = append(items, queue.ReceivedItem{
			Item:          item,
			ReceiptHandle: handle,
			Deliveries:    deliveries,
		})
	}
	return items, nil
}

func (q *Queue) ensureSubscription() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sub != nil {
		return nil
	}

	sub, err := q.js.PullSubscribe(subjectPrefix+">", "relay-workers",
		nats.AckWait(q.cfg.VisibilityTimeout),
		nats.MaxDeliver(q.cfg.MaxReceiveCount),
		nats.ManualAck(),
		nats.BindStream(q.cfg.Stream))
	if err != nil {
		return fmt.Errorf("failed to create pull subscription: %w", err)
	}
	q.sub = sub
	return nil
}

func (q *Queue) Acknowledge(ctx context.Context, receiptHandle string) error {
	msg := q.takeInFlight(receiptHandle)
	if msg == nil {
		// Visibility expired and the handle was redelivered elsewhere.
		return fmt.Errorf("unknown receipt handle")
	}
	if err := msg.Ack(nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to acknowledge work item: %w", err)
	}
	return nil
}

// Release naks the message with the visibility timeout as the redelivery
// delay. The receipt is dropped either way; an item whose nak is lost still
// redelivers once its AckWait lapses.
func (q *Queue) Release(ctx context.Context, receiptHandle string) error {
	msg := q.takeInFlight(receiptHandle)
	if msg == nil {
		return fmt.Errorf("unknown receipt handle")
	}
	if err := msg.NakWithDelay(q.cfg.VisibilityTimeout); err != nil {
		return fmt.Errorf("failed to release work item: %w", err)
	}
	return nil
}

func (q *Queue) ExtendVisibility(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	msg := q.inFlight[receiptHandle]
	q.mu.Unlock()
	if msg == nil {
		return fmt.Errorf("unknown receipt handle")
	}
	if err := msg.InProgress(nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to extend visibility: %w", err)
	}
	return nil
}

func (q *Queue) PublishDLQ(ctx context.Context, item queue.WorkItem, reason string) error {
	envelope := struct {
		queue.WorkItem
		Reason    string    `json:"reason"`
		Timestamp time.Time `json:"timestamp"`
	}{WorkItem: item, Reason: reason, Timestamp: time.Now()}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ item: %w", err)
	}
	if _, err := q.js.Publish(q.cfg.DLQSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish DLQ item: %w", err)
	}

	q.logger.Warn("work item routed to DLQ",
		zap.String("notification_id", item.NotificationID.String()),
		zap.String("reason", reason))
	return nil
}

func (q *Queue) takeInFlight(receiptHandle string) *nats.Msg {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg := q.inFlight[receiptHandle]
	delete(q.inFlight, receiptHandle)
	return msg
}

// sanitizeToken makes a group id safe for use as a NATS subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}
