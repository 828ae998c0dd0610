// Package queue defines the durable work-queue contract the relay depends
// on: at-least-once delivery, per-message deduplication, visibility-timeout
// redelivery, and a dead-letter target for items that exhaust redeliveries.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"whatsapp-relay/internal/notifications"
)

// WorkItem is the queue payload. It carries the full notification payload so
// the worker can send without a store read on the hot path.
type WorkItem struct {
	NotificationID uuid.UUID              `json:"notification_id"`
	TenantID       string                 `json:"tenant_id"`
	Recipient      string                 `json:"recipient"`
	Payload        notifications.Payload  `json:"payload"`
	Priority       notifications.Priority `json:"priority"`
	AttemptNumber  int                    `json:"attempt_number"`
	MaxAttempts    int                    `json:"max_attempts"`
	TraceID        string                 `json:"trace_id"`
}

// ReceivedItem is a WorkItem plus the receipt bookkeeping needed to ack or
// extend it.
type ReceivedItem struct {
	Item          WorkItem
	ReceiptHandle string
	// Deliveries counts how many times the queue has handed this item out,
	// including this delivery.
	Deliveries int
}

// Queue is the adapter over the durable queue. Unacknowledged items become
// visible again after the visibility timeout configured at construction.
type Queue interface {
	// Publish enqueues one item. dedupID suppresses duplicates within the
	// queue's deduplication window; groupID approximates per-recipient
	// ordering where the backing queue supports it.
	Publish(ctx context.Context, item WorkItem, dedupID, groupID string) (string, error)
	// PublishBatch enqueues up to MaxBatchSize items.
	PublishBatch(ctx context.Context, items []WorkItem) error
	// Receive long-polls for up to maxCount items, waiting at most wait.
	Receive(ctx context.Context, maxCount int, wait time.Duration) ([]ReceivedItem, error)
	Acknowledge(ctx context.Context, receiptHandle string) error
	// Release hands an unsettled item back for redelivery after the
	// visibility timeout and drops the local receipt.
	Release(ctx context.Context, receiptHandle string) error
	// ExtendVisibility resets the visibility timer for a slow handler.
	ExtendVisibility(ctx context.Context, receiptHandle string) error
	// PublishDLQ routes an exhausted item to the dead-letter target.
	PublishDLQ(ctx context.Context, item WorkItem, reason string) error
	HealthCheck(ctx context.Context) error
}

// MaxBatchSize bounds PublishBatch.
const MaxBatchSize = 10
