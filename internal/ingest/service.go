// Package ingest is the request path: validate, admit against the recipient
// rate limit, persist, and enqueue. Persist-then-enqueue is not atomic; a row
// stranded in queued by an enqueue failure is picked up by the retry sweeper
// after startup reconciliation stamps it with a due retry time.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"whatsapp-relay/internal/clock"
	"whatsapp-relay/internal/config"
	"whatsapp-relay/internal/idempotency"
	"whatsapp-relay/internal/notifications"
	"whatsapp-relay/internal/observability"
	"whatsapp-relay/internal/queue"
	"whatsapp-relay/internal/ratelimit"
)

// MaxBulkSize bounds the bulk ingestion path.
const MaxBulkSize = 100

// validate carries a strict e164 rule: the stock tag tolerates a leading
// zero after the plus sign, which the provider rejects.
var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("e164", func(fl validator.FieldLevel) bool {
		return notifications.ValidE164(fl.Field().String())
	})
	return v
}()

type Recipient struct {
	PhoneNumber string  `json:"phone_number" validate:"required,e164"`
	CountryCode *string `json:"country_code,omitempty" validate:"omitempty,len=2"`
}

// Message is the free-text alternative to a template.
type Message struct {
	Text string `json:"text" validate:"required"`
}

type CreateRequest struct {
	EventType    string                      `json:"event_type" validate:"required,max=100"`
	Recipient    Recipient                   `json:"recipient"`
	Template     *notifications.TemplateBody `json:"template,omitempty"`
	Message      *Message                    `json:"message,omitempty"`
	Priority     notifications.Priority      `json:"priority,omitempty"`
	Metadata     json.RawMessage             `json:"metadata,omitempty"`
	ScheduledFor *time.Time                  `json:"scheduled_for,omitempty"`
}

// payload folds the wire-level template/message pair into the stored
// tagged variant.
func (r CreateRequest) payload() notifications.Payload {
	p := notifications.Payload{Template: r.Template}
	if r.Message != nil {
		p.Text = &notifications.TextBody{Body: r.Message.Text}
	}
	return p
}

// RateLimitedError carries the wait until the recipient's window admits
// another message.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("recipient rate limit exceeded, retry after %s", e.RetryAfter)
}

// ValidationError wraps a rejected request with a client-safe message.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type Result struct {
	Notification *notifications.Notification
	// Created is false when an idempotency replay returned the prior record.
	Created bool
}

type BulkEntry struct {
	Index  int                   `json:"index"`
	ID     *uuid.UUID            `json:"id,omitempty"`
	Status *notifications.Status `json:"status,omitempty"`
	Error  string                `json:"error,omitempty"`
}

type Service struct {
	store       *notifications.Store
	limits      *ratelimit.Store
	idempotency *idempotency.Store
	queue       queue.Queue
	cfg         *config.Config
	clock       clock.Clock
	metrics     *observability.Metrics
	logger      *zap.Logger
}

func NewService(
	store *notifications.Store,
	limits *ratelimit.Store,
	idem *idempotency.Store,
	q queue.Queue,
	cfg *config.Config,
	clk clock.Clock,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:       store,
		limits:      limits,
		idempotency: idem,
		queue:       q,
		cfg:         cfg,
		clock:       clk,
		metrics:     metrics,
		logger:      logger,
	}
}

// Create validates and admits one notification. idemKey is the client's
// Idempotency-Key header; a replayed key returns the prior record.
func (s *Service) Create(ctx context.Context, tenantID string, req CreateRequest, idemKey string) (*Result, error) {
	if err := s.validateRequest(&req); err != nil {
		s.countIngested("rejected", tenantID)
		return nil, err
	}

	// Fast path for replays: the cached binding avoids the insert round trip.
	if prior, err := s.idempotency.Lookup(ctx, tenantID, idemKey); err == nil && prior != uuid.Nil {
		if existing, err := s.store.GetByID(ctx, prior); err == nil {
			return &Result{Notification: existing, Created: false}, nil
		}
	}

	admitted, err := s.limits.Check(ctx, req.Recipient.PhoneNumber, s.cfg.RateLimitRecipientPerHour)
	if err != nil {
		return nil, fmt.Errorf("rate-limit check: %w", err)
	}
	if !admitted {
		retryAfter, err := s.limits.RetryAfter(ctx, req.Recipient.PhoneNumber, s.cfg.RateLimitRecipientPerHour)
		if err != nil {
			return nil, fmt.Errorf("rate-limit retry-after: %w", err)
		}
		if s.metrics != nil {
			s.metrics.RateLimitRejectionsTotal.WithLabelValues("ingest").Inc()
		}
		s.countIngested("rate_limited", tenantID)
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}

	n := s.buildNotification(tenantID, req, idemKey)

	if err := s.store.Create(ctx, n); err != nil {
		if errors.Is(err, notifications.ErrExists) {
			existing, err := s.store.GetByID(ctx, n.ID)
			if err != nil {
				return nil, fmt.Errorf("load existing notification: %w", err)
			}
			return &Result{Notification: existing, Created: false}, nil
		}
		return nil, fmt.Errorf("persist notification: %w", err)
	}
	s.idempotency.Record(ctx, tenantID, idemKey, n.ID)

	if err := s.limits.Increment(ctx, req.Recipient.PhoneNumber); err != nil {
		// The row is already persisted; an increment failure only loosens the
		// window by one message.
		s.logger.Warn("failed to increment rate window",
			zap.String("recipient", req.Recipient.PhoneNumber), zap.Error(err))
	}

	if n.Status == notifications.StatusQueued {
		if err := s.enqueue(ctx, n); err != nil {
			s.logger.Error("failed to enqueue notification, deferring to retry sweeper",
				zap.String("notification_id", n.ID.String()), zap.Error(err))
		}
	}

	s.countIngested(string(n.Status), tenantID)
	s.logger.Info("notification accepted",
		zap.String("notification_id", n.ID.String()),
		zap.String("tenant_id", tenantID),
		zap.String("status", string(n.Status)))
	return &Result{Notification: n, Created: true}, nil
}

// CreateBulk admits up to MaxBulkSize requests, returning a per-entry
// outcome. Entries share no transaction; each succeeds or fails alone.
func (s *Service) CreateBulk(ctx context.Context, tenantID string, reqs []CreateRequest) ([]BulkEntry, error) {
	if len(reqs) == 0 {
		return nil, &ValidationError{Field: "notifications", Message: "at least one entry required"}
	}
	if len(reqs) > MaxBulkSize {
		return nil, &ValidationError{
			Field:   "notifications",
			Message: fmt.Sprintf("at most %d entries per request", MaxBulkSize),
		}
	}

	entries := make([]BulkEntry, 0, len(reqs))
	for i, req := range reqs {
		entry := BulkEntry{Index: i}
		result, err := s.Create(ctx, tenantID, req, "")
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.ID = &result.Notification.ID
			entry.Status = &result.Notification.Status
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Service) validateRequest(req *CreateRequest) error {
	if req.Priority == "" {
		req.Priority = notifications.PriorityNormal
	}
	if !req.Priority.IsValid() {
		return &ValidationError{Field: "priority", Message: "must be high, normal, or low"}
	}
	if err := req.payload().Validate(); err != nil {
		return &ValidationError{Field: "payload", Message: err.Error()}
	}
	if t := req.Template; t != nil {
		if t.Name == "" {
			return &ValidationError{Field: "template.name", Message: "required"}
		}
		if len(t.Language) != 2 {
			return &ValidationError{Field: "template.language", Message: "must be a 2-character language code"}
		}
	}
	if err := validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed %s validation", fe.Tag()),
			}
		}
		return &ValidationError{Field: "request", Message: err.Error()}
	}
	return nil
}

func (s *Service) buildNotification(tenantID string, req CreateRequest, idemKey string) *notifications.Notification {
	now := s.clock.Now()
	status := notifications.StatusQueued
	scheduledFor := req.ScheduledFor
	if scheduledFor != nil && scheduledFor.After(now) {
		status = notifications.StatusScheduled
	} else {
		scheduledFor = nil
	}

	return &notifications.Notification{
		ID:             idempotency.DeriveID(tenantID, idemKey),
		TenantID:       tenantID,
		EventType:      req.EventType,
		RecipientPhone: req.Recipient.PhoneNumber,
		CountryCode:    req.Recipient.CountryCode,
		Payload:        req.payload(),
		Metadata:       req.Metadata,
		Priority:       req.Priority,
		Status:         status,
		MaxAttempts:    s.cfg.MaxAttempts,
		ScheduledFor:   scheduledFor,
		TraceID:        uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) enqueue(ctx context.Context, n *notifications.Notification) error {
	item := queue.WorkItem{
		NotificationID: n.ID,
		TenantID:       n.TenantID,
		Recipient:      n.RecipientPhone,
		Payload:        n.Payload,
		Priority:       n.Priority,
		AttemptNumber:  n.AttemptNumber,
		MaxAttempts:    n.MaxAttempts,
		TraceID:        n.TraceID,
	}
	_, err := s.queue.Publish(ctx, item, n.ID.String(), n.RecipientPhone)
	return err
}

func (s *Service) countIngested(status, tenantID string) {
	if s.metrics != nil {
		s.metrics.NotificationsIngestedTotal.WithLabelValues(status, tenantID).Inc()
	}
}
