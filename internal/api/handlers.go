package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"whatsapp-relay/internal/auth"
	"whatsapp-relay/internal/callbacks"
	"whatsapp-relay/internal/ingest"
	"whatsapp-relay/internal/notifications"
	"whatsapp-relay/internal/queue"
	"whatsapp-relay/internal/ratelimit"
)

type Handlers struct {
	logger    *zap.Logger
	ingest    *ingest.Service
	store     *notifications.Store
	logs      *notifications.LogStore
	callbacks *callbacks.Service
	queue     queue.Queue
	limits    *ratelimit.Store
}

func NewHandlers(
	logger *zap.Logger,
	ingestSvc *ingest.Service,
	store *notifications.Store,
	logs *notifications.LogStore,
	callbackSvc *callbacks.Service,
	q queue.Queue,
	limits *ratelimit.Store,
) *Handlers {
	return &Handlers{
		logger:    logger,
		ingest:    ingestSvc,
		store:     store,
		logs:      logs,
		callbacks: callbackSvc,
		queue:     q,
		limits:    limits,
	}
}

type createResponse struct {
	ID     uuid.UUID            `json:"id"`
	Status notifications.Status `json:"status"`
}

// CreateNotification handles POST /v1/notifications. A replayed
// Idempotency-Key returns the prior record with 200 instead of 201.
func (h *Handlers) CreateNotification(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}

	var req ingest.CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	result, err := h.ingest.Create(c.UserContext(), tenant, req, c.Get("Idempotency-Key"))
	if err != nil {
		return h.ingestError(c, err)
	}

	status := fiber.StatusCreated
	if !result.Created {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(createResponse{
		ID:     result.Notification.ID,
		Status: result.Notification.Status,
	})
}

type bulkRequest struct {
	Notifications []ingest.CreateRequest `json:"notifications"`
}

// CreateBulk handles POST /v1/notifications/bulk with per-entry outcomes.
func (h *Handlers) CreateBulk(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}

	var req bulkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	entries, err := h.ingest.CreateBulk(c.UserContext(), tenant, req.Notifications)
	if err != nil {
		return h.ingestError(c, err)
	}

	accepted := 0
	for _, e := range entries {
		if e.Error == "" {
			accepted++
		}
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"accepted": accepted,
		"failed":   len(entries) - accepted,
		"results":  entries,
	})
}

// GetNotification handles GET /v1/notifications/:id and its /status alias,
// returning the record plus the most recent delivery log entries.
func (h *Handlers) GetNotification(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid notification id"})
	}

	n, err := h.store.GetByID(c.UserContext(), id)
	if err != nil || n.TenantID != tenant {
		// Cross-tenant reads 404 rather than 403 to avoid leaking ids.
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification not found"})
	}

	entries, err := h.logs.ListByNotification(c.UserContext(), id, 5)
	if err != nil {
		h.logger.Warn("failed to load recent delivery logs",
			zap.String("notification_id", id.String()), zap.Error(err))
	}
	return c.JSON(struct {
		*notifications.Notification
		RecentLogs []*notifications.DeliveryLog `json:"recent_logs,omitempty"`
	}{n, entries})
}

// ListNotifications handles GET /v1/analytics/notifications with
// status/event_type filters and pagination.
func (h *Handlers) ListNotifications(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}

	filter := notifications.ListFilter{
		Page:  c.QueryInt("page", 1),
		Limit: c.QueryInt("limit", 20),
	}
	if s := c.Query("status"); s != "" {
		status := notifications.Status(s)
		filter.Status = &status
	}
	if e := c.Query("event_type"); e != "" {
		filter.EventType = &e
	}

	items, total, err := h.store.ListByTenant(c.UserContext(), tenant, filter)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	return c.JSON(fiber.Map{
		"notifications": items,
		"pagination": fiber.Map{
			"page":        filter.Page,
			"limit":       filter.Limit,
			"total":       total,
			"total_pages": int(math.Ceil(float64(total) / float64(max(filter.Limit, 1)))),
		},
	})
}

// GetDeliveryLogs handles GET /v1/notifications/:id/logs.
func (h *Handlers) GetDeliveryLogs(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid notification id"})
	}

	n, err := h.store.GetByID(c.UserContext(), id)
	if err != nil || n.TenantID != tenant {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "notification not found"})
	}

	entries, err := h.logs.ListByNotification(c.UserContext(), id, c.QueryInt("limit", 20))
	if err != nil {
		h.logger.Error("failed to list delivery logs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"notification_id": id, "logs": entries})
}

// GetStats handles GET /v1/analytics/stats over an optional date range
// (default: trailing 24 hours).
func (h *Handlers) GetStats(c *fiber.Ctx) error {
	tenant, err := auth.TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := c.Query("startDate"); v != "" {
		parsed, err := parseDateParam(v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid startDate"})
		}
		from = parsed
	}
	if v := c.Query("endDate"); v != "" {
		parsed, err := parseDateParam(v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid endDate"})
		}
		to = parsed
	}

	stats, err := h.store.Stats(c.UserContext(), tenant, from, to)
	if err != nil {
		h.logger.Error("failed to compute stats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"from": from, "to": to, "stats": stats})
}

// parseDateParam accepts RFC3339 timestamps and bare dates.
func parseDateParam(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
}

// Ready reports readiness of every dependency the request path touches.
func (h *Handlers) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	checks := fiber.Map{}
	healthy := true
	for name, check := range map[string]func(context.Context) error{
		"database": h.store.Health,
		"queue":    h.queue.HealthCheck,
	} {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not ready", "checks": checks,
		})
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": checks})
}

func (h *Handlers) ingestError(c *fiber.Ctx, err error) error {
	var vErr *ingest.ValidationError
	if errors.As(err, &vErr) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "validation failed", "field": vErr.Field, "detail": vErr.Message,
		})
	}
	var rlErr *ingest.RateLimitedError
	if errors.As(err, &rlErr) {
		seconds := int(math.Ceil(rlErr.RetryAfter.Seconds()))
		c.Set("Retry-After", fmt.Sprintf("%d", seconds))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":               "recipient rate limit exceeded",
			"retry_after_seconds": seconds,
		})
	}

	h.logger.Error("ingestion failed", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}
