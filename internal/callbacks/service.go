// Package callbacks ingests provider status webhooks and advances the
// post-send delivery state. Unknown message references are dropped, and the
// forward-only status rule in the store makes out-of-order callbacks settle
// on the furthest state regardless of arrival order.
package callbacks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"whatsapp-relay/internal/notifications"
	"whatsapp-relay/internal/observability"
)

// WebhookPayload mirrors the provider's webhook envelope. Only status
// changes are consumed; inbound user messages are outside this system.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string         `json:"messaging_product"`
	Statuses         []StatusUpdate `json:"statuses"`
}

type StatusUpdate struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Timestamp   string          `json:"timestamp"`
	RecipientID string          `json:"recipient_id"`
	// OpaqueData carries back the dedup id set on send, i.e. the
	// notification id.
	OpaqueData string          `json:"biz_opaque_callback_data,omitempty"`
	Errors     []CallbackError `json:"errors,omitempty"`
}

type CallbackError struct {
	Code    int    `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

// ErrAwaitingSend marks a callback that raced ahead of the send settling in
// the store. The row exists but is still mid-attempt; a provider redelivery
// will land once MarkSent commits.
var ErrAwaitingSend = errors.New("notification still mid-send")

// Store is the slice of the notification store the callback path uses.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*notifications.Notification, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*notifications.Notification, error)
	MarkCallback(ctx context.Context, id uuid.UUID, event notifications.Event, at time.Time, errCode, errMsg *string) error
}

type LogAppender interface {
	Append(ctx context.Context, entry *notifications.DeliveryLog) error
}

type Service struct {
	store       Store
	logs        LogAppender
	verifyToken string
	appSecret   string
	metrics     *observability.Metrics
	logger      *zap.Logger
}

func NewService(store Store, logs LogAppender, verifyToken, appSecret string, metrics *observability.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:       store,
		logs:        logs,
		verifyToken: verifyToken,
		appSecret:   appSecret,
		metrics:     metrics,
		logger:      logger,
	}
}

// VerifySubscription answers the provider's one-time GET handshake,
// returning the challenge to echo.
func (s *Service) VerifySubscription(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || token == "" || token != s.verifyToken {
		return "", false
	}
	return challenge, true
}

// VerifySignature checks the X-Hub-Signature-256 header against the raw
// body. With no app secret configured, verification is skipped.
func (s *Service) VerifySignature(body []byte, header string) bool {
	if s.appSecret == "" {
		return true
	}
	provided, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(provided), []byte(expected))
}

// ProcessWebhook applies every status update in the payload, returning how
// many were applied. Unknown references and inapplicable statuses are logged
// and skipped; a status that arrived before its send settled returns
// ErrAwaitingSend so the handler answers non-2xx and the provider redelivers
// the batch. Partial progress must be idempotent (and is, via forward-only
// transitions).
func (s *Service) ProcessWebhook(ctx context.Context, payload *WebhookPayload) (int, error) {
	applied := 0
	var pending error
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			for _, status := range change.Value.Statuses {
				if err := s.applyStatus(ctx, status); err != nil {
					if errors.Is(err, ErrAwaitingSend) {
						s.logger.Info("status callback ahead of send, requesting redelivery",
							zap.String("provider_message_id", status.ID),
							zap.String("status", status.Status))
						s.countCallback("deferred")
						pending = err
						continue
					}
					s.logger.Warn("dropped status callback",
						zap.String("provider_message_id", status.ID),
						zap.String("status", status.Status),
						zap.Error(err))
					s.countCallback("dropped")
					continue
				}
				applied++
				s.countCallback(status.Status)
			}
		}
	}
	return applied, pending
}

func (s *Service) applyStatus(ctx context.Context, status StatusUpdate) error {
	event, logStatus, err := mapStatus(status.Status)
	if err != nil {
		return err
	}

	n, err := s.lookup(ctx, status)
	if err != nil {
		return err
	}
	// Reject callbacks the state machine cannot accept before touching the
	// store. A row still in processing is a race with MarkSent, not a bad
	// reference; that one is worth a provider redelivery.
	if _, err := notifications.Apply(n.Status, event); err != nil {
		if n.Status == notifications.StatusProcessing {
			return fmt.Errorf("callback %q for %s: %w", status.Status, n.ID, ErrAwaitingSend)
		}
		return fmt.Errorf("callback %q not applicable from %q: %w", status.Status, n.Status, err)
	}

	at := parseTimestamp(status.Timestamp)
	errCode, errMsg := callbackError(status.Errors)

	if err := s.store.MarkCallback(ctx, n.ID, event, at, errCode, errMsg); err != nil {
		return fmt.Errorf("mark callback: %w", err)
	}

	entry := &notifications.DeliveryLog{
		NotificationID:    n.ID,
		Attempt:           n.AttemptNumber,
		Status:            logStatus,
		ProviderMessageID: &status.ID,
		ErrorCode:         errCode,
		ErrorMessage:      errMsg,
		CreatedAt:         at,
	}
	if err := s.logs.Append(ctx, entry); err != nil {
		s.logger.Error("failed to append callback log",
			zap.String("notification_id", n.ID.String()), zap.Error(err))
	}

	s.logger.Info("status callback applied",
		zap.String("notification_id", n.ID.String()),
		zap.String("status", status.Status))
	return nil
}

// lookup resolves the notification, preferring the opaque callback data
// (the notification id) over the provider message id.
func (s *Service) lookup(ctx context.Context, status StatusUpdate) (*notifications.Notification, error) {
	if status.OpaqueData != "" {
		if id, err := uuid.Parse(status.OpaqueData); err == nil {
			if n, err := s.store.GetByID(ctx, id); err == nil {
				return n, nil
			}
		}
	}
	n, err := s.store.GetByProviderMessageID(ctx, status.ID)
	if err != nil {
		return nil, fmt.Errorf("unknown message reference: %w", err)
	}
	return n, nil
}

func mapStatus(status string) (notifications.Event, notifications.Status, error) {
	switch status {
	case "sent":
		return notifications.EventCallbackSent, notifications.StatusSent, nil
	case "delivered":
		return notifications.EventCallbackDelivered, notifications.StatusDelivered, nil
	case "read":
		return notifications.EventCallbackRead, notifications.StatusRead, nil
	case "failed":
		return notifications.EventCallbackFailed, notifications.StatusFailed, nil
	default:
		return "", "", fmt.Errorf("unsupported callback status %q", status)
	}
}

// parseTimestamp reads the provider's unix-seconds string, falling back to
// now on garbage.
func parseTimestamp(ts string) time.Time {
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}

func callbackError(errs []CallbackError) (code, message *string) {
	if len(errs) == 0 {
		return nil, nil
	}
	c := strconv.Itoa(errs[0].Code)
	m := errs[0].Title
	if errs[0].Message != "" {
		m = errs[0].Message
	}
	return &c, &m
}

func (s *Service) countCallback(status string) {
	if s.metrics != nil {
		s.metrics.CallbacksProcessedTotal.WithLabelValues(status).Inc()
	}
}
