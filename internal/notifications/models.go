package notifications

import (
	"encoding/json"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusScheduled   Status = "scheduled"
	StatusProcessing  Status = "processing"
	StatusSent        Status = "sent"
	StatusDelivered   Status = "delivered"
	StatusRead        Status = "read"
	StatusFailed      Status = "failed"
	StatusRateLimited Status = "rate_limited"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// MaxTextLength bounds free-text bodies.
const MaxTextLength = 4096

// DefaultMaxAttempts is the per-notification attempt cap.
const DefaultMaxAttempts = 5

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidE164 reports whether s is a phone number in E.164 format.
func ValidE164(s string) bool {
	return e164Pattern.MatchString(s)
}

type ParameterType string

const (
	ParameterText     ParameterType = "text"
	ParameterCurrency ParameterType = "currency"
	ParameterDateTime ParameterType = "date_time"
)

type TemplateParameter struct {
	Type  ParameterType `json:"type"`
	Value string        `json:"value"`
}

// TemplateBody references an approved provider template with an ordered
// parameter list.
type TemplateBody struct {
	Name       string              `json:"name"`
	Language   string              `json:"language"`
	Parameters []TemplateParameter `json:"parameters,omitempty"`
}

// TextBody is a free-text message bounded to MaxTextLength characters.
type TextBody struct {
	Body string `json:"body"`
}

// Payload is the tagged variant carried by every notification: exactly one
// of Template or Text is set.
type Payload struct {
	Template *TemplateBody `json:"template,omitempty"`
	Text     *TextBody     `json:"text,omitempty"`
}

var (
	ErrEmptyPayload     = errors.New("payload requires a template or a text body")
	ErrAmbiguousPayload = errors.New("payload must carry exactly one of template or text")
	ErrTextTooLong      = errors.New("text body exceeds 4096 characters")
)

func (p Payload) Validate() error {
	switch {
	case p.Template == nil && p.Text == nil:
		return ErrEmptyPayload
	case p.Template != nil && p.Text != nil:
		return ErrAmbiguousPayload
	}
	if p.Text != nil && len([]rune(p.Text.Body)) > MaxTextLength {
		return ErrTextTooLong
	}
	return nil
}

type Notification struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	TenantID          string          `json:"tenant_id" db:"tenant_id"`
	EventType         string          `json:"event_type" db:"event_type"`
	RecipientPhone    string          `json:"recipient_phone" db:"recipient_phone"`
	CountryCode       *string         `json:"country_code,omitempty" db:"country_code"`
	Payload           Payload         `json:"payload" db:"payload"`
	Metadata          json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	Priority          Priority        `json:"priority" db:"priority"`
	Status            Status          `json:"status" db:"status"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty" db:"provider_message_id"`
	AttemptNumber     int             `json:"attempt_number" db:"attempt_number"`
	MaxAttempts       int             `json:"max_attempts" db:"max_attempts"`
	NextRetryAt       *time.Time      `json:"next_retry_at,omitempty" db:"next_retry_at"`
	ScheduledFor      *time.Time      `json:"scheduled_for,omitempty" db:"scheduled_for"`
	SentAt            *time.Time      `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt       *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
	ReadAt            *time.Time      `json:"read_at,omitempty" db:"read_at"`
	FailedAt          *time.Time      `json:"failed_at,omitempty" db:"failed_at"`
	LastErrorCode     *string         `json:"last_error_code,omitempty" db:"last_error_code"`
	LastErrorMessage  *string         `json:"last_error_message,omitempty" db:"last_error_message"`
	TraceID           string          `json:"trace_id" db:"trace_id"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// DeliveryLog is one append-only audit row per attempt or callback.
type DeliveryLog struct {
	ID                int64           `json:"id" db:"id"`
	NotificationID    uuid.UUID       `json:"notification_id" db:"notification_id"`
	Attempt           int             `json:"attempt" db:"attempt"`
	Status            Status          `json:"status" db:"status"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty" db:"provider_message_id"`
	ErrorCode         *string         `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage      *string         `json:"error_message,omitempty" db:"error_message"`
	LatencyMS         int64           `json:"latency_ms" db:"latency_ms"`
	ProviderResponse  json.RawMessage `json:"provider_response,omitempty" db:"provider_response"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// ListFilter holds query parameters for paginated tenant listing.
type ListFilter struct {
	Status    *Status
	EventType *string
	Page      int
	Limit     int
}

// Stats aggregates tenant delivery counts over a date range.
type Stats struct {
	Total        int64            `json:"total"`
	ByStatus     map[Status]int64 `json:"by_status"`
	AvgLatencyMS float64          `json:"avg_latency_ms"`
}
