// Package provider defines the outbound messaging-API contract. The client
// performs a single send per call and never retries; retry policy belongs to
// the processor.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"whatsapp-relay/internal/notifications"
)

type SendRequest struct {
	Recipient string
	Payload   notifications.Payload
	// DedupID rides along to the provider as opaque callback data so
	// duplicate sends collapse on the provider side.
	DedupID string
}

type SendResult struct {
	ProviderMessageID string
	RawResponse       json.RawMessage
}

type Sender interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
	Name() string
}

// SendError is a classified provider failure. Transient failures are
// retry-eligible; everything else is permanent.
type SendError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *SendError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("provider %s error %s: %s", kind, e.Code, e.Message)
}

func NewTransient(code, message string) *SendError {
	return &SendError{Code: code, Message: message, Transient: true}
}

func NewPermanent(code, message string) *SendError {
	return &SendError{Code: code, Message: message, Transient: false}
}

// IsTransient reports whether err is a retry-eligible provider failure.
// Unclassified errors default to permanent.
func IsTransient(err error) bool {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Transient
	}
	return false
}

// ErrorCode extracts the provider error code, or "internal" for
// unclassified errors.
func ErrorCode(err error) string {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Code
	}
	return "internal"
}
