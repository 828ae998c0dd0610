package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"whatsapp-relay/internal/auth"
	"whatsapp-relay/internal/callbacks"
	"whatsapp-relay/internal/clock"
	"whatsapp-relay/internal/config"
	"whatsapp-relay/internal/ingest"
	"whatsapp-relay/internal/notifications"
)

type fakeCallbackStore struct {
	byProviderID map[string]*notifications.Notification
	marked       int
}

func (f *fakeCallbackStore) GetByID(ctx context.Context, id uuid.UUID) (*notifications.Notification, error) {
	return nil, notifications.ErrNotFound
}

func (f *fakeCallbackStore) GetByProviderMessageID(ctx context.Context, pmid string) (*notifications.Notification, error) {
	if n, ok := f.byProviderID[pmid]; ok {
		return n, nil
	}
	return nil, notifications.ErrNotFound
}

func (f *fakeCallbackStore) MarkCallback(ctx context.Context, id uuid.UUID, event notifications.Event, at time.Time, errCode, errMsg *string) error {
	f.marked++
	return nil
}

type fakeLogStore struct{}

func (fakeLogStore) Append(ctx context.Context, entry *notifications.DeliveryLog) error { return nil }

func testApp(t *testing.T, callbackStore *fakeCallbackStore) *fiber.App {
	t.Helper()
	logger := zap.NewNop()
	cfg := &config.Config{
		MaxAttempts:               5,
		RateLimitRecipientPerHour: 10,
		RateLimitTenantPerMinute:  100,
	}

	ingestSvc := ingest.NewService(nil, nil, nil, nil, cfg, clock.System(), nil, logger)
	callbackSvc := callbacks.NewService(callbackStore, fakeLogStore{}, "verify-me", "app-secret", nil, logger)
	authSvc := auth.NewService(nil, []string{"test-key:acme"}, "default", logger)
	handlers := NewHandlers(logger, ingestSvc, nil, nil, callbackSvc, nil, nil)

	app := fiber.New()
	SetupRoutes(app, cfg, logger, nil, handlers, authSvc)
	return app
}

func TestCreateNotificationRequiresAPIKey(t *testing.T) {
	app := testApp(t, &fakeCallbackStore{})

	req := httptest.NewRequest("POST", "/v1/notifications", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCreateNotificationRejectsInvalidBody(t *testing.T) {
	app := testApp(t, &fakeCallbackStore{})

	tests := []struct {
		name string
		body string
	}{
		{"missing body", `{"event_type":"order.shipped","recipient":{"phone_number":"+14155552671"}}`},
		{"bad phone", `{"event_type":"order.shipped","recipient":{"phone_number":"nope"},"message":{"text":"hi"}}`},
		{"not json", `{{{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/notifications", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-API-Key", "test-key")

			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test() error: %v", err)
			}
			if resp.StatusCode != fiber.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestWebhookVerificationHandshake(t *testing.T) {
	app := testApp(t, &fakeCallbackStore{})

	resp, err := app.Test(httptest.NewRequest("GET",
		"/v1/webhooks/provider?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "12345" {
		t.Errorf("challenge echo = %q, want 12345", body)
	}

	resp, err = app.Test(httptest.NewRequest("GET",
		"/v1/webhooks/provider?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want 403 for bad token", resp.StatusCode)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	store := &fakeCallbackStore{}
	app := testApp(t, store)

	body := `{"object":"whatsapp_business_account","entry":[]}`
	req := httptest.NewRequest("POST", "/v1/webhooks/provider", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if store.marked != 0 {
		t.Error("rejected webhook must not write state")
	}
}

func TestWebhookProcessesSignedPayload(t *testing.T) {
	n := &notifications.Notification{ID: uuid.New(), Status: notifications.StatusSent, TenantID: "acme"}
	store := &fakeCallbackStore{byProviderID: map[string]*notifications.Notification{"wamid.X": n}}
	app := testApp(t, store)

	payload := callbacks.WebhookPayload{
		Object: "whatsapp_business_account",
		Entry: []callbacks.Entry{{
			Changes: []callbacks.Change{{
				Field: "messages",
				Value: callbacks.ChangeValue{Statuses: []callbacks.StatusUpdate{{
					ID: "wamid.X", Status: "delivered", Timestamp: "1717243200",
				}}},
			}},
		}},
	}
	body, _ := json.Marshal(payload)

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write(body)
	req := httptest.NewRequest("POST", "/v1/webhooks/provider", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if store.marked != 1 {
		t.Errorf("marked = %d, want 1", store.marked)
	}

	var result struct {
		Processed int `json:"processed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Processed != 1 {
		t.Errorf("processed = %d, want 1", result.Processed)
	}
}

func TestWebhookRequestsRedeliveryForMidSendRow(t *testing.T) {
	n := &notifications.Notification{ID: uuid.New(), Status: notifications.StatusProcessing, TenantID: "acme"}
	store := &fakeCallbackStore{byProviderID: map[string]*notifications.Notification{"wamid.X": n}}
	app := testApp(t, store)

	payload := callbacks.WebhookPayload{
		Object: "whatsapp_business_account",
		Entry: []callbacks.Entry{{
			Changes: []callbacks.Change{{
				Field: "messages",
				Value: callbacks.ChangeValue{Statuses: []callbacks.StatusUpdate{{
					ID: "wamid.X", Status: "delivered", Timestamp: "1717243200",
				}}},
			}},
		}},
	}
	body, _ := json.Marshal(payload)

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write(body)
	req := httptest.NewRequest("POST", "/v1/webhooks/provider", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	// Non-2xx so the provider redelivers once MarkSent has landed.
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if store.marked != 0 {
		t.Error("racing callback must not write state")
	}
}

func TestHealthEndpoint(t *testing.T) {
	app := testApp(t, &fakeCallbackStore{})

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
