package callbacks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"whatsapp-relay/internal/notifications"
)

type markCall struct {
	id      uuid.UUID
	event   notifications.Event
	at      time.Time
	errCode *string
}

type fakeStore struct {
	byID         map[uuid.UUID]*notifications.Notification
	byProviderID map[string]*notifications.Notification
	marks        []markCall
}

func (f *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*notifications.Notification, error) {
	if n, ok := f.byID[id]; ok {
		return n, nil
	}
	return nil, notifications.ErrNotFound
}

func (f *fakeStore) GetByProviderMessageID(ctx context.Context, pmid string) (*notifications.Notification, error) {
	if n, ok := f.byProviderID[pmid]; ok {
		return n, nil
	}
	return nil, notifications.ErrNotFound
}

func (f *fakeStore) MarkCallback(ctx context.Context, id uuid.UUID, event notifications.Event, at time.Time, errCode, errMsg *string) error {
	f.marks = append(f.marks, markCall{id: id, event: event, at: at, errCode: errCode})
	return nil
}

type fakeLogs struct {
	entries []*notifications.DeliveryLog
}

func (f *fakeLogs) Append(ctx context.Context, entry *notifications.DeliveryLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

func newFixture() (*Service, *fakeStore, *fakeLogs, *notifications.Notification) {
	n := &notifications.Notification{
		ID:            uuid.New(),
		TenantID:      "acme",
		Status:        notifications.StatusSent,
		AttemptNumber: 1,
	}
	store := &fakeStore{
		byID:         map[uuid.UUID]*notifications.Notification{n.ID: n},
		byProviderID: map[string]*notifications.Notification{"wamid.X": n},
	}
	logs := &fakeLogs{}
	svc := NewService(store, logs, "verify-me", "", nil, zap.NewNop())
	return svc, store, logs, n
}

func statusPayload(updates ...StatusUpdate) *WebhookPayload {
	return &WebhookPayload{
		Object: "whatsapp_business_account",
		Entry: []Entry{{
			ID: "biz-1",
			Changes: []Change{{
				Field: "messages",
				Value: ChangeValue{MessagingProduct: "whatsapp", Statuses: updates},
			}},
		}},
	}
}

func TestProcessWebhookDelivered(t *testing.T) {
	svc, store, logs, n := newFixture()

	applied, err := svc.ProcessWebhook(context.Background(), statusPayload(StatusUpdate{
		ID:        "wamid.X",
		Status:    "delivered",
		Timestamp: "1717243200",
	}))

	if err != nil {
		t.Fatalf("ProcessWebhook() error: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	if len(store.marks) != 1 {
		t.Fatalf("expected one mark, got %d", len(store.marks))
	}
	mark := store.marks[0]
	if mark.id != n.ID || mark.event != notifications.EventCallbackDelivered {
		t.Errorf("mark = %+v, want delivered on %s", mark, n.ID)
	}
	if !mark.at.Equal(time.Unix(1717243200, 0).UTC()) {
		t.Errorf("timestamp = %v, want provider-supplied", mark.at)
	}
	if len(logs.entries) != 1 || logs.entries[0].Status != notifications.StatusDelivered {
		t.Errorf("expected one delivered log entry, got %+v", logs.entries)
	}
}

func TestProcessWebhookResolvesByOpaqueData(t *testing.T) {
	svc, store, _, n := newFixture()
	// Not yet marked sent in the store, so the provider id lookup would miss.
	delete(store.byProviderID, "wamid.X")

	applied, err := svc.ProcessWebhook(context.Background(), statusPayload(StatusUpdate{
		ID:         "wamid.X",
		Status:     "read",
		Timestamp:  "1717243200",
		OpaqueData: n.ID.String(),
	}))

	if err != nil {
		t.Fatalf("ProcessWebhook() error: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	if store.marks[0].event != notifications.EventCallbackRead {
		t.Errorf("event = %q, want callback_read", store.marks[0].event)
	}
}

func TestProcessWebhookUnknownMessageDropped(t *testing.T) {
	svc, store, logs, _ := newFixture()

	applied, err := svc.ProcessWebhook(context.Background(), statusPayload(StatusUpdate{
		ID:        "wamid.UNKNOWN",
		Status:    "delivered",
		Timestamp: "1717243200",
	}))

	if err != nil {
		t.Fatalf("unknown reference is a drop, not a redelivery request: %v", err)
	}
	if applied != 0 {
		t.Errorf("applied = %d, want 0", applied)
	}
	if len(store.marks) != 0 || len(logs.entries) != 0 {
		t.Error("unknown reference must not write anything")
	}
}

func TestProcessWebhookFailedCarriesError(t *testing.T) {
	svc, store, _, _ := newFixture()

	applied, err := svc.ProcessWebhook(context.Background(), statusPayload(StatusUpdate{
		ID:        "wamid.X",
		Status:    "failed",
		Timestamp: "1717243200",
		Errors:    []CallbackError{{Code: 131053, Title: "media upload error"}},
	}))

	if err != nil {
		t.Fatalf("ProcessWebhook() error: %v", err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}
	mark := store.marks[0]
	if mark.event != notifications.EventCallbackFailed {
		t.Errorf("event = %q, want callback_failed", mark.event)
	}
	if mark.errCode == nil || *mark.errCode != "131053" {
		t.Errorf("error code = %v, want 131053", mark.errCode)
	}
}

func TestProcessWebhookOutOfOrderBatch(t *testing.T) {
	svc, store, _, _ := newFixture()

	// Read arrives before delivered; both apply, and the store's
	// forward-only rule keeps the furthest state.
	applied, err := svc.ProcessWebhook(context.Background(), statusPayload(
		StatusUpdate{ID: "wamid.X", Status: "read", Timestamp: "1717243260"},
		StatusUpdate{ID: "wamid.X", Status: "delivered", Timestamp: "1717243200"},
	))

	if err != nil {
		t.Fatalf("ProcessWebhook() error: %v", err)
	}
	if applied != 2 {
		t.Fatalf("applied = %d, want 2", applied)
	}
	if store.marks[0].event != notifications.EventCallbackRead ||
		store.marks[1].event != notifications.EventCallbackDelivered {
		t.Errorf("marks = %+v", store.marks)
	}
}

func TestProcessWebhookDroppedBeforeSend(t *testing.T) {
	svc, store, logs, n := newFixture()
	n.Status = notifications.StatusQueued

	applied, err := svc.ProcessWebhook(context.Background(), statusPayload(StatusUpdate{
		ID:        "wamid.X",
		Status:    "delivered",
		Timestamp: "1717243200",
	}))

	if err != nil {
		t.Fatalf("queued row is a drop, not a redelivery request: %v", err)
	}
	if applied != 0 {
		t.Errorf("applied = %d, want 0 for a row the send never reached", applied)
	}
	if len(store.marks) != 0 || len(logs.entries) != 0 {
		t.Error("inapplicable callback must not write anything")
	}
}

func TestProcessWebhookMidSendRequestsRedelivery(t *testing.T) {
	svc, store, logs, n := newFixture()
	// The callback beat MarkSent; the row is claimed but not yet settled.
	n.Status = notifications.StatusProcessing

	applied, err := svc.ProcessWebhook(context.Background(), statusPayload(StatusUpdate{
		ID:        "wamid.X",
		Status:    "delivered",
		Timestamp: "1717243200",
	}))

	if !errors.Is(err, ErrAwaitingSend) {
		t.Fatalf("err = %v, want ErrAwaitingSend", err)
	}
	if applied != 0 {
		t.Errorf("applied = %d, want 0", applied)
	}
	if len(store.marks) != 0 || len(logs.entries) != 0 {
		t.Error("racing callback must not write anything")
	}
}

func TestProcessWebhookIgnoresNonMessageChanges(t *testing.T) {
	svc, store, _, _ := newFixture()

	payload := &WebhookPayload{Entry: []Entry{{
		Changes: []Change{{Field: "account_update"}},
	}}}
	if applied, err := svc.ProcessWebhook(context.Background(), payload); applied != 0 || err != nil {
		t.Errorf("ProcessWebhook() = (%d, %v), want (0, nil)", applied, err)
	}
	if len(store.marks) != 0 {
		t.Error("non-message change must not touch the store")
	}
}

func TestVerifySubscription(t *testing.T) {
	svc, _, _, _ := newFixture()

	if challenge, ok := svc.VerifySubscription("subscribe", "verify-me", "1158201444"); !ok || challenge != "1158201444" {
		t.Errorf("valid handshake rejected: %q %v", challenge, ok)
	}
	if _, ok := svc.VerifySubscription("subscribe", "wrong", "x"); ok {
		t.Error("wrong token accepted")
	}
	if _, ok := svc.VerifySubscription("unsubscribe", "verify-me", "x"); ok {
		t.Error("wrong mode accepted")
	}
}

func TestVerifySignature(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, &fakeLogs{}, "", "app-secret", nil, zap.NewNop())

	body := []byte(`{"object":"whatsapp_business_account"}`)
	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write(body)
	valid := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !svc.VerifySignature(body, valid) {
		t.Error("valid signature rejected")
	}
	if svc.VerifySignature(body, "sha256=deadbeef") {
		t.Error("forged signature accepted")
	}
	if svc.VerifySignature(body, "") {
		t.Error("missing signature accepted with secret configured")
	}

	open := NewService(store, &fakeLogs{}, "", "", nil, zap.NewNop())
	if !open.VerifySignature(body, "") {
		t.Error("verification should be skipped with no secret")
	}
}
