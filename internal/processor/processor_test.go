package processor

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"whatsapp-relay/internal/clock"
	"whatsapp-relay/internal/config"
	"whatsapp-relay/internal/notifications"
	"whatsapp-relay/internal/provider"
	"whatsapp-relay/internal/queue"
)

type fakeStore struct {
	n *notifications.Notification

	claimErr    error
	sentID      string
	retryAt     *time.Time
	failedAt    *time.Time
	deferredAt  *time.Time
	lastErrCode string
}

func (f *fakeStore) BeginProcessing(ctx context.Context, id uuid.UUID) (*notifications.Notification, error) {
	if f.claimErr != nil {
		return f.n, f.claimErr
	}
	f.n.AttemptNumber++
	f.n.Status = notifications.StatusProcessing
	return f.n, nil
}

func (f *fakeStore) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, at time.Time) error {
	f.sentID = providerMessageID
	f.n.Status = notifications.StatusSent
	return nil
}

func (f *fakeStore) ScheduleRetry(ctx context.Context, id uuid.UUID, nextRetryAt time.Time, errCode, errMsg string) error {
	f.retryAt = &nextRetryAt
	f.lastErrCode = errCode
	f.n.Status = notifications.StatusFailed
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time, errCode, errMsg string) error {
	f.failedAt = &at
	f.lastErrCode = errCode
	f.n.Status = notifications.StatusFailed
	return nil
}

func (f *fakeStore) DeferRateLimited(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	f.deferredAt = &retryAt
	f.n.AttemptNumber--
	f.n.Status = notifications.StatusRateLimited
	return nil
}

type fakeLogs struct {
	entries []*notifications.DeliveryLog
}

func (f *fakeLogs) Append(ctx context.Context, entry *notifications.DeliveryLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeLimits struct {
	admitted   bool
	retryAfter time.Duration
}

func (f *fakeLimits) Check(ctx context.Context, recipient string, limit int) (bool, error) {
	return f.admitted, nil
}

func (f *fakeLimits) RetryAfter(ctx context.Context, recipient string, limit int) (time.Duration, error) {
	return f.retryAfter, nil
}

type fakeSender struct {
	result *provider.SendResult
	err    error
	calls  int
}

func (f *fakeSender) Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeSender) Name() string { return "fake" }

type fixture struct {
	store  *fakeStore
	logs   *fakeLogs
	limits *fakeLimits
	sender *fakeSender
	proc   *Processor
	item   queue.WorkItem
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	id := uuid.New()
	store := &fakeStore{n: &notifications.Notification{
		ID:             id,
		TenantID:       "acme",
		RecipientPhone: "+14155552671",
		Payload:        notifications.Payload{Text: &notifications.TextBody{Body: "hi"}},
		Status:         notifications.StatusQueued,
		MaxAttempts:    3,
	}}
	logs := &fakeLogs{}
	limits := &fakeLimits{admitted: true, retryAfter: 30 * time.Minute}
	sender := &fakeSender{result: &provider.SendResult{ProviderMessageID: "wamid.X"}}

	cfg := &config.Config{
		RateLimitRecipientPerHour: 10,
		RetryBaseDelay:            time.Second,
		RetryMaxDelay:             time.Hour,
		MaxAttempts:               3,
	}
	proc := New(store, logs, limits, sender, cfg,
		&clock.Fixed{Time: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		nil, zap.NewNop())

	return &fixture{
		store:  store,
		logs:   logs,
		limits: limits,
		sender: sender,
		proc:   proc,
		item: queue.WorkItem{
			NotificationID: id,
			TenantID:       "acme",
			Recipient:      "+14155552671",
			MaxAttempts:    3,
		},
	}
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t)

	if err := f.proc.Process(context.Background(), f.item); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if f.store.n.Status != notifications.StatusSent {
		t.Errorf("status = %q, want sent", f.store.n.Status)
	}
	if f.store.sentID != "wamid.X" {
		t.Errorf("provider message id = %q, want wamid.X", f.store.sentID)
	}
	if len(f.logs.entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(f.logs.entries))
	}
	entry := f.logs.entries[0]
	if entry.Status != notifications.StatusSent || entry.Attempt != 1 {
		t.Errorf("log entry = {status %q, attempt %d}, want {sent, 1}", entry.Status, entry.Attempt)
	}
}

func TestProcessTransientFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	f.sender.result = nil
	f.sender.err = provider.NewTransient("500", "upstream blew up")

	if err := f.proc.Process(context.Background(), f.item); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if f.store.retryAt == nil {
		t.Fatal("expected a retry to be scheduled")
	}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	delay := f.store.retryAt.Sub(now)
	if delay < 750*time.Millisecond || delay > 1250*time.Millisecond {
		t.Errorf("first retry delay = %v, want ~1s ±25%%", delay)
	}
	if f.store.failedAt != nil {
		t.Error("transient failure with budget must not finalize")
	}
	if f.store.lastErrCode != "500" {
		t.Errorf("error code = %q, want 500", f.store.lastErrCode)
	}
	if len(f.logs.entries) != 1 || f.logs.entries[0].Status != notifications.StatusFailed {
		t.Errorf("expected one failed log entry, got %+v", f.logs.entries)
	}
}

func TestProcessExhaustedBudgetFailsTerminally(t *testing.T) {
	f := newFixture(t)
	f.store.n.AttemptNumber = 2 // claim increments to 3 of 3
	f.sender.result = nil
	f.sender.err = provider.NewTransient("500", "still down")

	if err := f.proc.Process(context.Background(), f.item); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if f.store.retryAt != nil {
		t.Error("exhausted budget must not schedule a retry")
	}
	if f.store.failedAt == nil {
		t.Fatal("expected terminal failure")
	}
}

func TestProcessPermanentFailure(t *testing.T) {
	f := newFixture(t)
	f.sender.result = nil
	f.sender.err = provider.NewPermanent("131026", "recipient cannot receive messages")

	if err := f.proc.Process(context.Background(), f.item); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if f.store.retryAt != nil {
		t.Error("permanent failure must not schedule a retry")
	}
	if f.store.failedAt == nil {
		t.Fatal("expected terminal failure")
	}
	if f.store.lastErrCode != "131026" {
		t.Errorf("error code = %q, want 131026", f.store.lastErrCode)
	}
}

func TestProcessAlreadyFinalAcks(t *testing.T) {
	f := newFixture(t)
	f.store.n.Status = notifications.StatusSent
	f.store.claimErr = notifications.ErrAlreadyFinal

	if err := f.proc.Process(context.Background(), f.item); err != nil {
		t.Fatalf("redelivered final item should settle cleanly, got %v", err)
	}
	if f.sender.calls != 0 {
		t.Error("finalized notification must not be resent")
	}
}

func TestProcessUnknownNotificationAcks(t *testing.T) {
	f := newFixture(t)
	f.store.claimErr = notifications.ErrNotFound

	if err := f.proc.Process(context.Background(), f.item); err != nil {
		t.Fatalf("orphaned item should settle cleanly, got %v", err)
	}
	if f.sender.calls != 0 {
		t.Error("orphaned item must not trigger a send")
	}
}

func TestProcessRateLimitDeferral(t *testing.T) {
	f := newFixture(t)
	f.limits.admitted = false
	f.limits.retryAfter = 42 * time.Minute

	if err := f.proc.Process(context.Background(), f.item); err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if f.sender.calls != 0 {
		t.Error("rate-limited item must not reach the provider")
	}
	if f.store.deferredAt == nil {
		t.Fatal("expected rate-limit deferral")
	}
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	if got := f.store.deferredAt.Sub(now); got != 42*time.Minute {
		t.Errorf("deferral retry at +%v, want +42m", got)
	}
	if f.store.n.AttemptNumber != 0 {
		t.Errorf("deferral must hand the attempt back, counter = %d", f.store.n.AttemptNumber)
	}
	if len(f.logs.entries) != 1 {
		t.Fatalf("expected 1 log entry for the deferral, got %d", len(f.logs.entries))
	}
	if f.logs.entries[0].Status != notifications.StatusRateLimited {
		t.Errorf("log status = %q, want rate_limited", f.logs.entries[0].Status)
	}
}
