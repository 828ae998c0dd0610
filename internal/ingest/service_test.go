package ingest

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"whatsapp-relay/internal/clock"
	"whatsapp-relay/internal/config"
	"whatsapp-relay/internal/notifications"
)

func testService(now time.Time) *Service {
	return &Service{
		cfg: &config.Config{
			MaxAttempts:               5,
			RateLimitRecipientPerHour: 10,
		},
		clock:  &clock.Fixed{Time: now},
		logger: zap.NewNop(),
	}
}

func textRequest(body string) CreateRequest {
	return CreateRequest{
		EventType: "order.shipped",
		Recipient: Recipient{PhoneNumber: "+14155552671"},
		Message:   &Message{Text: body},
	}
}

func TestValidateRequest(t *testing.T) {
	svc := testService(time.Now())

	withPhone := func(req CreateRequest, phone string) CreateRequest {
		req.Recipient.PhoneNumber = phone
		return req
	}
	withPriority := func(req CreateRequest, p notifications.Priority) CreateRequest {
		req.Priority = p
		return req
	}

	tests := []struct {
		name      string
		req       CreateRequest
		wantField string
	}{
		{
			name: "valid text request",
			req:  textRequest("your order shipped"),
		},
		{
			name: "valid template request",
			req: CreateRequest{
				EventType: "order.shipped",
				Recipient: Recipient{PhoneNumber: "+14155552671"},
				Template:  &notifications.TemplateBody{Name: "order_update", Language: "en"},
			},
		},
		{
			name: "missing event type",
			req: CreateRequest{
				Recipient: Recipient{PhoneNumber: "+14155552671"},
				Message:   &Message{Text: "hi"},
			},
			wantField: "EventType",
		},
		{
			name:      "recipient without plus prefix",
			req:       withPhone(textRequest("hi"), "14155552671"),
			wantField: "PhoneNumber",
		},
		{
			name:      "recipient with leading zero",
			req:       withPhone(textRequest("hi"), "+04155552671"),
			wantField: "PhoneNumber",
		},
		{
			name: "neither template nor message",
			req: CreateRequest{
				EventType: "order.shipped",
				Recipient: Recipient{PhoneNumber: "+14155552671"},
			},
			wantField: "payload",
		},
		{
			name: "both template and message",
			req: CreateRequest{
				EventType: "order.shipped",
				Recipient: Recipient{PhoneNumber: "+14155552671"},
				Template:  &notifications.TemplateBody{Name: "t", Language: "en"},
				Message:   &Message{Text: "hi"},
			},
			wantField: "payload",
		},
		{
			name:      "text over length limit",
			req:       textRequest(string(make([]rune, notifications.MaxTextLength+1))),
			wantField: "payload",
		},
		{
			name: "template with long language code",
			req: CreateRequest{
				EventType: "order.shipped",
				Recipient: Recipient{PhoneNumber: "+14155552671"},
				Template:  &notifications.TemplateBody{Name: "order_update", Language: "en_US"},
			},
			wantField: "template.language",
		},
		{
			name:      "unknown priority",
			req:       withPriority(textRequest("hi"), notifications.Priority("urgent")),
			wantField: "priority",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.validateRequest(&tt.req)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("validateRequest() error: %v", err)
				}
				return
			}
			vErr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if vErr.Field != tt.wantField {
				t.Errorf("rejected field = %q, want %q", vErr.Field, tt.wantField)
			}
		})
	}
}

func TestValidateRequestDefaultsPriority(t *testing.T) {
	svc := testService(time.Now())
	req := textRequest("hi")
	if err := svc.validateRequest(&req); err != nil {
		t.Fatalf("validateRequest() error: %v", err)
	}
	if req.Priority != notifications.PriorityNormal {
		t.Errorf("priority = %q, want normal", req.Priority)
	}
}

func TestBuildNotificationInitialState(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := testService(now)

	base := textRequest("hi")
	base.Priority = notifications.PriorityNormal

	t.Run("immediate request is queued", func(t *testing.T) {
		n := svc.buildNotification("acme", base, "")
		if n.Status != notifications.StatusQueued {
			t.Errorf("status = %q, want queued", n.Status)
		}
		if n.ScheduledFor != nil {
			t.Errorf("scheduled_for should be nil, got %v", n.ScheduledFor)
		}
		if n.MaxAttempts != 5 {
			t.Errorf("max_attempts = %d, want 5", n.MaxAttempts)
		}
	})

	t.Run("future schedule is scheduled", func(t *testing.T) {
		future := now.Add(2 * time.Hour)
		req := base
		req.ScheduledFor = &future
		n := svc.buildNotification("acme", req, "")
		if n.Status != notifications.StatusScheduled {
			t.Errorf("status = %q, want scheduled", n.Status)
		}
		if n.ScheduledFor == nil || !n.ScheduledFor.Equal(future) {
			t.Errorf("scheduled_for = %v, want %v", n.ScheduledFor, future)
		}
	})

	t.Run("past schedule is queued immediately", func(t *testing.T) {
		past := now.Add(-time.Minute)
		req := base
		req.ScheduledFor = &past
		n := svc.buildNotification("acme", req, "")
		if n.Status != notifications.StatusQueued {
			t.Errorf("status = %q, want queued", n.Status)
		}
		if n.ScheduledFor != nil {
			t.Errorf("past schedule should be cleared, got %v", n.ScheduledFor)
		}
	})

	t.Run("same idempotency key derives same id", func(t *testing.T) {
		a := svc.buildNotification("acme", base, "req-42")
		b := svc.buildNotification("acme", base, "req-42")
		if a.ID != b.ID {
			t.Errorf("ids differ for replayed key: %s vs %s", a.ID, b.ID)
		}
		other := svc.buildNotification("globex", base, "req-42")
		if other.ID == a.ID {
			t.Error("different tenants must not share derived ids")
		}
	})
}

func TestCreateBulkSizeBounds(t *testing.T) {
	svc := testService(time.Now())

	if _, err := svc.CreateBulk(context.Background(), "acme", nil); err == nil {
		t.Error("empty bulk should be rejected")
	}

	over := make([]CreateRequest, MaxBulkSize+1)
	if _, err := svc.CreateBulk(context.Background(), "acme", over); err == nil {
		t.Error("oversized bulk should be rejected")
	}
}
