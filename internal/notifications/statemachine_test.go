package notifications

import (
	"errors"
	"testing"
)

func TestApplyTransitions(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		event   Event
		want    Status
		wantErr bool
	}{
		{"promote scheduled", StatusScheduled, EventPromote, StatusQueued, false},
		{"promote queued is illegal", StatusQueued, EventPromote, StatusQueued, true},

		{"claim queued", StatusQueued, EventBeginProcessing, StatusProcessing, false},
		{"claim scheduled", StatusScheduled, EventBeginProcessing, StatusProcessing, false},
		{"claim failed for retry", StatusFailed, EventBeginProcessing, StatusProcessing, false},
		{"claim rate limited for retry", StatusRateLimited, EventBeginProcessing, StatusProcessing, false},
		{"claim sent is illegal", StatusSent, EventBeginProcessing, StatusSent, true},

		{"send succeeds", StatusProcessing, EventSendSucceeded, StatusSent, false},
		{"send success outside processing is illegal", StatusQueued, EventSendSucceeded, StatusQueued, true},

		{"transient failure", StatusProcessing, EventRetryableFailure, StatusFailed, false},
		{"permanent failure", StatusProcessing, EventPermanentFailure, StatusFailed, false},
		{"rate limit deferral", StatusProcessing, EventRateLimitDeferred, StatusRateLimited, false},

		{"delivered callback", StatusSent, EventCallbackDelivered, StatusDelivered, false},
		{"read callback", StatusDelivered, EventCallbackRead, StatusRead, false},
		{"read straight from sent", StatusSent, EventCallbackRead, StatusRead, false},
		{"failed callback is terminal", StatusDelivered, EventCallbackFailed, StatusFailed, false},
		{"callback before send is illegal", StatusQueued, EventCallbackDelivered, StatusQueued, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.current, tt.event)
			if tt.wantErr {
				if !errors.Is(err, ErrIllegalTransition) {
					t.Fatalf("Apply(%s, %s) error = %v, want ErrIllegalTransition", tt.current, tt.event, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply(%s, %s) error = %v", tt.current, tt.event, err)
			}
			if got != tt.want {
				t.Errorf("Apply(%s, %s) = %s, want %s", tt.current, tt.event, got, tt.want)
			}
		})
	}
}

func TestApplyTakeoverIsNoOp(t *testing.T) {
	got, err := Apply(StatusProcessing, EventBeginProcessing)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got != StatusProcessing {
		t.Errorf("takeover produced %s, want processing", got)
	}
}

func TestApplyCallbacksOnlyMoveForward(t *testing.T) {
	// Out-of-order callbacks must not regress the state.
	tests := []struct {
		name    string
		current Status
		event   Event
		want    Status
	}{
		{"stale sent after delivered", StatusDelivered, EventCallbackSent, StatusDelivered},
		{"stale delivered after read", StatusRead, EventCallbackDelivered, StatusRead},
		{"duplicate read", StatusRead, EventCallbackRead, StatusRead},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.current, tt.event)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Apply(%s, %s) = %s, want %s", tt.current, tt.event, got, tt.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusQueued:      false,
		StatusScheduled:   false,
		StatusProcessing:  false,
		StatusSent:        false,
		StatusDelivered:   false,
		StatusRead:        true,
		StatusFailed:      true,
		StatusRateLimited: false,
	}
	for status, want := range terminal {
		if got := IsTerminal(status); got != want {
			t.Errorf("IsTerminal(%s) = %v, want %v", status, got, want)
		}
	}
}
