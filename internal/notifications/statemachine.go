package notifications

import "errors"

// Event is a state-machine input. All status writes go through Apply so the
// transition rules live in one place.
type Event string

const (
	// EventPromote releases a due scheduled notification into the queue.
	EventPromote Event = "promote"
	// EventBeginProcessing claims a notification for an outbound attempt.
	EventBeginProcessing Event = "begin_processing"
	// EventSendSucceeded records a successful provider send.
	EventSendSucceeded Event = "send_succeeded"
	// EventRetryableFailure records a transient failure with retry budget left.
	EventRetryableFailure Event = "retryable_failure"
	// EventPermanentFailure records a terminal outbound failure.
	EventPermanentFailure Event = "permanent_failure"
	// EventRateLimitDeferred parks the notification until the window rolls over.
	EventRateLimitDeferred Event = "rate_limit_deferred"
	// Provider callback events advance the post-send path.
	EventCallbackSent      Event = "callback_sent"
	EventCallbackDelivered Event = "callback_delivered"
	EventCallbackRead      Event = "callback_read"
	EventCallbackFailed    Event = "callback_failed"
)

var ErrIllegalTransition = errors.New("illegal state transition")

// forwardRank orders the post-send path. Callbacks may arrive out of order;
// the state only ever moves forward along this ranking.
var forwardRank = map[Status]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Apply returns the state that follows current on event, or
// ErrIllegalTransition. A begin-processing event on an already-processing
// notification is a no-op takeover, per the at-least-once delivery contract.
func Apply(current Status, event Event) (Status, error) {
	switch event {
	case EventPromote:
		if current == StatusScheduled {
			return StatusQueued, nil
		}

	case EventBeginProcessing:
		switch current {
		case StatusQueued, StatusScheduled, StatusFailed, StatusRateLimited:
			return StatusProcessing, nil
		case StatusProcessing:
			// In-flight duplicate: the new worker takes over.
			return StatusProcessing, nil
		}

	case EventSendSucceeded:
		if current == StatusProcessing {
			return StatusSent, nil
		}

	case EventRetryableFailure, EventPermanentFailure:
		if current == StatusProcessing {
			return StatusFailed, nil
		}

	case EventRateLimitDeferred:
		if current == StatusProcessing {
			return StatusRateLimited, nil
		}

	case EventCallbackSent, EventCallbackDelivered, EventCallbackRead:
		target := callbackTarget(event)
		if cur, ok := forwardRank[current]; ok {
			if forwardRank[target] > cur {
				return target, nil
			}
			// Stale or duplicate callback: keep the more advanced state.
			return current, nil
		}

	case EventCallbackFailed:
		// A provider failure callback after acceptance is terminal and does
		// not schedule a retry.
		if _, ok := forwardRank[current]; ok {
			return StatusFailed, nil
		}
	}

	return current, ErrIllegalTransition
}

func callbackTarget(event Event) Status {
	switch event {
	case EventCallbackDelivered:
		return StatusDelivered
	case EventCallbackRead:
		return StatusRead
	default:
		return StatusSent
	}
}

// IsTerminal reports whether no further outbound work is possible for the
// status. Failed is terminal only once the retry budget is exhausted, which
// the store expresses by clearing next_retry_at.
func IsTerminal(s Status) bool {
	return s == StatusRead || s == StatusFailed
}
