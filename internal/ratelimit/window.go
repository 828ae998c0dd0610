package ratelimit

import "time"

// Buckets are hour-aligned. The admission window is the trailing hour, so at
// any instant at most two buckets overlap it: the current hour and the one
// before.

func bucketStart(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour)
}

func bucketEnd(now time.Time) time.Time {
	return bucketStart(now).Add(time.Hour)
}

// retryAfter returns how long until the earliest bucket rollover that would
// admit the next message, or 0 when the recipient is not currently limited.
//
// The previous bucket drops out of the trailing window at the next hour
// boundary; if the current bucket alone still fills the limit, admission
// needs the boundary after that.
func retryAfter(now time.Time, currentCount, previousCount, limit int) time.Duration {
	if currentCount+previousCount < limit {
		return 0
	}

	untilBoundary := bucketEnd(now).Sub(now)
	if currentCount < limit {
		return untilBoundary
	}
	return untilBoundary + time.Hour
}
