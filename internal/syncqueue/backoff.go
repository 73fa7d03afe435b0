package syncqueue

import (
	"time"

	"engage/offline/internal/store"
)

// Backoff returns how long to wait after the retryCount-th failure:
// base * 2^(retryCount-1), capped at limit.
func Backoff(base, limit time.Duration, retryCount int) time.Duration {
	if retryCount <= 0 || base <= 0 {
		return 0
	}
	backoff := base
	for i := 1; i < retryCount; i++ {
		if backoff >= limit {
			break
		}
		backoff *= 2
	}
	if backoff > limit {
		return limit
	}
	return backoff
}

// NextAttempt is the earliest time a timer-driven drain retries entry.
func NextAttempt(entry store.QueueEntry, base, limit time.Duration) time.Time {
	if entry.LastAttempt == nil || entry.RetryCount == 0 {
		return time.Time{}
	}
	return entry.LastAttempt.Add(Backoff(base, limit, entry.RetryCount))
}

func readyForRetry(entry store.QueueEntry, now time.Time, base, limit time.Duration) bool {
	return !now.Before(NextAttempt(entry, base, limit))
}
