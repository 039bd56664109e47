package storage

import "time"

// maxBackoff caps exponential backoff growth so a row with many attempts
// does not get scheduled arbitrarily far in the future.
const maxBackoff = 30 * time.Minute

// NextScheduledFor computes scheduled_for = now + 30s * 2^attempts,
// capped at maxBackoff. attempts must be the count *after* this
// failure's increment (or the prior count, for failures that do not
// consume an attempt) is applied by the caller.
func NextScheduledFor(now time.Time, attempts int) time.Time {
	if attempts < 0 {
		attempts = 0
	}
	delay := 30 * time.Second
	for i := 0; i < attempts && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return now.Add(delay)
}
