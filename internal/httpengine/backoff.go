package httpengine

import (
	"math"
	"net/http"
	"strconv"
	"time"
)

// fixedExponentialBackOff implements backoff.BackOff with spec.md §4.4's
// exact policy: delay = base * 2^attempt, capped at max. A Retry-After
// header value, when set via observedRetryAfter, overrides the next
// computed delay exactly once.
type fixedExponentialBackOff struct {
	base    time.Duration
	max     time.Duration
	attempt int

	retryAfter time.Duration
}

func (b *fixedExponentialBackOff) NextBackOff() time.Duration {
	if b.retryAfter > 0 {
		d := b.retryAfter
		b.retryAfter = 0
		b.attempt++
		return d
	}
	d := time.Duration(float64(b.base) * math.Pow(2, float64(b.attempt)))
	if d > b.max {
		d = b.max
	}
	b.attempt++
	return d
}

func (b *fixedExponentialBackOff) Reset() {
	b.attempt = 0
	b.retryAfter = 0
}

// observeRetryAfter records a Retry-After hint from the most recent response
// so the next NextBackOff call honors it instead of the computed delay.
func (b *fixedExponentialBackOff) observeRetryAfter(h http.Header) {
	b.retryAfter = retryAfterDuration(h)
}

// isRetryableStatus reports whether status is a transient error that may
// succeed on retry (spec.md §4.4: "status 429, status 5xx").
func isRetryableStatus(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status <= 599
}

// retryAfterDuration parses the Retry-After header as either delay-seconds
// or an HTTP-date, returning 0 if absent or unparsable.
func retryAfterDuration(h http.Header) time.Duration {
	ra := h.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
