package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// RetryConfig controls retry behavior for provider API calls.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryConfig returns the retry policy shared by all providers:
// three attempts with exponential backoff starting at 500ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
}

// HTTPError is a non-2xx response from a provider API.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header given in seconds.
// Returns 0 when the header is absent or malformed.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// isTransient reports whether err is worth retrying: rate limits, server
// errors, and network failures. Anything else (auth failures, malformed
// requests, decode errors) fails immediately.
func isTransient(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == 429 || httpErr.Status >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryDo runs fn up to cfg.MaxAttempts times, sleeping
// BaseDelay*2^attempt between transient failures. A Retry-After hint from
// the server overrides the computed delay when longer. Context
// cancellation aborts both in-flight calls and backoff sleeps.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isTransient(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.BaseDelay * (1 << attempt)
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > delay {
			delay = httpErr.RetryAfter
		}
		slog.Debug("provider call failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}
