package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-skus/core"
)

// signals are the throttle hints carried by one order server response.
type signals struct {
	status     int
	limit      *int
	remaining  *int
	resetAt    *time.Time
	retryAfter *time.Duration
}

func readSignals(res core.ResponseMeta, now time.Time) signals {
	sig := signals{status: res.StatusCode}
	sig.limit = headerInt(res.Headers, "x-ratelimit-limit")
	sig.remaining = headerInt(res.Headers, "x-ratelimit-remaining")
	if reset := headerInt(res.Headers, "x-ratelimit-reset"); reset != nil && *reset > 0 {
		at := time.Unix(int64(*reset), 0).UTC()
		sig.resetAt = &at
	}
	if res.RetryAfter != nil && *res.RetryAfter > 0 {
		delay := *res.RetryAfter
		sig.retryAfter = &delay
	} else if delay, ok := retryAfterHeader(header(res.Headers, "retry-after"), now); ok {
		sig.retryAfter = &delay
	}
	return sig
}

// throttled decides whether the response closes the bucket. 429 always
// does; 503 only with a Retry-After; other 5xx never do. Anything else closes
// it only when the server reports an exhausted window.
func (s signals) throttled() bool {
	switch {
	case s.status == http.StatusTooManyRequests:
		return true
	case s.status == http.StatusServiceUnavailable:
		return s.retryAfter != nil
	case s.status >= http.StatusInternalServerError:
		return false
	}
	if s.remaining != nil {
		return *s.remaining == 0
	}
	return false
}

func retryAfterHeader(raw string, now time.Time) (time.Duration, bool) {
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	for _, layout := range []string{http.TimeFormat, time.RFC850, time.ANSIC, time.RFC1123Z} {
		at, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		if at.After(now) {
			return at.Sub(now), true
		}
		return 0, false
	}
	return 0, false
}

func headerInt(headers map[string]string, name string) *int {
	raw := header(headers, name)
	if raw == "" {
		return nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &value
}

func header(headers map[string]string, name string) string {
	for key, value := range headers {
		if strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
