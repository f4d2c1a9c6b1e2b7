package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-skus/core"
)

// ThrottledError is returned by BeforeCall while a bucket is cooling down.
type ThrottledError struct {
	Environment string
	BucketKey   string
	RetryAfter  time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: %s bucket %q throttled for %s", e.Environment, e.BucketKey, e.RetryAfter)
}

// RetryAfterHint lets the engine wait out the cooldown instead of calling.
func (e ThrottledError) RetryAfterHint() time.Duration {
	return e.RetryAfter
}

// AsError renders the throttle as a RetryLater envelope.
func (e ThrottledError) AsError() *goerrors.Error {
	metadata := map[string]any{
		"environment": e.Environment,
		"bucket_key":  e.BucketKey,
		"result_code": core.ResultRetryLater.String(),
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.ResultRetryLater.TextCode()).
		WithMetadata(metadata)
}

// AdaptivePolicy follows the order server's throttle headers per bucket.
// Throttled responses without a Retry-After back off through Backoff.
type AdaptivePolicy struct {
	Store   StateStore
	Now     func() time.Time
	Backoff core.BackoffScheduler
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	return &AdaptivePolicy{
		Store:   store,
		Now:     time.Now,
		Backoff: core.ExponentialBackoffScheduler{Initial: time.Second, Max: time.Minute},
	}
}

func (p *AdaptivePolicy) BeforeCall(ctx context.Context, key core.RateLimitKey) error {
	if p == nil || p.Store == nil {
		return nil
	}
	state, err := p.Store.Get(ctx, NormalizeKey(key))
	if errors.Is(err, ErrStateNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if wait, closed := state.Cooldown(p.now()); closed {
		return ThrottledError{Environment: state.Key.Environment, BucketKey: state.Key.BucketKey, RetryAfter: wait}
	}
	return nil
}

func (p *AdaptivePolicy) AfterCall(ctx context.Context, key core.RateLimitKey, res core.ResponseMeta) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = NormalizeKey(key)
	state, err := p.Store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrStateNotFound):
		state = State{Key: key}
	case err != nil:
		return err
	}

	now := p.now()
	sig := readSignals(res, now)
	state.apply(sig, res.Metadata, now)
	if !sig.throttled() {
		state.Attempts = 0
		state.ThrottledUntil = nil
		return p.Store.Upsert(ctx, state)
	}

	state.Attempts++
	delay := p.backoff(state.Attempts)
	if sig.retryAfter != nil {
		delay = *sig.retryAfter
	}
	until := now.Add(delay)
	state.ThrottledUntil = &until
	return p.Store.Upsert(ctx, state)
}

func (s *State) apply(sig signals, metadata map[string]any, now time.Time) {
	s.LastStatus = sig.status
	s.UpdatedAt = now
	s.Metadata = copyMetadata(s.Metadata)
	for key, value := range metadata {
		s.Metadata[key] = value
	}
	if sig.limit != nil {
		s.Limit = *sig.limit
	}
	if sig.remaining != nil {
		s.Remaining = *sig.remaining
	}
	if sig.resetAt != nil {
		s.ResetAt = sig.resetAt
	}
	s.RetryAfter = sig.retryAfter
}

func (p *AdaptivePolicy) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *AdaptivePolicy) backoff(attempt int) time.Duration {
	if p.Backoff != nil {
		return p.Backoff.NextDelay(attempt)
	}
	return core.ExponentialBackoffScheduler{Initial: time.Second, Max: time.Minute}.NextDelay(attempt)
}

var _ core.RateLimitPolicy = (*AdaptivePolicy)(nil)
