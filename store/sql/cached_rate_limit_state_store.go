package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-skus/core"
	"github.com/goliatone/go-skus/ratelimit"
)

const rateLimitStateCacheKeyPrefix = "go-skus::ratelimit_state::v1"

// CachedRateLimitStateStore keeps bucket reads off the database between
// writes. The policy consults it before every order server request.
type CachedRateLimitStateStore struct {
	base  ratelimit.StateStore
	cache repositorycache.CacheService
}

func NewCachedRateLimitStateStore(base ratelimit.StateStore, cacheService repositorycache.CacheService) (*CachedRateLimitStateStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base rate-limit state store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: rate-limit cache service is required")
	}
	return &CachedRateLimitStateStore{base: base, cache: cacheService}, nil
}

// RateLimitStateCacheKey is go-skus::ratelimit_state::v1::<environment>::<bucket>
// with both segments lowercased and URL-path escaped.
func RateLimitStateCacheKey(key core.RateLimitKey) (string, error) {
	key, err := bucketKey(key)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		rateLimitStateCacheKeyPrefix,
		url.PathEscape(key.Environment),
		url.PathEscape(key.BucketKey),
	}, "::"), nil
}

func (s *CachedRateLimitStateStore) Get(ctx context.Context, key core.RateLimitKey) (ratelimit.State, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: cached rate-limit state store is not configured")
	}
	key, err := bucketKey(key)
	if err != nil {
		return ratelimit.State{}, err
	}
	cacheKey, err := RateLimitStateCacheKey(key)
	if err != nil {
		return ratelimit.State{}, err
	}
	state, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (ratelimit.State, error) {
		return s.base.Get(ctx, key)
	})
	if err != nil {
		return ratelimit.State{}, err
	}
	// Cached values are shared; callers get their own pointers and maps.
	return cloneRateLimitState(state), nil
}

func (s *CachedRateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached rate-limit state store is not configured")
	}
	cacheKey, err := RateLimitStateCacheKey(state.Key)
	if err != nil {
		return err
	}
	if err := s.base.Upsert(ctx, cloneRateLimitState(state)); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

func cloneRateLimitState(state ratelimit.State) ratelimit.State {
	out := state
	out.Key = ratelimit.NormalizeKey(state.Key)
	out.ResetAt = utcPointer(state.ResetAt)
	out.ThrottledUntil = utcPointer(state.ThrottledUntil)
	out.Metadata = copyAnyMap(state.Metadata)
	if state.RetryAfter != nil {
		delay := *state.RetryAfter
		out.RetryAfter = &delay
	}
	return out
}
