package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-skus/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// State is what the policy remembers about one order server bucket.
type State struct {
	Key            core.RateLimitKey
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
	Metadata       map[string]any
}

// Cooldown reports how long the bucket stays closed at now. A bucket is
// closed while an explicit throttle runs or while its window is exhausted.
func (s State) Cooldown(now time.Time) (time.Duration, bool) {
	if s.ThrottledUntil != nil && now.Before(*s.ThrottledUntil) {
		return s.ThrottledUntil.Sub(now), true
	}
	if s.Remaining == 0 && s.ResetAt != nil && now.Before(*s.ResetAt) {
		return s.ResetAt.Sub(now), true
	}
	return 0, false
}

type StateStore interface {
	Get(ctx context.Context, key core.RateLimitKey) (State, error)
	Upsert(ctx context.Context, state State) error
}

// NormalizeKey trims and lowercases both parts of key. Stores index buckets
// by the normalized form.
func NormalizeKey(key core.RateLimitKey) core.RateLimitKey {
	return core.RateLimitKey{
		Environment: strings.ToLower(strings.TrimSpace(key.Environment)),
		BucketKey:   strings.ToLower(strings.TrimSpace(key.BucketKey)),
	}
}

func copyMetadata(input map[string]any) map[string]any {
	output := make(map[string]any, len(input))
	maps.Copy(output, input)
	return output
}

// MemoryStateStore keeps bucket state for the life of the process.
type MemoryStateStore struct {
	mu      sync.RWMutex
	buckets map[core.RateLimitKey]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{buckets: map[core.RateLimitKey]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key core.RateLimitKey) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if state, ok := s.buckets[NormalizeKey(key)]; ok {
		state.Metadata = copyMetadata(state.Metadata)
		return state, nil
	}
	return State{}, ErrStateNotFound
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Key = NormalizeKey(state.Key)
	state.Metadata = copyMetadata(state.Metadata)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[state.Key] = state
	return nil
}
