package sqlstore

import (
	"context"
	"fmt"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-skus/core"
	"github.com/goliatone/go-skus/ratelimit"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RateLimitStateStore persists ratelimit.AdaptivePolicy buckets so throttle
// windows survive process restarts. One row per environment and bucket.
type RateLimitStateStore struct {
	db   *bun.DB
	repo repository.Repository[*rateLimitStateRecord]
}

func NewRateLimitStateStore(db *bun.DB) (*RateLimitStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*rateLimitStateRecord](db, rateLimitStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid rate-limit state repository wiring: %w", err)
		}
	}
	return &RateLimitStateStore{db: db, repo: repo}, nil
}

func (s *RateLimitStateStore) Get(ctx context.Context, key core.RateLimitKey) (ratelimit.State, error) {
	if s == nil || s.repo == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	key, err := bucketKey(key)
	if err != nil {
		return ratelimit.State{}, err
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("environment", "=", key.Environment),
		repository.SelectBy("bucket_key", "=", key.BucketKey),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return ratelimit.State{}, err
	}
	if len(records) == 0 {
		return ratelimit.State{}, ratelimit.ErrStateNotFound
	}
	return records[0].state(), nil
}

// Upsert writes the bucket in one statement; the unique index on
// (environment, bucket_key) turns a second insert into an update.
func (s *RateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	key, err := bucketKey(state.Key)
	if err != nil {
		return err
	}
	updatedAt := state.UpdatedAt.UTC()
	if state.UpdatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	record := &rateLimitStateRecord{
		ID:             uuid.NewString(),
		Environment:    key.Environment,
		BucketKey:      key.BucketKey,
		Limit:          state.Limit,
		Remaining:      state.Remaining,
		ResetAt:        utcPointer(state.ResetAt),
		RetryAfter:     retryAfterSeconds(state.RetryAfter),
		Attempts:       state.Attempts,
		LastStatus:     state.LastStatus,
		ThrottledUntil: utcPointer(state.ThrottledUntil),
		Metadata:       copyAnyMap(state.Metadata),
		CreatedAt:      updatedAt,
		UpdatedAt:      updatedAt,
	}
	_, err = s.db.NewInsert().
		Model(record).
		On("CONFLICT (environment, bucket_key) DO UPDATE").
		Set(`"limit" = EXCLUDED."limit"`).
		Set("remaining = EXCLUDED.remaining").
		Set("reset_at = EXCLUDED.reset_at").
		Set("retry_after = EXCLUDED.retry_after").
		Set("attempts = EXCLUDED.attempts").
		Set("last_status = EXCLUDED.last_status").
		Set("throttled_until = EXCLUDED.throttled_until").
		Set("metadata = EXCLUDED.metadata").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (r *rateLimitStateRecord) state() ratelimit.State {
	state := ratelimit.State{
		Key:            core.RateLimitKey{Environment: r.Environment, BucketKey: r.BucketKey},
		Limit:          r.Limit,
		Remaining:      r.Remaining,
		ResetAt:        utcPointer(r.ResetAt),
		ThrottledUntil: utcPointer(r.ThrottledUntil),
		LastStatus:     r.LastStatus,
		Attempts:       r.Attempts,
		UpdatedAt:      r.UpdatedAt,
		Metadata:       copyAnyMap(r.Metadata),
	}
	if r.RetryAfter != nil && *r.RetryAfter > 0 {
		delay := time.Duration(*r.RetryAfter) * time.Second
		state.RetryAfter = &delay
	}
	return state
}

func bucketKey(key core.RateLimitKey) (core.RateLimitKey, error) {
	key = ratelimit.NormalizeKey(key)
	if key.Environment == "" || key.BucketKey == "" {
		return key, fmt.Errorf("sqlstore: rate-limit environment and bucket key are required")
	}
	return key, nil
}

func utcPointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

// retryAfterSeconds rounds sub-second hints up so they are not lost.
func retryAfterSeconds(input *time.Duration) *int {
	if input == nil || *input <= 0 {
		return nil
	}
	seconds := int((*input + time.Second - 1) / time.Second)
	return &seconds
}
