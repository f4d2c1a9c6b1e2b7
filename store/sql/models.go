package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type kvEntryRecord struct {
	bun.BaseModel `bun:"table:skus_kv_entries,alias:ske"`

	ID        string    `bun:"id,pk"`
	Namespace string    `bun:"namespace,notnull"`
	Key       string    `bun:"entry_key,notnull"`
	Value     string    `bun:"entry_value,notnull"`
	Revision  int64     `bun:"revision,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:skus_rate_limit_state,alias:srl"`

	ID          string     `bun:"id,pk"`
	Environment string     `bun:"environment,notnull"`
	BucketKey   string     `bun:"bucket_key,notnull"`
	Limit       int        `bun:"limit,notnull"`
	Remaining   int        `bun:"remaining,notnull"`
	ResetAt     *time.Time `bun:"reset_at,nullzero"`
	RetryAfter  *int       `bun:"retry_after"`
	// Attempts counts consecutive throttled responses.
	Attempts       int            `bun:"attempts,notnull"`
	LastStatus     int            `bun:"last_status,notnull"`
	ThrottledUntil *time.Time     `bun:"throttled_until,nullzero"`
	Metadata       map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt      time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
