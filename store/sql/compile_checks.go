package sqlstore

import (
	"github.com/goliatone/go-skus/core"
	"github.com/goliatone/go-skus/ratelimit"
)

var (
	_ core.KVBackend       = (*KVStore)(nil)
	_ core.KVBackend       = (*CachedKVStore)(nil)
	_ ratelimit.StateStore = (*RateLimitStateStore)(nil)
	_ ratelimit.StateStore = (*CachedRateLimitStateStore)(nil)
)
