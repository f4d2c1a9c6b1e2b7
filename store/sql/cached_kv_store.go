package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-skus/core"
)

const kvCacheKeyPrefix = "go-skus::kv::v1"

// CachedKVStore serves Get through a go-repository-cache read-through cache
// and invalidates on every write. Purge drops the keys this store has seen
// for the namespace.
type CachedKVStore struct {
	base  core.KVBackend
	cache repositorycache.CacheService

	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

func NewCachedKVStore(base core.KVBackend, cacheService repositorycache.CacheService) (*CachedKVStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base kv store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: kv cache service is required")
	}
	return &CachedKVStore{base: base, cache: cacheService, seen: map[string]map[string]struct{}{}}, nil
}

// KVCacheKey is go-skus::kv::v1::<namespace>::<key> with both segments
// URL-path escaped.
func KVCacheKey(namespace string, key string) (string, error) {
	namespace, key, err := normalizeKVKey(namespace, key)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{kvCacheKeyPrefix, url.PathEscape(namespace), url.PathEscape(key)}, "::"), nil
}

func (s *CachedKVStore) Get(ctx context.Context, namespace string, key string) (string, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return "", fmt.Errorf("sqlstore: cached kv store is not configured")
	}
	cacheKey, err := KVCacheKey(namespace, key)
	if err != nil {
		return "", err
	}
	s.remember(namespace, cacheKey)
	return repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (string, error) {
		return s.base.Get(ctx, namespace, key)
	})
}

func (s *CachedKVStore) Set(ctx context.Context, namespace string, key string, value string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached kv store is not configured")
	}
	cacheKey, err := KVCacheKey(namespace, key)
	if err != nil {
		return err
	}
	if err := s.base.Set(ctx, namespace, key, value); err != nil {
		return err
	}
	return s.invalidate(ctx, namespace, cacheKey)
}

func (s *CachedKVStore) CompareAndSet(ctx context.Context, namespace string, key string, expected string, value string) (bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return false, fmt.Errorf("sqlstore: cached kv store is not configured")
	}
	cacheKey, err := KVCacheKey(namespace, key)
	if err != nil {
		return false, err
	}
	swapped, err := s.base.CompareAndSet(ctx, namespace, key, expected, value)
	if err != nil {
		return false, err
	}
	// A failed swap means the cached value may be stale too.
	if err := s.invalidate(ctx, namespace, cacheKey); err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *CachedKVStore) Purge(ctx context.Context, namespace string) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached kv store is not configured")
	}
	if err := s.base.Purge(ctx, namespace); err != nil {
		return err
	}
	namespace = strings.TrimSpace(namespace)
	s.mu.Lock()
	keys := s.seen[namespace]
	delete(s.seen, namespace)
	s.mu.Unlock()
	for cacheKey := range keys {
		if err := s.cache.Delete(ctx, cacheKey); err != nil {
			return err
		}
	}
	return nil
}

func (s *CachedKVStore) remember(namespace string, cacheKey string) {
	namespace = strings.TrimSpace(namespace)
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.seen[namespace]
	if !ok {
		keys = map[string]struct{}{}
		s.seen[namespace] = keys
	}
	keys[cacheKey] = struct{}{}
}

func (s *CachedKVStore) invalidate(ctx context.Context, namespace string, cacheKey string) error {
	s.remember(namespace, cacheKey)
	return s.cache.Delete(ctx, cacheKey)
}
