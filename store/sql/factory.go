package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/goliatone/go-skus/core"
	"github.com/goliatone/go-skus/ratelimit"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds the SQL backed stores over one bun database and
// optionally fronts them with a cache service.
type RepositoryFactory struct {
	db    *bun.DB
	cache repositorycache.CacheService

	kvStore        *KVStore
	rateLimitStore *RateLimitStateStore
	kvBackend      core.KVBackend
	rateLimitState ratelimit.StateStore
}

type FactoryOption func(*RepositoryFactory)

// WithCacheService serves KV and throttle reads through cacheService.
func WithCacheService(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.cache = cacheService
	}
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.Build(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.Build(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// Build accepts a *bun.DB or anything exposing DB() *bun.DB.
func (f *RepositoryFactory) Build(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.kvBackend != nil && f.rateLimitState != nil {
		return nil
	}
	return f.initStores()
}

// KVBackend is the backend handed to host.New; cached when a cache service
// was configured.
func (f *RepositoryFactory) KVBackend() core.KVBackend {
	if f == nil {
		return nil
	}
	return f.kvBackend
}

func (f *RepositoryFactory) KVStore() *KVStore {
	if f == nil {
		return nil
	}
	return f.kvStore
}

// RateLimitStateStore backs ratelimit.NewAdaptivePolicy.
func (f *RepositoryFactory) RateLimitStateStore() ratelimit.StateStore {
	if f == nil {
		return nil
	}
	return f.rateLimitState
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	kvStore, err := NewKVStore(f.db)
	if err != nil {
		return err
	}
	rateLimitStore, err := NewRateLimitStateStore(f.db)
	if err != nil {
		return err
	}
	f.kvStore = kvStore
	f.rateLimitStore = rateLimitStore
	f.kvBackend = kvStore
	f.rateLimitState = rateLimitStore
	if f.cache == nil {
		return nil
	}

	cachedKV, err := NewCachedKVStore(kvStore, f.cache)
	if err != nil {
		return err
	}
	cachedState, err := NewCachedRateLimitStateStore(rateLimitStore, f.cache)
	if err != nil {
		return err
	}
	f.kvBackend = cachedKV
	f.rateLimitState = cachedState
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
