package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	skus "github.com/goliatone/go-skus"
	"github.com/goliatone/go-skus/adapters/gologger"
	skusprometheus "github.com/goliatone/go-skus/adapters/prometheus"
	"github.com/goliatone/go-skus/core"
	"github.com/goliatone/go-skus/ratelimit"
	"github.com/goliatone/go-skus/security"
	keyringstore "github.com/goliatone/go-skus/store/keyring"
	sqlstore "github.com/goliatone/go-skus/store/sql"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/rs/zerolog/log"
)

const (
	storeMemory   = "memory"
	storeSQLite   = "sqlite"
	storePostgres = "postgres"
	storeKeyring  = "keyring"

	stateKeyName = "state"
)

// session is one engine runtime plus everything opened to back it.
type session struct {
	runtime  *skus.Runtime
	facade   *skus.Facade
	recorder *skusprometheus.Recorder
	closers  []func()
}

func (s *session) Close() {
	if s.runtime != nil {
		s.runtime.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openSession(ctx context.Context, opts *globalOptions) (*session, error) {
	logger := newZerologLogger(log.Logger)
	provider := zerologProvider{logger: log.Logger}
	s := &session{recorder: skusprometheus.NewRecorder(skusprometheus.DefaultConfig())}

	engineOpts := []core.Option{
		core.WithLoggerProvider(provider),
		core.WithMetricsRecorder(s.recorder),
	}

	var (
		kv         core.KVBackend
		throttle   ratelimit.StateStore
		secretRing *keyringstore.Store
		err        error
	)
	switch strings.ToLower(strings.TrimSpace(opts.store)) {
	case storeMemory:
		throttle = ratelimit.NewMemoryStateStore()
	case storeSQLite, storePostgres:
		kv, throttle, err = s.openSQL(ctx, opts)
	case storeKeyring:
		secretRing, err = openKeyring(opts)
		kv = secretRing
		throttle = ratelimit.NewMemoryStateStore()
	default:
		err = fmt.Errorf("skusctl: unknown store %q", opts.store)
	}
	if err != nil {
		s.Close()
		return nil, err
	}

	if opts.encryptState {
		if secretRing == nil {
			if secretRing, err = openKeyring(opts); err != nil {
				s.Close()
				return nil, err
			}
		}
		key, err := secretRing.SecretKey(ctx, stateKeyName)
		if err != nil {
			s.Close()
			return nil, err
		}
		secrets, err := security.NewAppKeySecretProvider(key, security.WithKeyID("skusctl-"+stateKeyName))
		if err != nil {
			s.Close()
			return nil, err
		}
		engineOpts = append(engineOpts, core.WithSecretProvider(secrets))
	}
	if opts.rateLimit {
		engineOpts = append(engineOpts, core.WithRateLimitPolicy(ratelimit.NewAdaptivePolicy(throttle)))
	}

	runtime, err := skus.NewRuntime(core.Config{
		Environment:    opts.environment,
		OrderServerURL: opts.orderServer,
	}, skus.RuntimeOptions{
		KV:            kv,
		LogSink:       gologger.HostLogSinkFor("skus.host", provider, logger),
		EngineOptions: engineOpts,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.runtime = runtime
	if s.facade, err = skus.NewFacade(runtime.Engine); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) openSQL(ctx context.Context, opts *globalOptions) (core.KVBackend, ratelimit.StateStore, error) {
	driver := "sqlite3"
	if strings.EqualFold(opts.store, storePostgres) {
		driver = "postgres"
	}
	client, err := sqlstore.OpenClient(ctx, sqlstore.OpenConfig{Driver: driver, DSN: opts.dsn})
	if err != nil {
		return nil, nil, err
	}
	s.closers = append(s.closers, func() { _ = client.Close() })

	var factoryOpts []sqlstore.FactoryOption
	if opts.cache {
		cacheService, err := repositorycache.NewCacheService(repositorycache.DefaultConfig())
		if err != nil {
			return nil, nil, err
		}
		factoryOpts = append(factoryOpts, sqlstore.WithCacheService(cacheService))
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, factoryOpts...)
	if err != nil {
		return nil, nil, err
	}
	return factory.KVBackend(), factory.RateLimitStateStore(), nil
}

func openKeyring(opts *globalOptions) (*keyringstore.Store, error) {
	return keyringstore.Open(keyringstore.Config{
		Backends: opts.keyringBackends,
		FileDir:  opts.keyringDir,
		Password: opts.keyringPassword,
	})
}

func writeMetrics(w io.Writer, recorder *skusprometheus.Recorder) error {
	families, err := recorder.Registry().Gather()
	if err != nil {
		return err
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, label := range metric.GetLabel() {
				labels = append(labels, label.GetName()+"="+label.GetValue())
			}
			sort.Strings(labels)
			value := metric.GetCounter().GetValue()
			if histogram := metric.GetHistogram(); histogram != nil {
				value = histogram.GetSampleSum()
			}
			if _, err := fmt.Fprintf(w, "%s{%s} %g\n", family.GetName(), strings.Join(labels, ","), value); err != nil {
				return err
			}
		}
	}
	return nil
}
