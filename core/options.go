package core

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type engineBuilder struct {
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	secretProvider  SecretProvider
	configProvider  ConfigProvider
	optionsResolver OptionsResolver
	scheme          CredentialScheme
	rateLimitPolicy RateLimitPolicy
	backoff         BackoffScheduler
	clock           func() time.Time
}

type Option func(*engineBuilder)

// WithLogger replaces the default logger, which forwards to HostServices.Log.
func WithLogger(logger Logger) Option {
	return func(b *engineBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *engineBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *engineBuilder) {
		b.metricsRecorder = recorder
	}
}

// WithSecretProvider encrypts the persisted credential state at rest.
func WithSecretProvider(provider SecretProvider) Option {
	return func(b *engineBuilder) {
		b.secretProvider = provider
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *engineBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *engineBuilder) {
		b.optionsResolver = resolver
	}
}

func WithCredentialScheme(scheme CredentialScheme) Option {
	return func(b *engineBuilder) {
		b.scheme = scheme
	}
}

func WithRateLimitPolicy(policy RateLimitPolicy) Option {
	return func(b *engineBuilder) {
		b.rateLimitPolicy = policy
	}
}

func WithBackoffScheduler(scheduler BackoffScheduler) Option {
	return func(b *engineBuilder) {
		b.backoff = scheduler
	}
}

func WithClock(clock func() time.Time) Option {
	return func(b *engineBuilder) {
		b.clock = clock
	}
}

func defaultEngineBuilder() engineBuilder {
	return engineBuilder{
		metricsRecorder: NopMetricsRecorder{},
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		clock:           time.Now,
	}
}

// RawConfigLoaderFunc adapts a function to RawConfigLoader.
type RawConfigLoaderFunc func(ctx context.Context) (map[string]any, error)

func (f RawConfigLoaderFunc) LoadRaw(ctx context.Context) (map[string]any, error) {
	return f(ctx)
}

// StaticConfigLoader serves a fixed raw map, typically decoded from a file.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return RawConfigLoaderFunc(func(context.Context) (map[string]any, error) {
		return maps.Clone(values), nil
	})
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil || p.Loader == nil {
		return buildConfig(nil, defaults)
	}
	raw, err := p.Loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	return buildConfig(raw, defaults)
}

func buildConfig(raw map[string]any, defaults Config) (Config, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	return cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
}

// GoOptionsResolver layers defaults, loaded config and runtime overrides.
// Later layers win; zero values in the upper layers are left unset.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	snapshot := opts.WithSnapshotID[map[string]any]
	stack, err := opts.NewStack(
		opts.NewLayer(opts.NewScope("defaults", 0), defaults.layer(true), snapshot("defaults")),
		opts.NewLayer(opts.NewScope("config", 10), loaded.layer(false), snapshot("config")),
		opts.NewLayer(opts.NewScope("runtime", 20), runtime.layer(false), snapshot("runtime")),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	return buildConfig(merged.Value, defaults)
}

// configLayer collects one options layer. Zero values are skipped unless
// keepZero is set, so an empty runtime Config never masks loaded values.
type configLayer struct {
	keepZero bool
	values   map[string]any
}

func (l configLayer) put(key string, value any, zero bool) {
	if zero && !l.keepZero {
		return
	}
	l.values[key] = value
}

func (l configLayer) text(key string, value string) {
	l.put(key, value, strings.TrimSpace(value) == "")
}

func (l configLayer) number(key string, value int64) {
	l.put(key, value, value == 0)
}

func (l configLayer) section(name string, fill func(configLayer)) {
	child := configLayer{keepZero: l.keepZero, values: map[string]any{}}
	fill(child)
	if len(child.values) > 0 {
		l.values[name] = child.values
	}
}

func (c Config) layer(keepZero bool) map[string]any {
	root := configLayer{keepZero: keepZero, values: map[string]any{}}
	root.text("service_name", c.ServiceName)
	root.text("environment", c.Environment)
	root.text("order_server_url", c.OrderServerURL)
	root.section("request", func(l configLayer) {
		l.number("timeout_ms", c.Request.TimeoutMS)
		l.number("max_attempts", int64(c.Request.MaxAttempts))
		l.number("initial_backoff_ms", c.Request.InitialBackoffMS)
		l.number("max_backoff_ms", c.Request.MaxBackoffMS)
	})
	root.section("credentials", func(l configLayer) {
		l.number("batch_size", int64(c.Credentials.BatchSize))
		l.number("poll_attempts", int64(c.Credentials.PollAttempts))
		l.number("poll_interval_ms", c.Credentials.PollIntervalMS)
	})
	return root.values
}

func resolveLogger(b engineBuilder, host HostServices) (LoggerProvider, Logger) {
	fallback := b.logger
	if fallback == nil && b.loggerProvider == nil {
		fallback = newHostLogger(host)
	}
	return glog.Resolve("skus", b.loggerProvider, fallback)
}
