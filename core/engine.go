package core

import (
	"context"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

type engineState int

const (
	engineActive engineState = iota
	engineShutdown
)

// PendingCounts reports live slots; all zero once an engine is idle.
type PendingCounts struct {
	Operations int
	Requests   int
	Wakeups    int
}

// Engine owns every in-flight operation. All state transitions happen under
// mu; host calls and callbacks run after it is released.
type Engine struct {
	mu    sync.Mutex
	state engineState

	ctx             context.Context
	config          Config
	environment     Environment
	endpoints       orderEndpoints
	host            HostServices
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	secretProvider  SecretProvider
	scheme          CredentialScheme
	rateLimitPolicy RateLimitPolicy
	backoff         BackoffScheduler
	clock           func() time.Time

	operations slotTable[*operation]
	requests   slotTable[*pendingRequest]
	wakeups    slotTable[*pendingWakeup]
}

// Initialize builds an engine for a named environment. Unknown names fall
// back to production. It panics only when the engine cannot be built.
func Initialize(environment string, host HostServices, opts ...Option) *Engine {
	engine, err := NewEngine(Config{Environment: environment}, host, opts...)
	if err != nil {
		panic(err)
	}
	return engine
}

func NewEngine(cfg Config, host HostServices, opts ...Option) (*Engine, error) {
	if host == nil {
		return nil, goerrors.New("core: host services are required", goerrors.CategoryValidation).
			WithTextCode("HOST_REQUIRED")
	}
	builder := defaultEngineBuilder()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := resolveLogger(builder, host)
	logger = glog.Ensure(logger)
	if builder.loggerProvider != nil && provider != nil {
		if named := provider.GetLogger("skus"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.clock == nil {
		builder.clock = time.Now
	}

	ctx := context.Background()
	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(ctx, defaults)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "core: load config")
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, cfg)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "core: resolve config")
	}

	environment, known := ResolveEnvironment(finalConfig.Environment)
	if !known {
		logger.Warn("unknown environment, using production", "environment", finalConfig.Environment)
	}
	finalConfig.Environment = environment.String()
	base := strings.TrimSpace(finalConfig.OrderServerURL)
	if base == "" {
		base = environment.OrderServerURL()
	}
	endpoints, err := newOrderEndpoints(base)
	if err != nil {
		return nil, err
	}

	if builder.scheme == nil {
		builder.scheme = NewDigestScheme()
	}
	if builder.backoff == nil {
		builder.backoff = ExponentialBackoffScheduler{
			Initial: time.Duration(finalConfig.Request.InitialBackoffMS) * time.Millisecond,
			Max:     time.Duration(finalConfig.Request.MaxBackoffMS) * time.Millisecond,
		}
	}

	engine := &Engine{
		ctx:             ctx,
		config:          finalConfig,
		environment:     environment,
		endpoints:       endpoints,
		host:            host,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		secretProvider:  builder.secretProvider,
		scheme:          builder.scheme,
		rateLimitPolicy: builder.rateLimitPolicy,
		backoff:         builder.backoff,
		clock:           builder.clock,
	}
	logger.Info("engine initialized", "environment", environment.String(), "order_server", endpoints.base)
	return engine, nil
}

func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return e.config
}

func (e *Engine) Environment() Environment {
	if e == nil {
		return ""
	}
	return e.environment
}

// Shutdown cancels every outstanding host call. Pending callbacks are never
// invoked. Calling it twice is a no-op.
func (e *Engine) Shutdown() {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.state == engineShutdown {
		e.mu.Unlock()
		return
	}
	e.state = engineShutdown
	handles := make([]canceler, 0, e.requests.len()+e.wakeups.len())
	for _, pending := range e.requests.drain() {
		if pending.handle != nil {
			handles = append(handles, pending.handle)
		}
	}
	for _, pending := range e.wakeups.drain() {
		if pending.handle != nil {
			handles = append(handles, pending.handle)
		}
	}
	abandoned := e.operations.drain()
	for _, op := range abandoned {
		op.phase = phaseDone
		op.onResponse = nil
		op.onResume = nil
	}
	e.mu.Unlock()

	for _, handle := range handles {
		handle.Cancel()
	}
	e.logger.Info("engine shut down", "abandoned_operations", len(abandoned), "canceled_handles", len(handles))
}

func (e *Engine) Pending() PendingCounts {
	if e == nil {
		return PendingCounts{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return PendingCounts{
		Operations: e.operations.len(),
		Requests:   e.requests.len(),
		Wakeups:    e.wakeups.len(),
	}
}

// RefreshOrder re-reads an order and reports its summary as JSON.
func (e *Engine) RefreshOrder(orderID string, cb func(ResultCode, string)) {
	e.start("refresh_order", map[string]any{"order_id": orderID}, cb, func() step {
		return e.beginRefreshOrder(orderID)
	})
}

// FetchOrderCredentials exchanges a paid order for signed credentials and
// stores them.
func (e *Engine) FetchOrderCredentials(orderID string, cb func(ResultCode)) {
	e.start("fetch_order_credentials", map[string]any{"order_id": orderID}, dropPayload(cb), func() step {
		return e.beginFetchCredentials(orderID)
	})
}

// PrepareCredentialsPresentation spends one stored credential for domain and
// returns a single-use presentation bound to domain and path.
func (e *Engine) PrepareCredentialsPresentation(domain string, path string, cb func(ResultCode, string)) {
	e.start("prepare_credentials_presentation", map[string]any{"domain": domain, "path": path}, cb, func() step {
		return e.beginPresentation(domain, path)
	})
}

// CredentialSummary describes what is stored for domain without spending it.
func (e *Engine) CredentialSummary(domain string, cb func(ResultCode, string)) {
	e.start("credential_summary", map[string]any{"domain": domain}, cb, func() step {
		return e.beginSummary(domain)
	})
}

// ClearState purges every key this engine wrote.
func (e *Engine) ClearState(cb func(ResultCode)) {
	e.start("clear_state", nil, dropPayload(cb), func() step {
		if err := e.host.KVPurge(); err != nil {
			return fail(StorageError(ResultStorageWriteFailed, err, "core: purge state"))
		}
		return finish(ResultOk, "")
	})
}

func (e *Engine) start(name string, fields map[string]any, callback func(ResultCode, string), begin func() step) {
	if e == nil {
		panic(ErrEngineShutdown)
	}
	var fx effects
	e.mu.Lock()
	if e.state != engineActive {
		e.mu.Unlock()
		panic(ErrEngineShutdown)
	}
	opFields := cloneFields(fields)
	opFields["environment"] = e.environment.String()
	op := &operation{
		name:      name,
		fields:    opFields,
		startedAt: e.now(),
		callback:  callback,
		phase:     phaseInit,
	}
	op.id = e.operations.insert(op)
	e.advanceLocked(op, begin(), &fx)
	e.mu.Unlock()
	e.runEffects(fx)
}

func (e *Engine) now() time.Time {
	if e == nil || e.clock == nil {
		return time.Now()
	}
	return e.clock()
}

func dropPayload(cb func(ResultCode)) func(ResultCode, string) {
	if cb == nil {
		return nil
	}
	return func(code ResultCode, _ string) {
		cb(code)
	}
}
