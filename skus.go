// Package skus is a credential engine for purchased SKUs: it refreshes
// orders, exchanges paid orders for signed credentials and spends them as
// single-use presentations. The engine performs no I/O of its own; a host
// supplies HTTP, timers, key-value storage and logging through
// HostServices. Package host provides a ready Go host.
package skus

import (
	"fmt"

	"github.com/goliatone/go-skus/core"
	"github.com/goliatone/go-skus/host"
	"github.com/goliatone/go-skus/transport"
)

type Engine = core.Engine

type Config = core.Config

type Option = core.Option

type ResultCode = core.ResultCode

type Environment = core.Environment

type HostServices = core.HostServices

type KVBackend = core.KVBackend

type HTTPRequest = core.HTTPRequest

type HTTPResponse = core.HTTPResponse

type LogLevel = core.LogLevel

type RequestHandle = core.RequestHandle

type WakeupHandle = core.WakeupHandle

type Order = core.Order

type OrderItem = core.OrderItem

type Presentation = core.Presentation

var (
	WithLogger           = core.WithLogger
	WithLoggerProvider   = core.WithLoggerProvider
	WithMetricsRecorder  = core.WithMetricsRecorder
	WithSecretProvider   = core.WithSecretProvider
	WithConfigProvider   = core.WithConfigProvider
	WithOptionsResolver  = core.WithOptionsResolver
	WithCredentialScheme = core.WithCredentialScheme
	WithRateLimitPolicy  = core.WithRateLimitPolicy
	WithBackoffScheduler = core.WithBackoffScheduler
	WithClock            = core.WithClock
)

var (
	DefaultConfig      = core.DefaultConfig
	ResolveEnvironment = core.ResolveEnvironment
	DecodePresentation = core.DecodePresentation
	Await              = core.Await
	AwaitResult        = core.AwaitResult
	ResultFromError    = core.ResultFromError
)

// Initialize builds an engine for a named environment over a caller host.
func Initialize(environment string, services HostServices, opts ...Option) *Engine {
	return core.Initialize(environment, services, opts...)
}

func NewEngine(cfg Config, services HostServices, opts ...Option) (*Engine, error) {
	return core.NewEngine(cfg, services, opts...)
}

// RuntimeOptions configures NewRuntime. Zero values select the REST
// executor and an in-memory KV backend.
type RuntimeOptions struct {
	Executor      transport.Executor
	KV            KVBackend
	LogSink       host.LogSink
	EngineOptions []Option
}

// Runtime is an engine bound to the reference host.
type Runtime struct {
	Engine *Engine
	Host   *host.Host
}

// NewRuntime wires an engine to a host.Host whose KV namespace is the
// resolved environment name.
func NewRuntime(cfg Config, options RuntimeOptions) (*Runtime, error) {
	environment, _ := core.ResolveEnvironment(cfg.Environment)
	hostOpts := []host.Option{host.WithNamespace(environment.String())}
	if options.Executor != nil {
		hostOpts = append(hostOpts, host.WithExecutor(options.Executor))
	}
	if options.KV != nil {
		hostOpts = append(hostOpts, host.WithKVBackend(options.KV))
	}
	if options.LogSink != nil {
		hostOpts = append(hostOpts, host.WithLogSink(options.LogSink))
	}
	h := host.New(hostOpts...)
	engine, err := core.NewEngine(cfg, h, options.EngineOptions...)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("skus: build engine: %w", err)
	}
	return &Runtime{Engine: engine, Host: h}, nil
}

// Close shuts the engine down, then stops the host.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	if r.Engine != nil {
		r.Engine.Shutdown()
	}
	if r.Host != nil {
		r.Host.Close()
	}
}
