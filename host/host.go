// Package host is a reference core.HostServices for Go programs: requests run
// on goroutines through a transport.Executor, wakeups are timers and KV goes
// to a core.KVBackend scoped to one namespace.
package host

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-skus/core"
	"github.com/goliatone/go-skus/transport"
)

// LogSink receives the engine's log lines. Write must not block.
type LogSink interface {
	Write(file string, line int, level core.LogLevel, message string)
}

type LogSinkFunc func(file string, line int, level core.LogLevel, message string)

func (f LogSinkFunc) Write(file string, line int, level core.LogLevel, message string) {
	if f != nil {
		f(file, line, level, message)
	}
}

type discardSink struct{}

func (discardSink) Write(string, int, core.LogLevel, string) {}

type Option func(*Host)

func WithExecutor(executor transport.Executor) Option {
	return func(h *Host) {
		if executor != nil {
			h.executor = executor
		}
	}
}

func WithKVBackend(backend core.KVBackend) Option {
	return func(h *Host) {
		if backend != nil {
			h.kv = backend
		}
	}
}

// WithNamespace partitions KV entries, normally by environment name.
func WithNamespace(namespace string) Option {
	return func(h *Host) {
		if trimmed := strings.TrimSpace(namespace); trimmed != "" {
			h.namespace = trimmed
		}
	}
}

func WithLogSink(sink LogSink) Option {
	return func(h *Host) {
		if sink != nil {
			h.sink = sink
		}
	}
}

// WithContext bounds every request; canceling it fails in-flight requests.
func WithContext(ctx context.Context) Option {
	return func(h *Host) {
		if ctx != nil {
			h.parent = ctx
		}
	}
}

type Host struct {
	executor  transport.Executor
	kv        core.KVBackend
	namespace string
	sink      LogSink
	parent    context.Context

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func New(opts ...Option) *Host {
	h := &Host{
		namespace: string(core.EnvironmentProduction),
		sink:      discardSink{},
		parent:    context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.executor == nil {
		h.executor = transport.NewRESTAdapter(nil)
	}
	if h.kv == nil {
		h.kv = NewMemoryKV()
	}
	h.ctx, h.cancel = context.WithCancel(h.parent)
	return h
}

func (h *Host) Namespace() string {
	return h.namespace
}

// ExecuteRequest runs req on its own goroutine and calls done once unless
// the handle is canceled first.
func (h *Host) ExecuteRequest(req core.HTTPRequest, done func(core.HTTPResponse)) core.RequestHandle {
	ctx, cancel := context.WithCancel(h.ctx)
	call := &call{cancel: cancel}
	if h.closed.Load() {
		cancel()
		go h.complete(call, func() { done(core.HTTPResponse{Result: core.ResultRequestFailed}) })
		return call
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		resp, err := h.executor.Execute(ctx, req)
		if err != nil {
			resp = core.HTTPResponse{Result: requestResult(err)}
		}
		h.complete(call, func() { done(resp) })
	}()
	return call
}

func (h *Host) ScheduleWakeup(delay time.Duration, done func()) core.WakeupHandle {
	if delay < 0 {
		delay = 0
	}
	call := &call{}
	timer := time.AfterFunc(delay, func() {
		h.complete(call, done)
	})
	call.cancel = func() { timer.Stop() }
	return call
}

func (h *Host) KVGet(key string) (string, error) {
	return h.kv.Get(h.ctx, h.namespace, key)
}

func (h *Host) KVSet(key string, value string) error {
	return h.kv.Set(h.ctx, h.namespace, key, value)
}

func (h *Host) KVCompareAndSet(key string, expected string, value string) (bool, error) {
	return h.kv.CompareAndSet(h.ctx, h.namespace, key, expected, value)
}

func (h *Host) KVPurge() error {
	return h.kv.Purge(h.ctx, h.namespace)
}

func (h *Host) Log(file string, line int, level core.LogLevel, message string) {
	h.sink.Write(file, line, level, message)
}

// Close cancels in-flight requests and waits for their goroutines. Requests
// issued afterwards fail with RequestFailed.
func (h *Host) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.cancel()
	h.wg.Wait()
}

func (h *Host) complete(c *call, deliver func()) {
	if !c.settle(callDone) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	deliver()
}

const (
	callPending int32 = iota
	callDone
	callCanceled
)

// call resolves the race between completion and Cancel: whichever settles
// the state first wins.
type call struct {
	state  atomic.Int32
	cancel func()
}

func (c *call) settle(to int32) bool {
	return c.state.CompareAndSwap(callPending, to)
}

func (c *call) Cancel() {
	if c.settle(callCanceled) && c.cancel != nil {
		c.cancel()
	}
}

func requestResult(err error) core.ResultCode {
	code := core.ResultFromError(err)
	if code == core.ResultOk {
		return core.ResultUnknownError
	}
	return code
}

var (
	_ core.HostServices       = (*Host)(nil)
	_ core.KVCompareAndSetter = (*Host)(nil)
)
