package core

import (
	"context"
	"sort"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// HTTPRequest is the immutable request the engine hands to the host.
type HTTPRequest struct {
	URL     string
	Method  string
	Headers []string
	Body    []byte
}

// HTTPResponse is produced by the host exactly once per executed request.
// Result carries transport level failures; Status is only meaningful when
// Result is ResultOk.
type HTTPResponse struct {
	Result  ResultCode
	Status  int
	Headers []string
	Body    []byte
}

// Header returns the first value for name from a "Name: value" header list.
func (r HTTPResponse) Header(name string) string {
	return headerListValue(r.Headers, name)
}

type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelTrace:
		return "trace"
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// RequestHandle is owned by the engine once ExecuteRequest returns. Cancel
// before completion suppresses the completion; Cancel after completion is a
// no-op.
type RequestHandle interface {
	Cancel()
}

// WakeupHandle follows the same ownership rules as RequestHandle.
type WakeupHandle interface {
	Cancel()
}

// HostServices is everything the engine needs from its embedder.
//
// ExecuteRequest and ScheduleWakeup must not block on the operation itself and
// must call done at most once. KV methods are synchronous and scoped to the
// engine's environment; KVPurge removes only keys written through KVSet. Log
// must never block.
type HostServices interface {
	ExecuteRequest(req HTTPRequest, done func(HTTPResponse)) RequestHandle
	ScheduleWakeup(delay time.Duration, done func()) WakeupHandle
	KVGet(key string) (string, error)
	KVSet(key string, value string) error
	KVPurge() error
	Log(file string, line int, level LogLevel, message string)
}

// KVBackend is durable storage behind a host's KV calls. Keys are
// partitioned by namespace and Get returns "" for an absent key.
// CompareAndSet writes only when the stored value equals expected; an empty
// expected matches an absent key.
type KVBackend interface {
	Get(ctx context.Context, namespace string, key string) (string, error)
	Set(ctx context.Context, namespace string, key string, value string) error
	CompareAndSet(ctx context.Context, namespace string, key string, expected string, value string) (bool, error)
	Purge(ctx context.Context, namespace string) error
}

// KVCompareAndSetter is implemented by hosts able to write a key only when
// its current value equals expected. An empty expected matches an absent key.
type KVCompareAndSetter interface {
	KVCompareAndSet(key string, expected string, value string) (bool, error)
}

type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// RateLimitKey identifies a throttle bucket on the order server.
type RateLimitKey struct {
	Environment string
	BucketKey   string
}

// ResponseMeta is the slice of an HTTP response a RateLimitPolicy inspects.
type ResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
}

type RateLimitPolicy interface {
	BeforeCall(ctx context.Context, key RateLimitKey) error
	AfterCall(ctx context.Context, key RateLimitKey, res ResponseMeta) error
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

// HeaderMap folds a "Name: value" header list into a map, joining repeats.
func HeaderMap(headers []string) map[string]string {
	out := make(map[string]string, len(headers))
	for _, raw := range headers {
		name, value, ok := splitHeader(raw)
		if !ok {
			continue
		}
		if existing, found := out[name]; found && existing != "" {
			out[name] = existing + "," + value
			continue
		}
		out[name] = value
	}
	return out
}

// HeaderList renders a header map as "Name: value" entries.
func HeaderList(headers map[string]string) []string {
	out := make([]string, 0, len(headers))
	for name, value := range headers {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		out = append(out, name+": "+strings.TrimSpace(value))
	}
	sort.Strings(out)
	return out
}

func headerListValue(headers []string, name string) string {
	name = strings.TrimSpace(name)
	for _, raw := range headers {
		key, value, ok := splitHeader(raw)
		if ok && strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}

func splitHeader(raw string) (string, string, bool) {
	name, value, ok := strings.Cut(raw, ":")
	if !ok {
		return "", "", false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(value), true
}
