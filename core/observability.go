package core

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"
)

// NopMetricsRecorder discards every observation. It is the engine default.
type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// outcome is what the engine reports once per finished operation.
type outcome struct {
	name    string
	code    ResultCode
	err     error
	elapsed time.Duration
	fields  map[string]any
}

func (o outcome) status() string {
	if o.code.OK() {
		return "success"
	}
	return "failure"
}

// tags carries the low-cardinality labels only; order and item ids stay in
// the log line.
func (o outcome) tags() map[string]string {
	tags := map[string]string{
		"operation":   o.name,
		"status":      o.status(),
		"result_code": o.code.String(),
	}
	for _, key := range []string{"environment", "domain"} {
		if value, ok := o.fields[key].(string); ok && strings.TrimSpace(value) != "" {
			tags[key] = value
		}
	}
	return tags
}

func (o outcome) logFields() map[string]any {
	fields := cloneFields(o.fields)
	fields["event_type"] = o.name
	fields["status"] = o.status()
	fields["result_code"] = o.code.String()
	fields["duration_ms"] = o.elapsed.Milliseconds()
	if o.err != nil {
		fields["error"] = o.err.Error()
	}
	return fields
}

func (e *Engine) observeOperation(ctx context.Context, op *operation, code ResultCode, err error) {
	if e == nil || op == nil {
		return
	}
	name := operationName(op.name)
	o := outcome{name: name, code: code, err: err, elapsed: e.now().Sub(op.startedAt), fields: op.fields}
	tags := o.tags()
	e.recordCounter(ctx, "skus."+name+".total", 1, tags)
	e.recordHistogram(ctx, "skus."+name+".duration_ms", float64(o.elapsed.Milliseconds()), tags)

	logger := e.logger
	if logger == nil {
		return
	}
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	fields := o.logFields()
	var args []any
	if fl, ok := logger.(FieldsLogger); ok {
		logger = fl.WithFields(fields)
	} else {
		args = flattenFields(fields)
	}
	switch {
	case code.OK():
		logger.Info(name+" succeeded", args...)
	case code.Retryable():
		logger.Warn(name+" deferred", args...)
	default:
		logger.Error(name+" failed", args...)
	}
}

func (e *Engine) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if e == nil || e.metricsRecorder == nil {
		return
	}
	e.metricsRecorder.IncCounter(ctx, name, value, cloneTags(tags))
}

func (e *Engine) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if e == nil || e.metricsRecorder == nil {
		return
	}
	e.metricsRecorder.ObserveHistogram(ctx, name, value, cloneTags(tags))
}

func cloneTags(tags map[string]string) map[string]string {
	copied := make(map[string]string, len(tags))
	maps.Copy(copied, tags)
	return copied
}

func cloneFields(fields map[string]any) map[string]any {
	copied := make(map[string]any, len(fields))
	maps.Copy(copied, fields)
	return copied
}

// flattenFields renders fields as sorted key/value pairs for loggers without
// WithFields.
func flattenFields(fields map[string]any) []any {
	keys := slices.Sorted(maps.Keys(fields))
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func operationName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	if name == "" {
		return "unknown"
	}
	return name
}
