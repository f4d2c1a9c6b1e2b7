package core

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	glog "github.com/goliatone/go-logger/glog"
)

// hostLogger forwards engine logs to HostServices.Log with the caller's
// source position.
type hostLogger struct {
	host   HostServices
	fields map[string]any
}

func newHostLogger(host HostServices) *hostLogger {
	if host == nil {
		return nil
	}
	return &hostLogger{host: host}
}

func (l *hostLogger) Trace(msg string, args ...any) { l.emit(LogLevelTrace, msg, args) }
func (l *hostLogger) Debug(msg string, args ...any) { l.emit(LogLevelDebug, msg, args) }
func (l *hostLogger) Info(msg string, args ...any)  { l.emit(LogLevelInfo, msg, args) }
func (l *hostLogger) Warn(msg string, args ...any)  { l.emit(LogLevelWarn, msg, args) }
func (l *hostLogger) Error(msg string, args ...any) { l.emit(LogLevelError, msg, args) }
func (l *hostLogger) Fatal(msg string, args ...any) { l.emit(LogLevelError, msg, args) }

func (l *hostLogger) WithContext(context.Context) glog.Logger {
	return l
}

func (l *hostLogger) WithFields(fields map[string]any) glog.Logger {
	if l == nil {
		return l
	}
	merged := make(map[string]any, len(l.fields)+len(fields))
	for key, value := range l.fields {
		merged[key] = value
	}
	for key, value := range fields {
		merged[key] = value
	}
	return &hostLogger{host: l.host, fields: merged}
}

func (l *hostLogger) emit(level LogLevel, msg string, args []any) {
	if l == nil || l.host == nil {
		return
	}
	file, line := "unknown", 0
	if _, path, ln, ok := runtime.Caller(2); ok {
		file, line = filepath.Base(path), ln
	}
	l.host.Log(file, line, level, formatLogLine(msg, l.fields, args))
}

func formatLogLine(msg string, fields map[string]any, args []any) string {
	pairs := map[string]any{}
	for key, value := range fields {
		pairs[key] = value
	}
	for i := 0; i+1 < len(args); i += 2 {
		pairs[fmt.Sprint(args[i])] = args[i+1]
	}
	if len(args)%2 == 1 {
		pairs["!extra"] = args[len(args)-1]
	}
	if len(pairs) == 0 {
		return msg
	}
	keys := make([]string, 0, len(pairs))
	for key := range pairs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(msg)
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%v", key, pairs[key])
	}
	return b.String()
}
