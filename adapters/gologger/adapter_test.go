package gologger

import (
	"context"
	"testing"

	"github.com/goliatone/go-skus/core"

	glog "github.com/goliatone/go-logger/glog"
)

func TestResolvePrecedence(t *testing.T) {
	direct := &capturingLogger{id: "direct"}
	fromProvider := &capturingLogger{id: "provider"}

	cases := []struct {
		name     string
		provider glog.LoggerProvider
		logger   glog.Logger
		want     string
	}{
		{"provider wins", &capturingProvider{logger: fromProvider}, direct, "provider"},
		{"logger without provider", nil, direct, "direct"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve("skus", tc.provider, tc.logger)
			captured, ok := got.Logger.(*capturingLogger)
			if !ok || captured.id != tc.want {
				t.Fatalf("expected %s logger, got %#v", tc.want, got.Logger)
			}
			if got.Provider == nil || got.JobProvider == nil || got.JobLogger == nil {
				t.Fatalf("expected every view to be populated, got %+v", got)
			}
		})
	}

	if nop := Resolve("skus", nil, nil); nop.Logger == nil {
		t.Fatalf("expected nop logger fallback")
	}
}

func TestResolveJobProviderForwardsToGlog(t *testing.T) {
	target := &capturingLogger{id: "provider"}
	loggers := Resolve("skus", &capturingProvider{logger: target}, nil)

	loggers.JobProvider.GetLogger("skus.jobs").Info("job settled", "order_id", "o-1")
	if target.lastInfo.msg != "job settled" {
		t.Fatalf("expected forwarded message, got %q", target.lastInfo.msg)
	}
	if len(target.lastInfo.args) != 2 || target.lastInfo.args[1] != "o-1" {
		t.Fatalf("expected forwarded args, got %#v", target.lastInfo.args)
	}
}

func TestHostLogSinkMapsLevels(t *testing.T) {
	logger := &capturingLogger{id: "sink"}
	sink := NewHostLogSink(logger)

	sink.Write("engine.go", 10, core.LogLevelTrace, "t")
	sink.Write("engine.go", 11, core.LogLevelDebug, "d")
	sink.Write("engine.go", 12, core.LogLevelInfo, "i")
	sink.Write("engine.go", 13, core.LogLevelWarn, "w")
	sink.Write("bridge.go", 14, core.LogLevelError, "e")

	want := []string{"trace", "debug", "info", "warn", "error"}
	if len(logger.levels) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), logger.levels)
	}
	for i := range want {
		if logger.levels[i] != want[i] {
			t.Fatalf("line %d: expected %s, got %s", i, want[i], logger.levels[i])
		}
	}
	last := logger.lastInfo
	if last.msg != "e" || last.args[1] != "bridge.go" || last.args[3] != 14 {
		t.Fatalf("expected file and line fields, got %#v", last)
	}
}

func TestHostLogSinkForUsesProvider(t *testing.T) {
	providerLogger := &capturingLogger{id: "provider"}
	sink := HostLogSinkFor("skus", &capturingProvider{logger: providerLogger}, &capturingLogger{id: "direct"})
	sink.Write("engine.go", 1, core.LogLevelInfo, "hello")
	if providerLogger.lastInfo.msg != "hello" {
		t.Fatalf("expected provider logger to receive host log line")
	}
}

func TestNilHostLogSinkIsSafe(t *testing.T) {
	var sink *HostLogSink
	sink.Write("engine.go", 1, core.LogLevelError, "ignored")
	NewHostLogSink(nil).Write("engine.go", 1, core.LogLevelError, "nop")
}

var (
	_ glog.Logger         = (*capturingLogger)(nil)
	_ glog.LoggerProvider = (*capturingProvider)(nil)
)

type capturingProvider struct {
	logger *capturingLogger
}

func (p *capturingProvider) GetLogger(string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	return p.logger
}

type infoCall struct {
	msg  string
	args []any
}

type capturingLogger struct {
	id       string
	lastInfo infoCall
	levels   []string
}

func (l *capturingLogger) Trace(msg string, args ...any) { l.record("trace", msg, args) }
func (l *capturingLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *capturingLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *capturingLogger) Error(msg string, args ...any) { l.record("error", msg, args) }
func (l *capturingLogger) Fatal(string, ...any)          {}

func (l *capturingLogger) record(level string, msg string, args []any) {
	l.levels = append(l.levels, level)
	l.lastInfo = infoCall{msg: msg, args: append([]any(nil), args...)}
}

func (l *capturingLogger) Info(msg string, args ...any) {
	l.record("info", msg, args)
}

func (l *capturingLogger) WithContext(context.Context) glog.Logger {
	return l
}
