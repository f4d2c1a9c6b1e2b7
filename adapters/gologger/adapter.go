package gologger

import (
	"github.com/goliatone/go-skus/core"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// Loggers is one resolved logger in both the glog and go-job shapes.
type Loggers struct {
	Provider    glog.LoggerProvider
	Logger      glog.Logger
	JobProvider job.LoggerProvider
	JobLogger   job.Logger
}

// Resolve picks provider over logger over nop, the same precedence the
// engine uses, and derives the go-job views from the result.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) Loggers {
	provider, logger = glog.Resolve(name, provider, logger)
	out := Loggers{Provider: provider, Logger: logger}
	if provider != nil {
		out.JobProvider = job.GoLoggerProvider(provider)
	}
	if logger != nil {
		out.JobLogger = job.GoLogger(logger)
	}
	return out
}

// HostLogSink forwards engine log lines received by a host into a glog
// logger, keeping the caller's file and line as fields.
type HostLogSink struct {
	logger glog.Logger
}

func NewHostLogSink(logger glog.Logger) *HostLogSink {
	return &HostLogSink{logger: glog.Ensure(logger)}
}

func HostLogSinkFor(name string, provider glog.LoggerProvider, logger glog.Logger) *HostLogSink {
	return NewHostLogSink(Resolve(name, provider, logger).Logger)
}

func (s *HostLogSink) Write(file string, line int, level core.LogLevel, message string) {
	if s == nil || s.logger == nil {
		return
	}
	s.emitter(level)(message, "file", file, "line", line)
}

func (s *HostLogSink) emitter(level core.LogLevel) func(string, ...any) {
	switch level {
	case core.LogLevelTrace:
		return s.logger.Trace
	case core.LogLevelDebug:
		return s.logger.Debug
	case core.LogLevelInfo:
		return s.logger.Info
	case core.LogLevelWarn:
		return s.logger.Warn
	}
	return s.logger.Error
}
