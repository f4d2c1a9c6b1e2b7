package commands

import (
	"context"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/rs/zerolog"
)

// zerologLogger puts zerolog behind the glog.Logger contract so the engine,
// host sink and job bridges all log through the CLI console writer.
type zerologLogger struct {
	logger zerolog.Logger
}

func newZerologLogger(logger zerolog.Logger) glog.Logger {
	return &zerologLogger{logger: logger}
}

func (l *zerologLogger) Trace(msg string, args ...any) { l.emit(l.logger.Trace(), msg, args) }
func (l *zerologLogger) Debug(msg string, args ...any) { l.emit(l.logger.Debug(), msg, args) }
func (l *zerologLogger) Info(msg string, args ...any)  { l.emit(l.logger.Info(), msg, args) }
func (l *zerologLogger) Warn(msg string, args ...any)  { l.emit(l.logger.Warn(), msg, args) }
func (l *zerologLogger) Error(msg string, args ...any) { l.emit(l.logger.Error(), msg, args) }
func (l *zerologLogger) Fatal(msg string, args ...any) { l.emit(l.logger.Fatal(), msg, args) }

func (l *zerologLogger) WithContext(ctx context.Context) glog.Logger {
	return &zerologLogger{logger: l.logger.With().Ctx(ctx).Logger()}
}

func (l *zerologLogger) emit(event *zerolog.Event, msg string, args []any) {
	if event == nil {
		return
	}
	if len(args)%2 == 1 {
		args = append(args, "")
	}
	event.Fields(args).Msg(msg)
}

// zerologProvider names child loggers with a component field.
type zerologProvider struct {
	logger zerolog.Logger
}

func (p zerologProvider) GetLogger(name string) glog.Logger {
	return newZerologLogger(p.logger.With().Str("component", name).Logger())
}
