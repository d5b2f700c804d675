package main

import (
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ice-blockchain/go-ra"
	"github.com/ice-blockchain/go-ra/config"
)

// zapLogger reports ra events through zap.
type zapLogger struct {
	log *zap.Logger
}

func (l zapLogger) Report(event ra.LogEvent) {
	ce := l.log.Check(zapLevel(event.LogLevel()), event.Message())
	if ce == nil {
		return
	}
	attrs := event.LogAttrs()
	fields := make([]zap.Field, 0, len(attrs)+1)
	fields = append(fields, zap.String("event", event.EventName()))
	for _, attr := range attrs {
		fields = append(fields, zap.Any(attr.Key, attr.Value.Any()))
	}
	ce.Write(fields...)
}

func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level >= slog.LevelError:
		return zapcore.ErrorLevel
	case level >= slog.LevelWarn:
		return zapcore.WarnLevel
	case level >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func newZapLogger(cfg config.Log) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if cfg.Format == config.LogFormatConsole {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
