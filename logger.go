package ra

import (
	"context"
	"log"
	"log/slog"
)

// Logger receives events of servers, client connections and pools.
type Logger interface {
	Report(event LogEvent)
}

type SlogLogger struct {
	logger *slog.Logger
	ctx    context.Context
}

func NewSlogLogger(logger *slog.Logger) SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return SlogLogger{
		logger: logger,
		ctx:    context.Background(),
	}
}

func (l *SlogLogger) WithContext(ctx context.Context) SlogLogger {
	return SlogLogger{
		logger: l.logger,
		ctx:    ctx,
	}
}

func (l SlogLogger) Report(event LogEvent) {
	attrs := event.LogAttrs()

	keys := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		keys[a.Key] = true
	}
	if !keys["event"] {
		attrs = append(attrs, slog.String("event", event.EventName()))
	}

	l.logger.LogAttrs(l.ctx, event.LogLevel(), event.Message(), attrs...)
}

type SimpleLogger struct{}

func (l SimpleLogger) Report(event LogEvent) {
	attrs := event.LogAttrs()

	log.Printf("[%s] %s [event=%s]", event.LogLevel(), event.Message(), event.EventName())

	for _, attr := range attrs {
		switch attr.Key {
		case "error":
			log.Printf("  Error: %v", attr.Value.Any())
		case "conn_id":
			log.Printf("  Connection: %v", attr.Value.Any())
		}
	}
}

// NopLogger drops all events.
type NopLogger struct{}

func (NopLogger) Report(LogEvent) {}

// MultiLogger reports every event to each logger.
type MultiLogger []Logger

func (m MultiLogger) Report(event LogEvent) {
	for _, l := range m {
		if l != nil {
			l.Report(event)
		}
	}
}
