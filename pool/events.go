package pool

import (
	"fmt"
	"log/slog"
	"time"
)

type baseEvent struct {
	ConnID    uint64
	EventTime time.Time
}

func newBaseEvent(id uint64) baseEvent {
	return baseEvent{ConnID: id, EventTime: time.Now()}
}

func (e baseEvent) baseAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("component", "ra.pool"),
		slog.Time("event_time", e.EventTime),
	}
	if e.ConnID != 0 {
		attrs = append(attrs, slog.Uint64("pool_conn_id", e.ConnID))
	}
	return attrs
}

type PoolExhaustedEvent struct {
	baseEvent
	Size int
}

func (e PoolExhaustedEvent) EventName() string { return "pool_exhausted" }
func (e PoolExhaustedEvent) Message() string {
	return fmt.Sprintf("All %d connections are in use", e.Size)
}
func (e PoolExhaustedEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e PoolExhaustedEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(), slog.Int("size", e.Size))
}

type AcquireTimeoutEvent struct {
	baseEvent
	Waited time.Duration
}

func (e AcquireTimeoutEvent) EventName() string { return "acquire_timeout" }
func (e AcquireTimeoutEvent) Message() string {
	return fmt.Sprintf("No connection acquired in %s", e.Waited)
}
func (e AcquireTimeoutEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e AcquireTimeoutEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(), slog.Duration("waited", e.Waited))
}

type ConnectFailedEvent struct {
	baseEvent
	Error error
}

func (e ConnectFailedEvent) EventName() string    { return "connect_failed" }
func (e ConnectFailedEvent) Message() string      { return "Failed to open database connection" }
func (e ConnectFailedEvent) LogLevel() slog.Level { return slog.LevelError }
func (e ConnectFailedEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(), slog.String("error", e.Error.Error()))
}

type HeartbeatFailedEvent struct {
	baseEvent
	Idle  time.Duration
	Error error
}

func (e HeartbeatFailedEvent) EventName() string { return "heartbeat_failed" }
func (e HeartbeatFailedEvent) Message() string {
	return fmt.Sprintf("Liveness probe of connection %d failed", e.ConnID)
}
func (e HeartbeatFailedEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e HeartbeatFailedEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(),
		slog.Duration("idle", e.Idle),
		slog.String("error", e.Error.Error()),
	)
}

type ReconnectAttemptEvent struct {
	baseEvent
	Attempt uint
	Error   error
	Next    time.Duration
}

func (e ReconnectAttemptEvent) EventName() string { return "reconnect_attempt" }
func (e ReconnectAttemptEvent) Message() string {
	return fmt.Sprintf("Reconnect attempt %d of connection %d failed", e.Attempt, e.ConnID)
}
func (e ReconnectAttemptEvent) LogLevel() slog.Level { return slog.LevelInfo }
func (e ReconnectAttemptEvent) LogAttrs() []slog.Attr {
	attrs := append(e.baseAttrs(),
		slog.Uint64("attempt", uint64(e.Attempt)),
		slog.Duration("next", e.Next),
	)
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	return attrs
}

type ReconnectResultEvent struct {
	baseEvent
	Attempts uint
	Error    error
}

func (e ReconnectResultEvent) EventName() string { return "reconnect_result" }
func (e ReconnectResultEvent) Message() string {
	if e.Error != nil {
		return fmt.Sprintf("Connection %d is not restored after %d attempts", e.ConnID, e.Attempts)
	}
	return fmt.Sprintf("Connection %d is restored after %d attempts", e.ConnID, e.Attempts)
}
func (e ReconnectResultEvent) LogLevel() slog.Level {
	if e.Error != nil {
		return slog.LevelError
	}
	return slog.LevelInfo
}
func (e ReconnectResultEvent) LogAttrs() []slog.Attr {
	attrs := append(e.baseAttrs(), slog.Uint64("attempts", uint64(e.Attempts)))
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	return attrs
}

type ConnectionRemovedEvent struct {
	baseEvent
	Target int
}

func (e ConnectionRemovedEvent) EventName() string { return "connection_removed" }
func (e ConnectionRemovedEvent) Message() string {
	return fmt.Sprintf("Connection %d is removed, pool target is %d", e.ConnID, e.Target)
}
func (e ConnectionRemovedEvent) LogLevel() slog.Level { return slog.LevelError }
func (e ConnectionRemovedEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(), slog.Int("target", e.Target))
}

type StateChangedEvent struct {
	baseEvent
	From State
	To   State
}

func (e StateChangedEvent) EventName() string { return "state_changed" }
func (e StateChangedEvent) Message() string {
	return fmt.Sprintf("Connection %d: %s -> %s", e.ConnID, e.From, e.To)
}
func (e StateChangedEvent) LogLevel() slog.Level { return slog.LevelDebug }
func (e StateChangedEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(),
		slog.String("from", e.From.String()),
		slog.String("to", e.To.String()),
	)
}
