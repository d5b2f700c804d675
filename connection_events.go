package ra

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
)

type LogEvent interface {
	EventName() string
	Message() string
	LogLevel() slog.Level
	LogAttrs() []slog.Attr
}

type baseEvent struct {
	component string
	addr      net.Addr
	connID    uuid.UUID
	EventTime time.Time
}

func newBaseEvent(component string, addr net.Addr, connID uuid.UUID) baseEvent {
	return baseEvent{
		component: component,
		addr:      addr,
		connID:    connID,
		EventTime: time.Now(),
	}
}

func (e baseEvent) baseAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("component", e.component),
		slog.Time("event_time", e.EventTime),
	}
	if e.addr != nil {
		attrs = append(attrs, slog.String("addr", e.addr.String()))
	}
	if e.connID != uuid.Nil {
		attrs = append(attrs, slog.String("conn_id", e.connID.String()))
	}
	return attrs
}

// ConnID returns an id of a server connection the event belongs to.
func (e baseEvent) ConnID() uuid.UUID {
	return e.connID
}

const (
	componentServer = "ra.server"
	componentClient = "ra.client"
)

type ConnectionOpenedEvent struct {
	baseEvent
	Loop int
}

func (e ConnectionOpenedEvent) EventName() string    { return "connection_opened" }
func (e ConnectionOpenedEvent) Message() string      { return "Connection accepted" }
func (e ConnectionOpenedEvent) LogLevel() slog.Level { return slog.LevelDebug }
func (e ConnectionOpenedEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(), slog.Int("loop", e.Loop))
}

type ConnectionClosedEvent struct {
	baseEvent
	Error     error
	Discarded int
}

func (e ConnectionClosedEvent) EventName() string { return "connection_closed" }
func (e ConnectionClosedEvent) Message() string   { return "Connection closed" }
func (e ConnectionClosedEvent) LogLevel() slog.Level {
	if e.Error != nil {
		return slog.LevelWarn
	}
	return slog.LevelDebug
}
func (e ConnectionClosedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	if e.Discarded > 0 {
		attrs = append(attrs, slog.Int("discarded_responses", e.Discarded))
	}
	return attrs
}

type FrameDecodeFailedEvent struct {
	baseEvent
	Error error
}

func (e FrameDecodeFailedEvent) EventName() string { return "frame_decode_failed" }
func (e FrameDecodeFailedEvent) Message() string {
	return fmt.Sprintf("Failed to decode frame: %s", e.Error)
}
func (e FrameDecodeFailedEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e FrameDecodeFailedEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(), slog.String("error", e.Error.Error()))
}

type CommandNotFoundEvent struct {
	baseEvent
	Command CommandID
	Sync    uint32
}

func (e CommandNotFoundEvent) EventName() string { return "command_not_found" }
func (e CommandNotFoundEvent) Message() string {
	return fmt.Sprintf("No handler for command %d", e.Command)
}
func (e CommandNotFoundEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e CommandNotFoundEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(),
		slog.Uint64("command", uint64(e.Command)),
		slog.Uint64("sync", uint64(e.Sync)),
	)
}

type ValidationFailedEvent struct {
	baseEvent
	Command CommandID
	Error   error
}

func (e ValidationFailedEvent) EventName() string { return "validation_failed" }
func (e ValidationFailedEvent) Message() string {
	return fmt.Sprintf("Request for command %d rejected", e.Command)
}
func (e ValidationFailedEvent) LogLevel() slog.Level { return slog.LevelInfo }
func (e ValidationFailedEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(),
		slog.Uint64("command", uint64(e.Command)),
		slog.String("error", e.Error.Error()),
	)
}

type HandlerPanicEvent struct {
	baseEvent
	Command CommandID
	Value   interface{}
}

func (e HandlerPanicEvent) EventName() string { return "handler_panic" }
func (e HandlerPanicEvent) Message() string {
	return fmt.Sprintf("Handler of command %d panicked: %v", e.Command, e.Value)
}
func (e HandlerPanicEvent) LogLevel() slog.Level { return slog.LevelError }
func (e HandlerPanicEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(), slog.Uint64("command", uint64(e.Command)))
}

type OutboundOverflowEvent struct {
	baseEvent
	Pending int
}

func (e OutboundOverflowEvent) EventName() string { return "outbound_overflow" }
func (e OutboundOverflowEvent) Message() string {
	return fmt.Sprintf("Outbound queue overflow with %d pending responses", e.Pending)
}
func (e OutboundOverflowEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e OutboundOverflowEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(), slog.Int("pending", e.Pending))
}

type RateLimitedEvent struct {
	baseEvent
	Command CommandID
}

func (e RateLimitedEvent) EventName() string { return "rate_limited" }
func (e RateLimitedEvent) Message() string   { return "Request is rate limited" }
func (e RateLimitedEvent) LogLevel() slog.Level {
	return slog.LevelDebug
}
func (e RateLimitedEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(), slog.Uint64("command", uint64(e.Command)))
}

type ConnectedEvent struct {
	baseEvent
}

func (e ConnectedEvent) EventName() string     { return "connected" }
func (e ConnectedEvent) Message() string       { return "Connected to server" }
func (e ConnectedEvent) LogLevel() slog.Level  { return slog.LevelInfo }
func (e ConnectedEvent) LogAttrs() []slog.Attr { return e.baseAttrs() }

type ReconnectFailedEvent struct {
	baseEvent
	Reconnects    uint
	MaxReconnects uint
	Error         error
	IsInitial     bool
}

func (e ReconnectFailedEvent) EventName() string { return "reconnect_failed" }
func (e ReconnectFailedEvent) Message() string {
	if e.IsInitial {
		return fmt.Sprintf("Initial connect failed (attempt %d)", e.Reconnects)
	}
	return fmt.Sprintf("Reconnect attempt %d/%d failed", e.Reconnects, e.MaxReconnects)
}
func (e ReconnectFailedEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e ReconnectFailedEvent) LogAttrs() []slog.Attr {
	attrs := append(e.baseAttrs(),
		slog.Uint64("reconnects", uint64(e.Reconnects)),
		slog.Uint64("max_reconnects", uint64(e.MaxReconnects)),
	)
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	return attrs
}

type LastReconnectFailedEvent struct {
	baseEvent
	Error error
}

func (e LastReconnectFailedEvent) EventName() string { return "last_reconnect_failed" }
func (e LastReconnectFailedEvent) Message() string {
	return "Last reconnect failed, giving up"
}
func (e LastReconnectFailedEvent) LogLevel() slog.Level { return slog.LevelError }
func (e LastReconnectFailedEvent) LogAttrs() []slog.Attr {
	attrs := e.baseAttrs()
	if e.Error != nil {
		attrs = append(attrs, slog.String("error", e.Error.Error()))
	}
	return attrs
}

type UnexpectedResultIdEvent struct {
	baseEvent
	RequestId uint32
}

func (e UnexpectedResultIdEvent) EventName() string { return "unexpected_result_id" }
func (e UnexpectedResultIdEvent) Message() string {
	return fmt.Sprintf("Received response with unexpected request ID %d", e.RequestId)
}
func (e UnexpectedResultIdEvent) LogLevel() slog.Level { return slog.LevelWarn }
func (e UnexpectedResultIdEvent) LogAttrs() []slog.Attr {
	return append(e.baseAttrs(), slog.Uint64("request_id", uint64(e.RequestId)))
}
