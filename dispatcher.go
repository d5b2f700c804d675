package ra

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Handler serves requests of a single command.
//
// Handlers run on the server worker pool and may block, e.g. on a
// database call. The returned response is written after the responses
// of all previous requests of the same connection.
type Handler interface {
	Serve(req *Request) Response
}

// HandlerFunc is an adapter to use an ordinary function as a Handler.
type HandlerFunc func(req *Request) Response

// Serve calls f(req).
func (f HandlerFunc) Serve(req *Request) Response {
	return f(req)
}

// Validator checks a request before it reaches a handler. A returned error
// rejects the request with StatusValidation.
type Validator interface {
	Validate(req *Request) error
}

// ValidatorFunc is an adapter to use an ordinary function as a Validator.
type ValidatorFunc func(req *Request) error

// Validate calls f(req).
func (f ValidatorFunc) Validate(req *Request) error {
	return f(req)
}

// DispatcherOpts configures a Dispatcher.
type DispatcherOpts struct {
	// Validator is called for every request except pings. Optional.
	Validator Validator
	// Logger receives dispatch events. Default is SlogLogger.
	Logger Logger
}

// Dispatcher routes requests to handlers by command id.
type Dispatcher struct {
	mu        sync.RWMutex
	handlers  map[CommandID]Handler
	validator Validator
	logger    Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(opts DispatcherOpts) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = NewSlogLogger(nil)
	}
	return &Dispatcher{
		handlers:  make(map[CommandID]Handler),
		validator: opts.Validator,
		logger:    opts.Logger,
	}
}

// Register binds a handler to a command id. It panics if the id is
// reserved or already bound.
func (d *Dispatcher) Register(cmd CommandID, h Handler) {
	if h == nil {
		panic("ra: nil handler")
	}
	if cmd == CommandPing {
		panic("ra: command 0 is reserved for ping")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[cmd]; ok {
		panic(fmt.Sprintf("ra: multiple registrations for command %d", cmd))
	}
	d.handlers[cmd] = h
}

// RegisterFunc binds a handler function to a command id.
func (d *Dispatcher) RegisterFunc(cmd CommandID, f func(req *Request) Response) {
	d.Register(cmd, HandlerFunc(f))
}

// Handler returns a handler bound to the command id.
func (d *Dispatcher) Handler(cmd CommandID) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[cmd]
	return h, ok
}

// Dispatch validates a request and calls its handler exactly once.
// Unknown commands, validation failures and handler panics become error
// responses. Requests for unknown commands are not validated.
func (d *Dispatcher) Dispatch(req *Request) (resp Response) {
	if req.Command == CommandPing {
		return OK(nil)
	}

	h, ok := d.Handler(req.Command)
	if !ok {
		d.logger.Report(CommandNotFoundEvent{
			baseEvent: d.event(req),
			Command:   req.Command,
			Sync:      req.Sync,
		})
		return ErrorResponse(&CommandNotFoundError{Command: req.Command})
	}

	if d.validator != nil {
		if err := d.validator.Validate(req); err != nil {
			var verr *ValidationError
			if !errors.As(err, &verr) {
				verr = &ValidationError{Msg: err.Error()}
			}
			d.logger.Report(ValidationFailedEvent{
				baseEvent: d.event(req),
				Command:   req.Command,
				Error:     verr,
			})
			return Response{Status: StatusValidation, Message: verr.Error()}
		}
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Report(HandlerPanicEvent{
				baseEvent: d.event(req),
				Command:   req.Command,
				Value:     r,
			})
			resp = Errorf(StatusInternal, "handler of command %d failed", req.Command)
		}
	}()
	return h.Serve(req)
}

func (d *Dispatcher) event(req *Request) baseEvent {
	var (
		addr net.Addr
		id   uuid.UUID
	)
	if req.Conn != nil {
		addr = req.Conn.RemoteAddr()
		id = req.Conn.ID()
	}
	return newBaseEvent(componentServer, addr, id)
}
