package ra_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/ice-blockchain/go-ra"
	"github.com/ice-blockchain/go-ra/test_helpers"
)

func newTestDispatcher(t *testing.T, rec *test_helpers.EventRecorder, calls map[CommandID]int) *Dispatcher {
	t.Helper()

	d := NewDispatcher(DispatcherOpts{Logger: rec})
	for _, cmd := range []CommandID{7, 8} {
		cmd := cmd
		d.RegisterFunc(cmd, func(req *Request) Response {
			calls[cmd]++
			return OK(fmt.Sprintf("handled %d", cmd))
		})
	}
	return d
}

func TestDispatcher_RoutesByCommand(t *testing.T) {
	rec := &test_helpers.EventRecorder{}
	calls := map[CommandID]int{}
	d := newTestDispatcher(t, rec, calls)

	resp := d.Dispatch(&Request{Command: 7, Sync: 1})
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "handled 7", resp.Body)

	resp = d.Dispatch(&Request{Command: 8, Sync: 2})
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "handled 8", resp.Body)

	assert.Equal(t, map[CommandID]int{7: 1, 8: 1}, calls)
}

func TestDispatcher_CommandNotFound(t *testing.T) {
	rec := &test_helpers.EventRecorder{}
	calls := map[CommandID]int{}
	d := newTestDispatcher(t, rec, calls)

	resp := d.Dispatch(&Request{Command: 9, Sync: 3})
	assert.Equal(t, StatusCommandNotFound, resp.Status)
	assert.Empty(t, calls)
	events := rec.Events("command_not_found")
	require.Len(t, events, 1)
	ev := events[0].(CommandNotFoundEvent)
	assert.Equal(t, CommandID(9), ev.Command)
	assert.Equal(t, uint32(3), ev.Sync)
}

func TestDispatcher_Ping(t *testing.T) {
	validated := 0
	d := NewDispatcher(DispatcherOpts{
		Logger: NopLogger{},
		Validator: ValidatorFunc(func(req *Request) error {
			validated++
			return nil
		}),
	})

	resp := d.Dispatch(&Request{Command: CommandPing})
	assert.Equal(t, StatusOK, resp.Status)
	assert.Nil(t, resp.Body)
	assert.Zero(t, validated)
}

func TestDispatcher_Validation(t *testing.T) {
	rec := &test_helpers.EventRecorder{}
	called := false
	d := NewDispatcher(DispatcherOpts{
		Logger: rec,
		Validator: ValidatorFunc(func(req *Request) error {
			var params []interface{}
			if err := req.Decode(&params); err != nil {
				return err
			}
			if len(params) != 1 {
				return errors.New("exactly one param expected")
			}
			return nil
		}),
	})
	d.RegisterFunc(1, func(req *Request) Response {
		called = true
		return OK(nil)
	})

	resp := d.Dispatch(&Request{Command: 1})
	assert.Equal(t, StatusValidation, resp.Status)
	assert.Contains(t, resp.Message, "empty request payload")

	payload, err := Marshal([]interface{}{1, 2})
	require.NoError(t, err)
	resp = d.Dispatch(&Request{Command: 1, Payload: payload})
	assert.Equal(t, StatusValidation, resp.Status)
	assert.Contains(t, resp.Message, "exactly one param expected")

	assert.False(t, called)
	assert.Len(t, rec.Events("validation_failed"), 2)

	payload, err = Marshal([]interface{}{1})
	require.NoError(t, err)
	resp = d.Dispatch(&Request{Command: 1, Payload: payload})
	assert.Equal(t, StatusOK, resp.Status)
	assert.True(t, called)
}

func TestDispatcher_CommandNotFoundBeforeValidation(t *testing.T) {
	rec := &test_helpers.EventRecorder{}
	validated := 0
	d := NewDispatcher(DispatcherOpts{
		Logger: rec,
		Validator: ValidatorFunc(func(req *Request) error {
			validated++
			return errors.New("params required")
		}),
	})
	d.RegisterFunc(7, func(req *Request) Response {
		return OK(nil)
	})

	resp := d.Dispatch(&Request{Command: 8})
	assert.Equal(t, StatusCommandNotFound, resp.Status)
	assert.Zero(t, validated)
	assert.Len(t, rec.Events("command_not_found"), 1)
	assert.Empty(t, rec.Events("validation_failed"))

	resp = d.Dispatch(&Request{Command: 7})
	assert.Equal(t, StatusValidation, resp.Status)
	assert.Equal(t, 1, validated)
}

func TestDispatcher_HandlerPanic(t *testing.T) {
	rec := &test_helpers.EventRecorder{}
	d := NewDispatcher(DispatcherOpts{Logger: rec})
	d.RegisterFunc(1, func(req *Request) Response {
		panic("boom")
	})

	resp := d.Dispatch(&Request{Command: 1})
	assert.Equal(t, StatusInternal, resp.Status)

	ev, ok := rec.WaitEvent(context.Background(), "handler_panic")
	require.True(t, ok)
	assert.Equal(t, "boom", ev.(HandlerPanicEvent).Value)
}

func TestDispatcher_RegisterPanics(t *testing.T) {
	d := NewDispatcher(DispatcherOpts{Logger: NopLogger{}})
	h := HandlerFunc(func(req *Request) Response { return OK(nil) })

	assert.Panics(t, func() { d.Register(CommandPing, h) })
	assert.Panics(t, func() { d.Register(1, nil) })

	d.Register(1, h)
	assert.Panics(t, func() { d.Register(1, h) })

	_, ok := d.Handler(1)
	assert.True(t, ok)
	_, ok = d.Handler(2)
	assert.False(t, ok)
}
