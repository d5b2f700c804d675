package ra

import "sync"

// Future is a handle for asynchronous request.
type Future struct {
	requestId uint32
	command   CommandID
	resp      *Response
	err       error
	ready     chan struct{}
	once      sync.Once
}

// NewFuture creates a new empty Future.
func NewFuture() *Future {
	return &Future{ready: make(chan struct{})}
}

// NewErrorFuture returns new set empty Future with filled error field.
func NewErrorFuture(err error) *Future {
	return &Future{err: err}
}

// SetResponse sets a response for the future and finishes the future.
func (fut *Future) SetResponse(resp *Response) {
	fut.finish(resp, nil)
}

// SetError sets an error for the future and finishes the future.
func (fut *Future) SetError(err error) {
	fut.finish(nil, err)
}

func (fut *Future) finish(resp *Response, err error) {
	if fut.ready == nil {
		return
	}
	fut.once.Do(func() {
		fut.resp, fut.err = resp, err
		close(fut.ready)
	})
}

// Get waits for Future to be filled and returns Response and error.
//
// "error" could be ServerError, if the server responded with a non-ok
// status, or ClientError, if something bad happens in a client process.
// A Response is returned for a ServerError too.
func (fut *Future) Get() (*Response, error) {
	fut.wait()
	if fut.err != nil {
		return fut.resp, fut.err
	}
	return fut.resp, fut.resp.Err()
}

// GetTyped waits for Future and decodes a response body into result if no
// error happens.
func (fut *Future) GetTyped(result interface{}) error {
	resp, err := fut.Get()
	if err != nil {
		return err
	}
	return resp.DecodeTyped(result)
}

var closedChan = make(chan struct{})

func init() {
	close(closedChan)
}

// WaitChan returns channel which becomes closed when response arrived or error occured.
func (fut *Future) WaitChan() <-chan struct{} {
	if fut.ready == nil {
		return closedChan
	}
	return fut.ready
}

// Err returns error set on Future.
// It waits for future to be set.
// Note: it doesn't check a response status.
func (fut *Future) Err() error {
	fut.wait()
	return fut.err
}

func (fut *Future) wait() {
	if fut.ready == nil {
		return
	}
	<-fut.ready
}
