package test_helpers

import (
	"sync"
	"testing"

	"github.com/ice-blockchain/go-ra"
)

// MockHandler is a ra.Handler serving prepared responses in order.
type MockHandler struct {
	// Requests is a slice of received requests.
	// It could be used to compare incoming requests with expected.
	Requests []*ra.Request

	mu        sync.Mutex
	responses []ra.Response
	t         testing.TB
}

var _ ra.Handler = (*MockHandler)(nil)

// NewMockHandler creates a MockHandler by given responses.
// Each response could be one of two types: ra.Response or error. An error
// is served as ra.ErrorResponse.
func NewMockHandler(t testing.TB, responses ...interface{}) *MockHandler {
	t.Helper()

	h := &MockHandler{t: t}
	for _, response := range responses {
		switch resp := response.(type) {
		case ra.Response:
			h.responses = append(h.responses, resp)
		case error:
			h.responses = append(h.responses, ra.ErrorResponse(resp))
		default:
			t.Fatalf("unsupported type: %T", response)
		}
	}
	return h
}

// Serve returns the current response and saves the request into
// MockHandler.Requests.
func (h *MockHandler) Serve(req *ra.Request) ra.Response {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Requests = append(h.Requests, req)
	if len(h.responses) == 0 {
		h.t.Errorf("list of responses is empty")
		return ra.Errorf(ra.StatusInternal, "no prepared response")
	}
	resp := h.responses[0]
	h.responses = h.responses[1:]
	return resp
}
