package ra_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	. "github.com/ice-blockchain/go-ra"
)

type coded struct{}

func (coded) Error() string          { return "coded" }
func (coded) StatusCode() StatusCode { return StatusPoolExhausted }

func TestStatusFromError(t *testing.T) {
	cases := []struct {
		err    error
		status StatusCode
	}{
		{nil, StatusOK},
		{fmt.Errorf("wrapped: %w", coded{}), StatusPoolExhausted},
		{&CommandNotFoundError{Command: 3}, StatusCommandNotFound},
		{fmt.Errorf("wrapped: %w", &ValidationError{Msg: "x"}), StatusValidation},
		{ServerError{Status: StatusExecution}, StatusExecution},
		{ErrServerClosed, StatusShutdown},
		{context.DeadlineExceeded, StatusTimeout},
		{errors.New("other"), StatusInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, StatusFromError(tc.err), "%v", tc.err)
	}
}

func TestStatusCode_String(t *testing.T) {
	assert.Equal(t, "ok", StatusOK.String())
	assert.Equal(t, "pool exhausted", StatusPoolExhausted.String())
	assert.Equal(t, "unknown status (999)", StatusCode(999).String())
}

func TestClientError_Temporary(t *testing.T) {
	assert.True(t, ClientError{Code: ErrConnectionNotReady}.Temporary())
	assert.True(t, ClientError{Code: ErrTimeouted}.Temporary())
	assert.False(t, ClientError{Code: ErrConnectionClosed}.Temporary())
	assert.Equal(t, "closed (0x4001)", ClientError{Code: ErrConnectionClosed, Msg: "closed"}.Error())
}
