package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorWrapping(t *testing.T) {
	base := fmt.Errorf("connection refused")
	err := NewProcessingError("failed to load persona", base)

	assert.Equal(t, "failed to load persona: connection refused", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "PROCESSING_ERROR", err.Code)
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	inner := NewNotFoundError("persona not found", nil)
	wrapped := fmt.Errorf("send: %w", inner)

	assert.True(t, IsNotFoundError(wrapped))
	assert.False(t, IsValidationError(wrapped))
	assert.False(t, IsNotFoundError(fmt.Errorf("plain")))
}

func TestWrapErrorKeepsType(t *testing.T) {
	err := WrapError(NewValidationError("message is required", nil), "send message", ErrorTypeError)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "send message: message is required")

	assert.Nil(t, WrapError(nil, "noop", ErrorTypeError))

	err = WrapError(fmt.Errorf("boom"), "dispatch", ErrorTypeProviderFatal)
	assert.True(t, IsProviderFatalError(err))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NewValidationError("bad", nil), http.StatusBadRequest},
		{NewNotFoundError("missing", nil), http.StatusNotFound},
		{NewProviderFatalError("exhausted", nil), http.StatusInternalServerError},
		{NewGroupUnresponsiveError("silent", nil), http.StatusServiceUnavailable},
		{NewProviderTransientError("throttled", nil), http.StatusServiceUnavailable},
		{fmt.Errorf("unknown"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}
