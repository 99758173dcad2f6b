package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelHierarchy(t *testing.T) {
	assert.ErrorIs(t, ErrCorruptSignature, ErrIndexIO)
	assert.ErrorIs(t, ErrBadSnapshot, ErrIndexIO)
	assert.NotErrorIs(t, ErrWriterClosed, ErrIndexIO)
}

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", ErrInvalidInput), http.StatusBadRequest},
		{ErrVersionRegression, http.StatusBadRequest},
		{ErrFlushInProgress, http.StatusConflict},
		{ErrShardUnavailable, http.StatusServiceUnavailable},
		{ErrBadSnapshot, http.StatusInternalServerError},
		{fmt.Errorf("shard 1: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{New(ErrInternal, http.StatusTeapot, "custom"), http.StatusTeapot},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatusCode(tt.err), tt.err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("open: %w", ErrIndexIO)))
	assert.False(t, IsRetryable(fmt.Errorf("open: %w", ErrCorruptSignature)))
	assert.True(t, IsRetryable(ErrWriterClosed))
	assert.False(t, IsRetryable(ErrVersionRegression))
	assert.False(t, IsRetryable(ErrInvalidInput))
}
