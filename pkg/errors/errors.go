package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrIndexIO           = errors.New("index i/o failure")
	ErrCorruptSignature  = fmt.Errorf("corrupt index signature: %w", ErrIndexIO)
	ErrBadSnapshot       = fmt.Errorf("invalid snapshot: %w", ErrIndexIO)
	ErrWriterClosed      = errors.New("index writer closed")
	ErrIndexClosed       = errors.New("index closed")
	ErrFlushInProgress   = errors.New("flush in progress")
	ErrVersionRegression = errors.New("index version must not decrease")
	ErrShardUnavailable  = errors.New("shard unavailable")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInternal          = errors.New("internal error")
	ErrTimeout           = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// IsRetryable reports whether an ingestion caller may retry the operation
// that produced err.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrCorruptSignature) || errors.Is(err, ErrBadSnapshot) {
		return false
	}
	return errors.Is(err, ErrIndexIO) ||
		errors.Is(err, ErrWriterClosed) ||
		errors.Is(err, ErrFlushInProgress) ||
		errors.Is(err, ErrTimeout)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrVersionRegression):
		return http.StatusBadRequest
	case errors.Is(err, ErrFlushInProgress):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrShardUnavailable), errors.Is(err, ErrTimeout),
		errors.Is(err, ErrIndexClosed), errors.Is(err, ErrWriterClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
