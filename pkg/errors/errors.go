// Package errors defines the sentinel error taxonomy shared across the
// resolver and the AppError wrapper that carries an HTTP status for the
// service layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidConfig marks matcher configuration rejected before any
	// processing (threshold outside (0,1], non-positive token length).
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrInvalidState marks operations called out of order: Infer before
	// Build, or Reconcile before any Infer.
	ErrInvalidState  = errors.New("invalid engine state")
	ErrDatasetExists = errors.New("dataset already exists")
	ErrNoDataset     = errors.New("dataset not found")
	ErrNoRecords     = errors.New("no records found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternal      = errors.New("internal error")
	ErrTimeout       = errors.New("operation timed out")
)

// AppError pairs a sentinel with human-readable detail and the HTTP status
// the service layer should emit.
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

// New wraps a sentinel in an AppError.
func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Newf is New with formatting.
func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// HTTPStatusCode maps an error to the HTTP status to serve. AppError wins;
// bare sentinels fall back to a fixed mapping.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNoDataset), errors.Is(err, ErrNoRecords):
		return http.StatusNotFound
	case errors.Is(err, ErrDatasetExists), errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
