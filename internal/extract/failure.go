// Package extract holds what the document and image cascades share.
package extract

import (
	"context"
	"errors"
	"fmt"

	"recipe-ingestion/internal/models"
)

// Failure is a cascade error carrying the client-facing code.
type Failure struct {
	Code       models.ErrorCode
	Message    string
	NextAction string
	// Permanent suppresses queue retries even when the code is normally retryable.
	Permanent bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether another queue attempt could succeed.
func (f *Failure) Retryable() bool {
	return !f.Permanent && f.Code.Retryable()
}

// Fail builds a Failure without an underlying cause.
func Fail(code models.ErrorCode, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a Failure around err.
func Wrap(code models.ErrorCode, err error, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// AsFailure extracts the Failure from err. Anything else becomes internal_error.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.Canceled) {
		return &Failure{Code: models.ErrInternal, Message: "interrupted", Err: err}
	}
	return &Failure{Code: models.ErrInternal, Message: "unexpected error", Err: err}
}
