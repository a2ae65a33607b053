package lifecycle

import (
	"errors"

	"loop-library/internal/validation"
)

// Error kinds. Callers test for them with errors.Is and map them to
// transport status codes.
var (
	ErrValidation   = errors.New("validation failed")
	ErrCaptcha      = errors.New("captcha rejected")
	ErrUnavailable  = errors.New("dependency unavailable")
	ErrMedia        = errors.New("media processing failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrTokenExpired = errors.New("token expired")
	ErrNotConfirmed = errors.New("submission not confirmed")
	ErrStorage      = errors.New("storage failure")
)

// Error carries a client-facing message alongside its kind and cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Message returns the client-facing message of err, or fallback when err
// carries none.
func Message(err error, fallback string) string {
	var lerr *Error
	if errors.As(err, &lerr) && lerr.Message != "" {
		return lerr.Message
	}
	return fallback
}

// FieldErrors extracts per-field validation failures from err.
func FieldErrors(err error) validation.Errors {
	var fields validation.Errors
	if errors.As(err, &fields) {
		return fields
	}
	return nil
}

// Outcome labels err for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrCaptcha):
		return "captcha"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrMedia):
		return "media"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrNotConfirmed):
		return "not_confirmed"
	default:
		return "error"
	}
}
