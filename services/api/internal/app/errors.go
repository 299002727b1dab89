package app

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	// ErrUpstream marks an unexpected storage or provider failure on a primary path.
	ErrUpstream         = errors.New("upstream failure")
	ErrGenerationFailed = errors.New("generation failed")
)

// Error is a classified failure. Kind is one of the sentinels above and is
// what errors.Is matches; Details carries the underlying provider message.
type Error struct {
	Kind    error
	Message string
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, msg string, cause error) *Error {
	e := &Error{Kind: kind, Message: msg}
	if cause != nil {
		e.Details = cause.Error()
	}
	return e
}

// Validation returns an ErrValidation failure.
func Validation(msg string) *Error { return newError(ErrValidation, msg, nil) }

// Upstream wraps a failed storage or provider call.
func Upstream(msg string, cause error) *Error { return newError(ErrUpstream, msg, cause) }

// GenerationFailed wraps a failure anywhere in the ask pipeline.
func GenerationFailed(cause error) *Error {
	return newError(ErrGenerationFailed, "Failed to generate answer", cause)
}

func notFound(msg string) *Error  { return newError(ErrNotFound, msg, nil) }
func forbidden(msg string) *Error { return newError(ErrForbidden, msg, nil) }
