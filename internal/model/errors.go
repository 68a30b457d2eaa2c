// Package model holds the data types shared by every dwelltrack component:
// observations, object state, timeline entries, cell aggregates, recent
// events, feedback audit records, and the error taxonomy used to carry
// failures across package boundaries.
package model

import (
	"errors"
	"fmt"
)

// ErrorCode is the taxonomy from the system's error handling design: every
// layer (store, engine, feedback, query) returns one of these instead of an
// ad hoc string, so the HTTP layer can map consistently to status codes.
type ErrorCode string

const (
	ErrInvalidPayload   ErrorCode = "ERR_INVALID_PAYLOAD"
	ErrOutOfOrder       ErrorCode = "ERR_OUT_OF_ORDER"
	ErrNotFound         ErrorCode = "ERR_NOT_FOUND"
	ErrConflict         ErrorCode = "ERR_CONFLICT"
	ErrInvalidSpan      ErrorCode = "ERR_INVALID_SPAN"
	ErrTimeout          ErrorCode = "ERR_TIMEOUT"
	ErrStoreUnavailable ErrorCode = "ERR_STORE_UNAVAILABLE"
	ErrInternal         ErrorCode = "ERR_INTERNAL"
)

// CodedError attaches an ErrorCode to an underlying cause so callers can
// switch on the code without string matching.
type CodedError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// Coded wraps err with code and message. err may be nil, in which case the
// returned CodedError has no cause.
func Coded(code ErrorCode, message string, err error) *CodedError {
	return &CodedError{Code: code, Message: message, Cause: err}
}

// CodeOf extracts the ErrorCode carried by err, defaulting to ERR_INTERNAL
// for anything that isn't a *CodedError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrInternal
}
