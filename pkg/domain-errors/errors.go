// Package domainerrors carries coded errors across service boundaries.
//
// Stores return sentinel facts (see pkg/platform/sentinel); services translate
// them into coded errors so transports can map a failure to a response
// without string matching.
package domainerrors

import (
	"errors"
)

// Code classifies a domain failure.
type Code string

const (
	CodeBadRequest   Code = "bad_request"
	CodeValidation   Code = "validation_error"
	CodeInvalidInput Code = "invalid_input"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeTimeout      Code = "timeout"
	CodeInternal     Code = "internal_error"

	// Login flow failures.
	CodeAuthorization  Code = "authorization_error"
	CodeInvalidIDToken Code = "invalid_id_token"
	CodeUnknownState   Code = "unknown_state"
	CodeTokenEndpoint  Code = "token_endpoint_error"

	// Identity conflicts. These are never resolved automatically.
	CodeAlreadyConnectedToDifferentUser Code = "already_connected_to_different_user"
	CodeUserAlreadyConnected            Code = "user_already_connected"
	CodeAlreadyMatched                  Code = "already_matched"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a coded error.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether the outermost coded error in err carries code.
func Is(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// HasCode reports whether any coded error in the chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// CodeOf returns the outermost code, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsIdentityConflict reports whether err is one of the identity-conflict
// failures that require explicit user or administrator action.
func IsIdentityConflict(err error) bool {
	switch CodeOf(err) {
	case CodeAlreadyConnectedToDifferentUser, CodeUserAlreadyConnected, CodeAlreadyMatched:
		return true
	}
	return false
}
