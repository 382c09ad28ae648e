package common

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the boundary layer. The set is closed:
// anything that is not a *Error resolves to KindInternal.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindAuth
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error codes carried in Error.Code.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeAuth       = "AUTHENTICATION_ERROR"
	CodeConflict   = "CONFLICT"
	CodeInternal   = "INTERNAL_SERVER_ERROR"
)

// Error is a client-recoverable failure with a structured payload.
//
// Err optionally links a sentinel (e.g. ErrTokenExpired) so callers can
// still match with errors.Is; it is never rendered to clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewValidationError reports malformed input. details maps field names to
// human-readable problems and may be nil.
func NewValidationError(msg string, details map[string]string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: msg, Details: details}
}

// NewAuthError reports bad credentials or a bad token.
func NewAuthError(msg string) *Error {
	return &Error{Kind: KindAuth, Code: CodeAuth, Message: msg}
}

// NewConflictError reports a uniqueness conflict.
func NewConflictError(msg string) *Error {
	return &Error{Kind: KindConflict, Code: CodeConflict, Message: msg}
}

// WithCause returns a copy of e linked to cause.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
