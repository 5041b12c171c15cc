// Package apperr defines the error taxonomy shared by the call and job services.
// Services return these typed errors; the HTTP layer maps them to status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind represents the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is malformed or incomplete input. Never retried.
	KindValidation
	// KindConflict is an invariant violation such as a duplicate non-terminal job.
	KindConflict
	// KindInvalidTransition is an illegal state machine move.
	KindInvalidTransition
	// KindDispatch is an external task launch failure after retries.
	KindDispatch
	// KindRetryExhausted means the job attempt ceiling has been reached.
	KindRetryExhausted
	// KindNotFound is a referenced entity that does not exist.
	KindNotFound
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindDispatch:
		return "dispatch"
	case KindRetryExhausted:
		return "retry_exhausted"
	case KindNotFound:
		return "not_found"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a domain error with a typed Kind.
type Error struct {
	Kind    Kind
	Message string
	Op      string // operation that failed (optional)
	Err     error  // underlying error (optional)
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the status code for this error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindInvalidTransition, KindRetryExhausted:
		return http.StatusConflict
	case KindDispatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithOp sets the operation name and returns the same error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(message string) *Error        { return New(KindValidation, message) }
func Conflict(message string) *Error          { return New(KindConflict, message) }
func InvalidTransition(message string) *Error { return New(KindInvalidTransition, message) }
func RetryExhausted(message string) *Error    { return New(KindRetryExhausted, message) }
func NotFound(message string) *Error          { return New(KindNotFound, message) }
func Internal(message string) *Error          { return New(KindInternal, message) }

// Dispatch wraps the last launch error once retries are exhausted.
func Dispatch(message string, err error) *Error { return Wrap(KindDispatch, message, err) }

// GetKind extracts the kind from the first *Error in err's chain.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && GetKind(err) == kind
}

// Status returns the HTTP status for any error, defaulting to 500.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
