// Package apperr defines the error kinds shared by the store, the ingest
// pipeline and the transports. Each transport maps a Kind to its own status
// code exactly once.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the transport boundary.
type Kind int

const (
	// Unknown is used for errors that were never classified.
	Unknown Kind = iota
	// Configuration marks a missing or invalid server setting.
	Configuration
	// Validation marks a malformed or incomplete client request.
	Validation
	// Auth marks a missing or wrong credential.
	Auth
	// Store marks a database failure.
	Store
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Validation:
		return "validation"
	case Auth:
		return "auth"
	case Store:
		return "store"
	default:
		return "unknown"
	}
}

// Error is a classified error.
type Error struct {
	Err  error
	Op   string
	Msg  string
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the message intended for clients: the classified error's
// message without the operation prefix.
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}

	if e.Msg == "" && e.Err != nil {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}
