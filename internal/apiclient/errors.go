package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failed call. It is set once, at the network
// boundary, and never re-derived from message text.
type ErrorKind string

const (
	KindNotFound   ErrorKind = "not_found"
	KindForbidden  ErrorKind = "forbidden"
	KindServer     ErrorKind = "server"
	KindNetwork    ErrorKind = "network"
	KindValidation ErrorKind = "validation"
)

// Error is returned by every Client method that fails
type Error struct {
	Kind    ErrorKind
	Op      string // e.g. "assign", "list conversations"
	Status  int    // HTTP status, 0 when the request never completed
	Message string // server-provided or local description
	Err     error  // underlying transport error, if any
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s: %s (%d): %s", e.Op, e.Kind, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind of err, or "" when err is not an *Error
func KindOf(err error) ErrorKind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsNotFound reports whether err is a NotFound error
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// KindForStatus maps an HTTP status code to an error kind
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindForbidden
	case status >= 500:
		return KindServer
	default:
		return KindValidation
	}
}

// Validation builds a local validation error that never reached the network
func Validation(op, message string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}
