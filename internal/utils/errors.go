package utils

import (
	"fmt"
	"strconv"
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// TransportError reports a backend request that completed with a
// non-success status. Body holds the response verbatim.
type TransportError struct {
	URL        string
	ScrollID   string
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	if e.ScrollID != "" {
		return "Request '" + e.URL + "' with scroll id '" + e.ScrollID + "' failed with status code: " +
			strconv.Itoa(e.StatusCode) + ". Response was:\n" + e.Body
	}
	return "Request '" + e.URL + "' failed with status code: " + strconv.Itoa(e.StatusCode) +
		". Response was:\n" + e.Body
}

// ProtocolError reports a response or result stream whose shape violates
// the expected wire contract.
type ProtocolError struct {
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError formats a ProtocolError.
func NewProtocolError(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// PreconditionError reports a caller-supplied argument that breaks an
// operation's contract, such as an inverted time range.
type PreconditionError struct {
	Msg string
}

func (e *PreconditionError) Error() string {
	return e.Msg
}
