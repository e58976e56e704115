package graphcache

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEntityNotFound is returned for an entity the Transport did not return
	// although its batch was fetched successfully.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrListNotFound is returned when reading a list that was never loaded.
	ErrListNotFound = errors.New("list not found")

	errMissingID = errors.New("missing identifier")
)

// SchemaError reports a mismatch between the schema and the data or views it is
// used with: an undeclared type, or a relation targeting one. It is a
// configuration error and never worth retrying.
type SchemaError struct {
	Type   string
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	switch {
	case e.Type == "":
		return "schema: " + e.Reason
	case e.Field == "":
		return fmt.Sprintf("schema: type %s: %s", e.Type, e.Reason)
	default:
		return fmt.Sprintf("schema: field %s.%s: %s", e.Type, e.Field, e.Reason)
	}
}

// IdentifierError reports a record that cannot be keyed because its identifier
// is missing or invalid.
type IdentifierError struct {
	Type string
	Err  error
}

func (e *IdentifierError) Error() string {
	return fmt.Sprintf("identify %s record: %v", e.Type, e.Err)
}

func (e *IdentifierError) Unwrap() error { return e.Err }

// ErrorCode classifies a Transport failure.
type ErrorCode int

const (
	CodeUnknown ErrorCode = iota
	CodeBadRequest
	CodeConflict
	CodeRateLimited
	CodeTimeout
	CodeUnauthorized
	CodeForbidden
	CodeInternal
	CodeNotImplemented
)

var codeNames = map[ErrorCode]string{
	CodeUnknown:        "unknown",
	CodeBadRequest:     "bad-request",
	CodeConflict:       "conflict",
	CodeRateLimited:    "rate-limited",
	CodeTimeout:        "timeout",
	CodeUnauthorized:   "unauthorized",
	CodeForbidden:      "forbidden",
	CodeInternal:       "internal",
	CodeNotImplemented: "not-implemented",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Recoverable reports whether failures of this class are recoverable at the call
// site: the request itself was at fault (bad input, conflict, rate limiting or a
// timeout) and the caller may retry or show inline feedback.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case CodeBadRequest, CodeConflict, CodeRateLimited, CodeTimeout:
		return true
	}
	return false
}

// TransportError is the error Transports return to classify their failures.
type TransportError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("transport %v: %s", e.Code, msg)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err is recoverable at the call site: a
// *TransportError of a recoverable class, or a deadline exceeded. Everything
// else, including unclassified errors, propagates to a higher-level boundary.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code.Recoverable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
