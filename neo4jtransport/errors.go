package neo4jtransport

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/go-digitaltwin/go-graphcache"
)

// classify wraps a failure of the driver in a *graphcache.TransportError, so
// that the cache can tell recoverable failures from fatal ones. Context errors
// and errors that are already classified are returned as is.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var terr *graphcache.TransportError
	if errors.As(err, &terr) {
		return err
	}

	code := graphcache.CodeUnknown
	var neoErr *neo4j.Neo4jError
	switch {
	case errors.As(err, &neoErr):
		code = codeOf(neoErr.Code)
	case neo4j.IsConnectivityError(err):
		code = graphcache.CodeTimeout
	case errors.Is(err, errPropertyNotFound), errors.As(err, &unexpectedPropertyTypeError{}):
		code = graphcache.CodeInternal
	}
	return &graphcache.TransportError{Code: code, Err: err}
}

// codeOf maps a Neo4j status code to the class of failure it stands for. See
// <https://neo4j.com/docs/status-codes/current/errors/all-errors/>.
func codeOf(status string) graphcache.ErrorCode {
	switch {
	case status == "Neo.ClientError.Security.Unauthorized",
		status == "Neo.ClientError.Security.TokenExpired":
		return graphcache.CodeUnauthorized
	case strings.HasPrefix(status, "Neo.ClientError.Security."):
		return graphcache.CodeForbidden
	case status == "Neo.ClientError.Schema.ConstraintValidationFailed",
		strings.HasPrefix(status, "Neo.TransientError.Transaction."):
		return graphcache.CodeConflict
	case strings.HasPrefix(status, "Neo.TransientError."):
		return graphcache.CodeRateLimited
	case strings.HasPrefix(status, "Neo.ClientError."):
		return graphcache.CodeBadRequest
	case strings.HasPrefix(status, "Neo.DatabaseError."):
		return graphcache.CodeInternal
	}
	return graphcache.CodeUnknown
}

// A errPropertyNotFound occurs when a column of a Cypher result is missing.
//
// When encountering this error, it most likely occurs when changing a Cypher
// query without modifying the surrounding code properly.
var errPropertyNotFound = errors.New("property not found")

// An unexpectedPropertyTypeError occurs when a column of a Cypher result has a
// runtime type that is different from the expected type. The error message
// contains the effective type of the property at runtime.
type unexpectedPropertyTypeError struct {
	Type reflect.Type // Effective type encountered at runtime.
}

func (e unexpectedPropertyTypeError) Error() string {
	if e.Type == nil {
		return "unexpected property type: <nil>"
	}
	return "unexpected property type: " + e.Type.String()
}

// The recordProperty interface defines generic constraints for supported values
// by getRecordProperty.
//
// This is a subset of all types supported by the neo4j package because listing
// all of them would be troublesome. When a new type is necessary, developers can
// simply add it to the list here.
type recordProperty interface {
	int64 | string | map[string]any | []any
}

func getRecordProperty[T recordProperty](record *neo4j.Record, key string) (value T, err error) {
	prop, exists := record.Get(key)
	if !exists {
		return value, errPropertyNotFound
	}
	v, ok := prop.(T)
	if !ok {
		return value, unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}
	}
	return v, nil
}
