// Package apperr defines the error kinds that cross component boundaries.
// Each kind is a struct implementing error and Unwrap so that errors.As finds
// it through eris wrap chains.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind names an error category surfaced to callers.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindConflict           Kind = "conflict_error"
	KindNotFound           Kind = "not_found"
	KindUpstreamTimeout    Kind = "upstream_timeout"
	KindUpstreamGeneration Kind = "upstream_generation_error"
	KindInternal           Kind = "internal_error"
)

// ValidationError reports malformed input, such as a corrected value that
// does not match the field's declared type.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports a lost compare-and-set race.
type ConflictError struct {
	Entity   string
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	if e.Actual > 0 {
		return fmt.Sprintf("conflict: %s %s changed (expected version %d, found %d)", e.Entity, e.ID, e.Expected, e.Actual)
	}
	return fmt.Sprintf("conflict: %s %s changed concurrently", e.Entity, e.ID)
}

// NotFoundError reports an unknown id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(entity, id string) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: id}
}

// UpstreamTimeoutError reports that the answer generator missed its deadline.
type UpstreamTimeoutError struct {
	Op  string
	Err error
}

func (e *UpstreamTimeoutError) Error() string {
	if e.Err == nil {
		return "upstream timeout: " + e.Op
	}
	return fmt.Sprintf("upstream timeout: %s: %v", e.Op, e.Err)
}

func (e *UpstreamTimeoutError) Unwrap() error { return e.Err }

// UpstreamGenerationError reports that the answer generator failed or
// returned something unusable.
type UpstreamGenerationError struct {
	Op  string
	Err error
}

func (e *UpstreamGenerationError) Error() string {
	if e.Err == nil {
		return "upstream generation: " + e.Op
	}
	return fmt.Sprintf("upstream generation: %s: %v", e.Op, e.Err)
}

func (e *UpstreamGenerationError) Unwrap() error { return e.Err }

// KindOf classifies err by the outermost kind in its chain, so an upstream
// error that wraps a validation failure still reports as upstream. Unknown
// errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if k := outermost(err); k != "" {
		return k
	}
	return KindInternal
}

func outermost(err error) Kind {
	for err != nil {
		switch err.(type) {
		case *ValidationError:
			return KindValidation
		case *ConflictError:
			return KindConflict
		case *NotFoundError:
			return KindNotFound
		case *UpstreamTimeoutError:
			return KindUpstreamTimeout
		case *UpstreamGenerationError:
			return KindUpstreamGeneration
		}
		if multi, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range multi.Unwrap() {
				if k := outermost(e); k != "" {
					return k
				}
			}
			return ""
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamGeneration:
		return http.StatusBadGateway
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether err is of kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
