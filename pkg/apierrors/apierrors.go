// Package apierrors defines the dispatch control plane's closed error
// taxonomy. Every component returns one of these kinds (wrapped with
// errors.New/fmt.Errorf as usual) instead of ad-hoc sentinel values, so
// the orchestrator can translate failures into a caller-facing response
// without inspecting component-specific error strings.
package apierrors

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error categories distinct from Go's native
// error hierarchy.
type Kind string

const (
	Validation         Kind = "Validation"
	NotFound           Kind = "NotFound"
	Conflict           Kind = "Conflict"
	ServiceUnavailable Kind = "ServiceUnavailable"
	RateLimit          Kind = "RateLimit"
	Internal           Kind = "Internal"
	Workspace          Kind = "Workspace"
)

// Error is a kind-tagged error carrying an optional wrapped cause and
// optional structured fields (e.g. a workspace ID, a retry-after hint).
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithField returns e with a field set, for chaining at construction
// time. It mutates and returns the receiver.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return newErr(kind, format, args...)
}

func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	e := newErr(kind, format, args...)
	e.Cause = cause
	return e
}

func NewValidation(format string, args ...any) *Error {
	return newErr(Validation, format, args...)
}

func NewNotFound(format string, args ...any) *Error {
	return newErr(NotFound, format, args...)
}

func NewConflict(format string, args ...any) *Error {
	return newErr(Conflict, format, args...)
}

func NewServiceUnavailable(format string, args ...any) *Error {
	return newErr(ServiceUnavailable, format, args...)
}

func NewRateLimit(format string, args ...any) *Error {
	return newErr(RateLimit, format, args...)
}

func NewInternal(cause error, format string, args ...any) *Error {
	e := newErr(Internal, format, args...)
	e.Cause = cause
	return e
}

func NewWorkspace(workspaceID string, cause error, format string, args ...any) *Error {
	e := newErr(Workspace, format, args...)
	e.Cause = cause
	e.WithField("workspaceId", workspaceID)
	return e
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to Internal when err is
// not a tagged *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Aggregate joins several failure messages into one error of the given
// kind, per the "aggregate all failures into a single error" pattern used
// by secret and request validation. Returns nil if messages is empty.
func Aggregate(kind Kind, messages []string) error {
	if len(messages) == 0 {
		return nil
	}
	combined := messages[0]
	for _, m := range messages[1:] {
		combined += "; " + m
	}
	return newErr(kind, "%s", combined)
}
