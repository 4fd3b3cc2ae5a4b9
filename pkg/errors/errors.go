// Package errors defines the domain error taxonomy for the dedup/merge
// engine. Validation and NotFound abort the current item, Conflict carries
// guardrail or precondition diagnostics, Dependency marks store failures.
// An unresolved match is not an error; it stays in the review queue.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindDependency Kind = "dependency"
)

type DomainError struct {
	Kind    Kind
	Message string
	Meta    map[string]any
	cause   error
}

func (e *DomainError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.cause
}

func (e *DomainError) AddMeta(key string, value any) *DomainError {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta[key] = value
	return e
}

func (e *DomainError) WithCause(err error) *DomainError {
	e.cause = err
	return e
}

func NewValidation(format string, args ...any) *DomainError {
	return &DomainError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NewNotFound(format string, args ...any) *DomainError {
	return &DomainError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewConflict(format string, args ...any) *DomainError {
	return &DomainError{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func NewDependency(format string, args ...any) *DomainError {
	return &DomainError{Kind: KindDependency, Message: fmt.Sprintf(format, args...)}
}

func IsKind(err error, kind Kind) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

func IsValidation(err error) bool { return IsKind(err, KindValidation) }
func IsNotFound(err error) bool   { return IsKind(err, KindNotFound) }
func IsConflict(err error) bool   { return IsKind(err, KindConflict) }
func IsDependency(err error) bool { return IsKind(err, KindDependency) }

func statusFor(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTPError converts a domain error to the transport error type the echo
// error middleware understands. Non-domain errors map to 500.
func ToHTTPError(err error) *httperror.HTTPError {
	var de *DomainError
	if !errors.As(err, &de) {
		return httperror.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	httperr := httperror.NewHTTPError(statusFor(de.Kind), de.Message)
	for key, value := range de.Meta {
		httperr = httperr.AddMetaValue(key, value)
	}
	return httperr
}
