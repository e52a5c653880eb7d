package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"tracker/api/internal/store"
)

type Kind string

const (
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindForbidden       Kind = "FORBIDDEN"
	KindNotFound        Kind = "NOT_FOUND"
	KindValidation      Kind = "VALIDATION"
	KindConflict        Kind = "CONFLICT"
	KindInternal        Kind = "INTERNAL"
)

func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type DomainError struct {
	Kind    Kind
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(kind Kind, code, message string, details any) *DomainError {
	return &DomainError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func notFound(code, message string) *DomainError {
	return domainError(KindNotFound, code, message, nil)
}

func forbidden(message string) *DomainError {
	return domainError(KindForbidden, "FORBIDDEN", message, nil)
}

func validation(code, message string, details any) *DomainError {
	return domainError(KindValidation, code, message, details)
}

func conflict(code, message string) *DomainError {
	return domainError(KindConflict, code, message, nil)
}

// KindOf classifies any error returned by the service.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	if errors.Is(err, sql.ErrNoRows) {
		return KindNotFound
	}
	if store.IsUniqueViolation(err) {
		return KindConflict
	}
	return KindInternal
}

// orNotFound turns a missing row into the given NotFound error and passes
// everything else through.
func orNotFound(err error, code, message string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(code, message)
	}
	return err
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Kind.HTTPStatus(), domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case KindConflict:
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
	}
}
