// Package apierr defines the typed error taxonomy shared by all handlers.
//
// Handlers raise these types instead of writing responses directly; the
// request pipeline maps them to HTTP status codes and the JSON envelope in
// exactly one place. Anything that is not one of these types surfaces as a
// generic 500 with the detail logged server-side only.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// FieldError describes a single invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationError carries one or more field-level input errors (HTTP 400).
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation failed: %s %s", e.Errors[0].Field, e.Errors[0].Message)
	}
	return fmt.Sprintf("validation failed: %d invalid fields", len(e.Errors))
}

// NewValidation builds a ValidationError for a single field.
func NewValidation(field, message, code string) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: message, Code: code}}}
}

// AuthError means the caller presented no identity or an invalid one (HTTP 401).
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// NewAuth builds an AuthError.
func NewAuth(message string) *AuthError { return &AuthError{Message: message} }

// ForbiddenError means the identity is valid but lacks scope (HTTP 403).
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string { return e.Message }

// NewForbidden builds a ForbiddenError.
func NewForbidden(message string) *ForbiddenError { return &ForbiddenError{Message: message} }

// NotFoundError covers both an absent entity and one filtered out by tenant or
// record-level scope; the two are indistinguishable to the caller (HTTP 404).
type NotFoundError struct {
	Entity string
}

func (e *NotFoundError) Error() string { return e.Entity + " not found" }

// NewNotFound builds a NotFoundError.
func NewNotFound(entity string) *NotFoundError { return &NotFoundError{Entity: entity} }

// ConflictError signals an optimistic-lock version mismatch or an idempotency
// key collision across tenants (HTTP 409).
type ConflictError struct {
	Message         string
	EntityType      string
	EntityID        string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	if e.EntityType != "" {
		return fmt.Sprintf("version conflict on %s %s: expected %d, actual %d",
			e.EntityType, e.EntityID, e.ExpectedVersion, e.ActualVersion)
	}
	return e.Message
}

// NewConflict builds a plain ConflictError.
func NewConflict(message string) *ConflictError { return &ConflictError{Message: message} }

// NewVersionConflict builds a ConflictError carrying version detail.
func NewVersionConflict(entityType, entityID string, expected, actual int64) *ConflictError {
	return &ConflictError{
		EntityType:      entityType,
		EntityID:        entityID,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// UnprocessableError signals a semantically invalid request, such as reusing
// an idempotency key with a different payload (HTTP 422).
type UnprocessableError struct {
	Message string
}

func (e *UnprocessableError) Error() string { return e.Message }

// NewUnprocessable builds an UnprocessableError.
func NewUnprocessable(message string) *UnprocessableError {
	return &UnprocessableError{Message: message}
}

// RateLimitError signals that the caller exceeded a rate limit (HTTP 429).
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string { return "rate limit exceeded" }

// UnavailableError means the database or a critical dependency is unhealthy;
// safe to retry with backoff (HTTP 503).
type UnavailableError struct {
	Message string
}

func (e *UnavailableError) Error() string { return e.Message }

// NewUnavailable builds an UnavailableError.
func NewUnavailable(message string) *UnavailableError { return &UnavailableError{Message: message} }

// HTTPStatus maps an error to its HTTP status code. Unrecognized errors map
// to 500.
func HTTPStatus(err error) int {
	var (
		validation    *ValidationError
		auth          *AuthError
		forbidden     *ForbiddenError
		notFound      *NotFoundError
		conflict      *ConflictError
		unprocessable *UnprocessableError
		rateLimit     *RateLimitError
		unavailable   *UnavailableError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &auth):
		return http.StatusUnauthorized
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &unprocessable):
		return http.StatusUnprocessableEntity
	case errors.As(err, &rateLimit):
		return http.StatusTooManyRequests
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to expose to the client. Unclassified
// errors get a generic message; their detail stays in the server log.
func PublicMessage(err error) string {
	if HTTPStatus(err) == http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}

// Fields extracts field-level errors when err is a ValidationError.
func Fields(err error) []FieldError {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return validation.Errors
	}
	return nil
}
