package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NewValidation("name", "is required", "REQUIRED"), http.StatusBadRequest},
		{NewAuth("no token"), http.StatusUnauthorized},
		{NewForbidden("missing permission"), http.StatusForbidden},
		{NewNotFound("lead"), http.StatusNotFound},
		{NewConflict("key in use"), http.StatusConflict},
		{NewVersionConflict("lead", "l1", 3, 5), http.StatusConflict},
		{NewUnprocessable("payload mismatch"), http.StatusUnprocessableEntity},
		{&RateLimitError{RetryAfterSeconds: 30}, http.StatusTooManyRequests},
		{NewUnavailable("database down"), http.StatusServiceUnavailable},
		{errors.New("driver: bad connection"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), "%T", tc.err)
	}
}

func TestHTTPStatusUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("loading lead: %w", NewNotFound("lead"))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(wrapped))
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "lead not found", PublicMessage(NewNotFound("lead")))
	assert.Equal(t, "internal server error",
		PublicMessage(errors.New("pq: relation leads does not exist")),
		"raw error detail never reaches the client")
}

func TestVersionConflictMessage(t *testing.T) {
	err := NewVersionConflict("lead", "l1", 3, 5)
	assert.Equal(t, "version conflict on lead l1: expected 3, actual 5", err.Error())
	assert.Equal(t, "key in use", NewConflict("key in use").Error())
}

func TestFields(t *testing.T) {
	err := &ValidationError{Errors: []FieldError{
		{Field: "clientName", Message: "is required", Code: "REQUIRED"},
		{Field: "status", Message: "must be one of NEW, CONTACTED", Code: "INVALID_STATUS"},
	}}
	assert.Len(t, Fields(err), 2)
	assert.Equal(t, "validation failed: 2 invalid fields", err.Error())
	assert.Nil(t, Fields(errors.New("plain")))
}
