package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnelworks/crm-core/pkg/apierr"
)

func TestWriteSuccessEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteSuccess(rec, http.StatusCreated, map[string]string{"id": "l1"}))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"success":true,"data":{"id":"l1"}}`, rec.Body.String())
}

func TestWriteAPIError(t *testing.T) {
	t.Run("typed error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteAPIError(rec, apierr.NewNotFound("lead"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"success":false,"error":"lead not found"}`, rec.Body.String())
	})

	t.Run("validation carries field errors", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteAPIError(rec, apierr.NewValidation("status", "must be a valid status", "INVALID_STATUS"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), `"errors"`)
		assert.Contains(t, rec.Body.String(), `"INVALID_STATUS"`)
	})

	t.Run("unclassified error is masked", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteAPIError(rec, assert.AnError)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
		assert.Contains(t, rec.Body.String(), "internal server error")
	})
}

func TestMarshalSuccessMatchesWriteSuccess(t *testing.T) {
	body, err := MarshalSuccess(map[string]int{"total": 2})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, WriteSuccess(rec, http.StatusOK, map[string]int{"total": 2}))
	assert.JSONEq(t, rec.Body.String(), string(body))
}

func TestParseJSON(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"Acme"}`))
	require.NoError(t, ParseJSON(r, &dst))
	assert.Equal(t, "Acme", dst.Name)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	err := ParseJSON(r, &dst)
	var validation *apierr.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=25", nil)
	n, err := QueryInt(r, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	n, err = QueryInt(r, "offset", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	r = httptest.NewRequest(http.MethodGet, "/?limit=lots", nil)
	_, err = QueryInt(r, "limit", 50)
	assert.Error(t, err)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:54321"
	assert.Equal(t, "10.0.0.9", ClientIP(r))

	r.Header.Set("X-Real-IP", "203.0.113.7")
	assert.Equal(t, "203.0.113.7", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	assert.Equal(t, "198.51.100.4", ClientIP(r), "first hop is the original client")
}
