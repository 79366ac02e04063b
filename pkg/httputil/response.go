// Package httputil provides HTTP handler utilities for the shared response
// envelope, JSON encoding/decoding, and request parsing.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/funnelworks/crm-core/pkg/apierr"
)

// Envelope is the response shape every endpoint returns.
type Envelope struct {
	Success bool                `json:"success"`
	Data    interface{}         `json:"data,omitempty"`
	Message string              `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
	Errors  []apierr.FieldError `json:"errors,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a success envelope with the given status code and data.
func WriteSuccess(w http.ResponseWriter, status int, data interface{}) error {
	return WriteJSON(w, status, Envelope{Success: true, Data: data})
}

// WriteMessage writes a success envelope carrying only a message.
func WriteMessage(w http.ResponseWriter, status int, message string) error {
	return WriteJSON(w, status, Envelope{Success: true, Message: message})
}

// WriteAPIError maps err through the error taxonomy and writes the failure
// envelope. Unclassified errors become a generic 500.
func WriteAPIError(w http.ResponseWriter, err error) {
	status := apierr.HTTPStatus(err)
	WriteJSON(w, status, Envelope{
		Success: false,
		Error:   apierr.PublicMessage(err),
		Errors:  apierr.Fields(err),
	})
}

// MarshalSuccess renders a success envelope to bytes without writing it, for
// callers that persist the body before sending (idempotency commit).
func MarshalSuccess(data interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Success: true, Data: data})
}
