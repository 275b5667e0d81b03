// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding, and request parsing.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/depot-registry/depot/pkg/domain"
)

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, status int, err error) {
	WriteErrorMessage(w, status, err.Error())
}

// WriteErrorMessage writes a JSON error response with a custom message
func WriteErrorMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// WriteValidationError writes a validation error response (400 Bad Request)
func WriteValidationError(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusBadRequest, message)
}

// WriteInternalError writes an internal server error response (500)
func WriteInternalError(w http.ResponseWriter, err error) {
	WriteError(w, http.StatusInternalServerError, err)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteUnauthorized writes an unauthorized error (401)
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusUnauthorized, message)
}

// WriteForbidden writes a forbidden error (403)
func WriteForbidden(w http.ResponseWriter, message string) {
	WriteErrorMessage(w, http.StatusForbidden, message)
}

// DomainErrorResponse is the wire shape for a failed domain operation.
type DomainErrorResponse struct {
	Error        string   `json:"error"`
	Kind         string   `json:"kind,omitempty"`
	Missing      []string `json:"missing,omitempty"`
	NoMembership bool     `json:"noMembership,omitempty"`
}

// DomainErrorResponseOf builds the wire shape for a domain error without
// writing it, for responses that embed per-item errors. Unknown-kind errors
// wrap store and driver internals, so their text never reaches the wire.
func DomainErrorResponseOf(err error) *DomainErrorResponse {
	resp := &DomainErrorResponse{Error: "internal error"}
	derr, ok := domain.AsError(err)
	if !ok {
		return resp
	}

	resp.Kind = derr.Kind.String()
	if derr.Kind != domain.KindUnknown {
		resp.Error = derr.Error()
	}
	if derr.Kind == domain.KindInsufficientPrivileges {
		resp.Missing = derr.Missing
		resp.NoMembership = derr.NoMembership
	}
	return resp
}

// WriteDomainError translates a domain error into the HTTP status and body
// for its kind. Unrecognized errors map to 500.
func WriteDomainError(w http.ResponseWriter, err error) {
	resp := DomainErrorResponseOf(err)
	status := http.StatusInternalServerError

	if derr, ok := domain.AsError(err); ok {
		switch derr.Kind {
		case domain.KindNotFound:
			status = http.StatusNotFound
		case domain.KindAlreadyTerminal, domain.KindInvalidTransition, domain.KindConstraintViolation:
			status = http.StatusConflict
		case domain.KindInsufficientPrivileges:
			status = http.StatusForbidden
		case domain.KindUnauthenticated:
			status = http.StatusUnauthorized
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
