package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/gateway"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeUnavailable  = "unavailable"
)

// domainErrors maps bridge errors to responses. The first match wins;
// validation errors carry the error text since it names the bad field.
var domainErrors = []struct {
	target  error
	status  int
	code    string
	message string
}{
	{device.ErrDeviceNotFound, http.StatusNotFound, ErrCodeNotFound, "device not found"},
	{device.ErrUnitNotFound, http.StatusNotFound, ErrCodeNotFound, "unit not found"},
	{gateway.ErrInvalidCommand, http.StatusBadRequest, ErrCodeValidation, ""},
	{device.ErrInvalidCommand, http.StatusBadRequest, ErrCodeValidation, ""},
	{device.ErrUnsupportedCommand, http.StatusBadRequest, ErrCodeValidation, ""},
	{gateway.ErrTransportUnavailable, http.StatusServiceUnavailable, ErrCodeUnavailable, "device cannot be reached"},
}

// domainError returns the response for a known bridge error. ok is false
// for anything else, which callers log and report as a 500.
func domainError(err error) (resp Error, ok bool) {
	for _, d := range domainErrors {
		if !errors.Is(err, d.target) {
			continue
		}
		msg := d.message
		if msg == "" {
			msg = err.Error()
		}
		return Error{Status: d.status, Code: d.code, Message: msg}, true
	}
	return Error{}, false
}

// writeDomainError writes the mapped response for err, or a 500 with
// fallback as the message. It reports whether err was a known error.
func writeDomainError(w http.ResponseWriter, err error, fallback string) bool {
	if resp, ok := domainError(err); ok {
		writeJSON(w, resp.Status, resp)
		return true
	}
	writeInternalError(w, fallback)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Client may have gone away
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeValidationError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

func writeServiceUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}
