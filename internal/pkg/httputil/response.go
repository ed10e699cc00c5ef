// Package httputil holds the HTTP plumbing shared by the ingest and ops APIs.
package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// Responses on /api/v1 are wrapped as {"data": ...} or {"error": {...}}.
type dataEnvelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// FieldError describes one rejected request field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "status", status, "error", err)
	}
}

// JSON writes body without an envelope.
func JSON(w http.ResponseWriter, status int, body any) {
	writeJSON(w, status, body)
}

// Text writes a plain text response. Used by the health probes.
func Text(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(text)); err != nil {
		slog.Error("failed to write response", "status", status, "error", err)
	}
}

// Success writes data inside the {"data": ...} envelope.
func Success(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, dataEnvelope{Data: data})
}

// Error writes message inside the {"error": ...} envelope.
func Error(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Message: message}})
}

// ValidationError writes a 400 listing the rejected fields. Errors that are
// not validator.ValidationErrors are reported by their text.
func ValidationError(w http.ResponseWriter, err error) {
	body := errorBody{Message: "validation error"}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		details := make([]FieldError, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			details = append(details, FieldError{Field: fe.Field(), Rule: fe.Tag()})
		}
		body.Details = details
	} else {
		body.Details = err.Error()
	}

	writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: body})
}
