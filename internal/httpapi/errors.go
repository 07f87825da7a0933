package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"outreach-engine/internal/breaker"
	"outreach-engine/internal/outreach"
	"outreach-engine/internal/store"
	"outreach-engine/internal/transport"
)

type APIError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
		Details   any    `json:"details,omitempty"`
	} `json:"error"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeErrorDetails(w, r, status, code, message, nil)
}

func writeErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	var e APIError
	e.Error.Code = code
	e.Error.Message = message
	e.Error.RequestID = RequestIDFrom(r.Context())
	e.Error.Details = details
	WriteJSON(w, status, e)
}

// writeDomainError maps package sentinels onto the error envelope.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, outreach.ErrIllegalTransition):
		WriteError(w, r, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, store.ErrConflict):
		WriteError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, breaker.ErrOpen):
		WriteError(w, r, http.StatusServiceUnavailable, "circuit_open", err.Error())
	case errors.Is(err, transport.ErrTransport):
		WriteError(w, r, http.StatusBadGateway, "transport_error", err.Error())
	case errors.Is(err, outreach.ErrPersistence):
		WriteError(w, r, http.StatusServiceUnavailable, "persistence_error", err.Error())
	default:
		WriteError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
