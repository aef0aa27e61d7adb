package httphandler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/FredrikElliot/ha-nimly-manager/internal/application"
	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/port/driven"
)

// Error codes shared by the REST and WebSocket transports.
const (
	codeInvalidInput      = "invalid_input"
	codeSlotOccupied      = "slot_occupied"
	codeNoFreeSlots       = "no_free_slots"
	codeNotFound          = "not_found"
	codeLockUnavailable   = "lock_unavailable"
	codeInconsistentState = "inconsistent_state"
	codeInternalError     = "internal_error"
	codeUnknownCommand    = "unknown_command"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"internal_error","message":"internal server error"}}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code, error
// code and message.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// UpdateExpiryBody is the JSON body of PUT /api/v1/codes/{slot}/expiry. A null
// or missing expiry clears it.
type UpdateExpiryBody struct {
	Expiry *string `json:"expiry"`
}

// errorCode maps a core error to its wire code and HTTP status. Internal
// errors never expose their message.
func errorCode(err error) (code string, status int, message string) {
	switch {
	case errors.Is(err, application.ErrValidation):
		return codeInvalidInput, http.StatusBadRequest, validationMessage(err)
	case errors.Is(err, application.ErrSlotConflict):
		return codeSlotOccupied, http.StatusConflict, err.Error()
	case errors.Is(err, application.ErrNoFreeSlots):
		return codeNoFreeSlots, http.StatusConflict, err.Error()
	case errors.Is(err, application.ErrNotFound):
		return codeNotFound, http.StatusNotFound, err.Error()
	case errors.Is(err, application.ErrInconsistentState):
		return codeInconsistentState, http.StatusInternalServerError, err.Error()
	case errors.Is(err, application.ErrLockWrite), errors.Is(err, driven.ErrLockUnavailable):
		return codeLockUnavailable, http.StatusServiceUnavailable, err.Error()
	default:
		return codeInternalError, http.StatusInternalServerError, "internal server error"
	}
}

func validationMessage(err error) string {
	var vErr *application.ValidationError
	if errors.As(err, &vErr) {
		return vErr.Error()
	}
	return err.Error()
}
