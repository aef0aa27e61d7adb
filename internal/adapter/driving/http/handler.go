package httphandler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FredrikElliot/ha-nimly-manager/internal/application"
	"github.com/FredrikElliot/ha-nimly-manager/internal/metrics"
)

// Handler is the HTTP driving adapter that serves the REST API. Every route
// decodes into an application.Request and goes through RequestHandler.
type Handler struct {
	requests *application.RequestHandler
	logger   *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(requests *application.RequestHandler, logger *slog.Logger) *Handler {
	return &Handler{
		requests: requests,
		logger:   logger,
	}
}

// NewServeMux creates an http.Handler with the REST routes, the panel
// WebSocket and the metrics endpoint registered and wrapped with logging,
// metrics and recovery middleware. m may be nil, which disables /metrics.
func NewServeMux(h *Handler, ws *WebSocket, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/codes", h.ListCodes)
	mux.HandleFunc("POST /api/v1/codes", h.AddCode)
	mux.HandleFunc("DELETE /api/v1/codes/{slot}", h.RemoveCode)
	mux.HandleFunc("PUT /api/v1/codes/{slot}/expiry", h.UpdateExpiry)
	mux.HandleFunc("GET /api/v1/slots/suggest", h.SuggestSlots)
	mux.HandleFunc("GET /api/v1/config", h.Config)
	mux.HandleFunc("POST /api/v1/cleanup", h.CleanupExpired)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	if ws != nil {
		mux.Handle("GET /api/websocket", ws)
	}
	if m != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = metricsMiddleware(m, wrapped)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// ListCodes returns every stored code.
func (h *Handler) ListCodes(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, application.ListRequest{}, http.StatusOK)
}

// AddCode programs a new code into the lock and stores it.
func (h *Handler) AddCode(w http.ResponseWriter, r *http.Request) {
	var req application.AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request body")
		return
	}

	h.serve(w, r, req, http.StatusCreated)
}

// RemoveCode erases the code in the slot named by the path.
func (h *Handler) RemoveCode(w http.ResponseWriter, r *http.Request) {
	slot, ok := pathSlot(w, r)
	if !ok {
		return
	}

	h.serve(w, r, application.RemoveRequest{Slot: &slot}, http.StatusOK)
}

// UpdateExpiry sets or clears the expiry of the code in the slot named by the path.
func (h *Handler) UpdateExpiry(w http.ResponseWriter, r *http.Request) {
	slot, ok := pathSlot(w, r)
	if !ok {
		return
	}

	var body UpdateExpiryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid request body")
		return
	}

	h.serve(w, r, application.UpdateExpiryRequest{Slot: &slot, Expiry: body.Expiry}, http.StatusOK)
}

// SuggestSlots returns free slots in ascending order. The optional count
// query parameter defaults to five.
func (h *Handler) SuggestSlots(w http.ResponseWriter, r *http.Request) {
	var count int
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid count")
			return
		}
		count = n
	}

	h.serve(w, r, application.SuggestSlotsRequest{Count: count}, http.StatusOK)
}

// Config returns the current expiry settings.
func (h *Handler) Config(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, application.ConfigRequest{}, http.StatusOK)
}

// CleanupExpired runs an expiry sweep immediately.
func (h *Handler) CleanupExpired(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, application.CleanupExpiredRequest{}, http.StatusOK)
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// serve runs req and writes either its response with status or the mapped error.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, req application.Request, status int) {
	resp, err := h.requests.Handle(r.Context(), req)
	if err != nil {
		code, httpStatus, message := errorCode(err)
		if httpStatus >= http.StatusInternalServerError {
			h.logger.Error("request failed", "path", r.URL.Path, "code", code, "error", err)
		}
		writeError(w, httpStatus, code, message)
		return
	}

	writeJSON(w, status, resp)
}

// pathSlot parses the {slot} path value, writing a 400 when it is not a number.
func pathSlot(w http.ResponseWriter, r *http.Request) (int, bool) {
	slot, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidInput, "invalid slot number")
		return 0, false
	}
	return slot, true
}
