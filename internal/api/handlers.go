package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/venice-relay/internal/errs"
	"github.com/shehryarbajwa/venice-relay/internal/session"
	"github.com/shehryarbajwa/venice-relay/pkg/models"
)

const healthTimeout = 5 * time.Second

// Chatter is the automation service as seen by the HTTP layer
type Chatter interface {
	Chat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error)
	Sessions() []models.SessionInfo
	SessionCount() int
	CloseSession(chatID string) error
	Pending() int
}

// HealthChecker reports whether the shared browser is still usable
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	svc         Chatter
	browser     HealthChecker
	exposeStack bool
	log         *zap.Logger
}

// NewHandler creates a new HTTP handler. exposeStack adds stack traces to
// 500 responses.
func NewHandler(svc Chatter, exposeStack bool, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, exposeStack: exposeStack, log: logger}
}

// WithHealthCheck makes /healthz report the browser's state
func (h *Handler) WithHealthCheck(browser HealthChecker) *Handler {
	h.browser = browser
	return h
}

// Chat handles POST /chat
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{
			Error: "Invalid request body: " + err.Error(),
			Kind:  string(errs.InvalidRequest),
		})
		return
	}

	resp, err := h.svc.Chat(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSessions handles GET /sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Sessions())
}

// DeleteSession handles DELETE /sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.svc.CloseSession(id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "Session not found"})
			return
		}
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /healthz. It answers 503 once the browser is gone.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"sessions": h.svc.SessionCount(),
		"pending":  h.svc.Pending(),
	}

	if h.browser != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := h.browser.Healthy(ctx); err != nil {
			h.log.Warn("Browser health check failed", zap.Error(err))
			body["status"] = "unavailable"
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// StatusFor maps a failure kind to its HTTP status
func StatusFor(kind errs.Kind) int {
	switch kind {
	case errs.InvalidRequest:
		return http.StatusBadRequest
	case errs.Capacity, errs.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := StatusFor(kind)

	body := models.ErrorResponse{Error: err.Error(), Kind: string(kind)}
	if status == http.StatusInternalServerError {
		body.Error = summary(kind)
		body.Details = err.Error()
		if h.exposeStack {
			body.Stack = errs.Stack(err)
		}
		h.log.Error("Request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	writeJSON(w, status, body)
}

func summary(kind errs.Kind) string {
	switch kind {
	case errs.NavigationFailed:
		return "Failed to find or create chat session"
	case errs.ElementTimeout:
		return "Timed out waiting for the chat page"
	case errs.PromptEntryFailed:
		return "Prompt was not correctly entered"
	case errs.LoginFailed:
		return "Login failed"
	case errs.ModelMismatch:
		return "Requested model could not be selected"
	default:
		return "Internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
