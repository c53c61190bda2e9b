package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/engine"
	"github.com/xela07ax/studiocrm-agent/internal/infra/auth"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

type Handler struct {
	assistant Assistant
	logger    *zap.Logger
}

func NewHandler(a Assistant, logger *zap.Logger) *Handler {
	return &Handler{assistant: a, logger: logger}
}

type TurnRequest struct {
	Message string `json:"message"`
}

type DecisionRequest struct {
	Comment string `json:"comment"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

func (h *Handler) Turn(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())

	var req TurnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	res, err := h.assistant.HandleTurn(r.Context(), engine.TurnRequest{
		TenantID: p.TenantID,
		UserID:   p.UserID,
		Message:  req.Message,
		TraceID:  TraceID(r.Context()),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decision(w, r)
	if !ok {
		return
	}
	res, err := h.assistant.ConfirmPlan(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decision(w, r)
	if !ok {
		return
	}
	pp, err := h.assistant.RejectPlan(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pp)
}

// decision тело запроса опционально: комментарий ревьюера.
func (h *Handler) decision(w http.ResponseWriter, r *http.Request) (engine.DecisionRequest, bool) {
	p, _ := auth.PrincipalFrom(r.Context())

	var body DecisionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
			h.writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid request body")
			return engine.DecisionRequest{}, false
		}
	}
	return engine.DecisionRequest{
		TenantID:   p.TenantID,
		ReviewerID: p.UserID,
		PlanID:     chi.URLParam(r, "id"),
		Comment:    body.Comment,
		TraceID:    TraceID(r.Context()),
	}, true
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())

	list, err := h.assistant.ListPending(r.Context(), p.TenantID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFrom(r.Context())

	history, err := h.assistant.History(r.Context(), p.TenantID, p.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if history == nil {
		history = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": history})
}

// fail переводит ошибки control plane в HTTP-статусы. Детали внутренних ошибок наружу не отдаются.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		credErr   *domain.CredentialLoadError
		planErr   *domain.PlanGenerationError
		configErr *domain.ConfigurationError
		authErr   *domain.AuthorizationError
	)
	switch {
	case errors.Is(err, engine.ErrEmptyMessage):
		h.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.As(err, &planErr):
		h.writeError(w, r, http.StatusUnprocessableEntity, "plan_generation_failed", "could not turn the request into a plan, please rephrase")
	case errors.As(err, &credErr):
		h.logger.Error("credential load failed", zap.String("tenant_id", credErr.TenantID), zap.Error(err))
		h.writeError(w, r, http.StatusServiceUnavailable, "credentials_unavailable", "studio integrations are temporarily unavailable")
	case errors.As(err, &configErr):
		h.logger.Error("configuration error", zap.Error(err))
		h.writeError(w, r, http.StatusServiceUnavailable, "configuration_error", "assistant is not configured")
	case errors.As(err, &authErr):
		h.writeError(w, r, http.StatusForbidden, "forbidden", authErr.Error())
	case errors.Is(err, domain.ErrPlanNotFound):
		h.writeError(w, r, http.StatusNotFound, "plan_not_found", err.Error())
	case errors.Is(err, domain.ErrPlanNotPending):
		h.writeError(w, r, http.StatusConflict, "plan_not_pending", err.Error())
	case errors.Is(err, domain.ErrPlanExpired):
		h.writeError(w, r, http.StatusGone, "plan_expired", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, r, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		h.logger.Error("request failed", zap.String("trace_id", TraceID(r.Context())), zap.Error(err))
		h.writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg, TraceID: TraceID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
