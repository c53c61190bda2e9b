package console

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"go.uber.org/zap"
)

type TenantHandler struct {
	service *TenantService
	logger  *zap.Logger
}

func NewTenantHandler(s *TenantService, logger *zap.Logger) *TenantHandler {
	return &TenantHandler{service: s, logger: logger}
}

// GetPolicy GET /v1/tenants/{id}/policy
func (h *TenantHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.service.Policy(r.Context(), id)
	if err != nil {
		h.internal(w, "failed to retrieve policy", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PutPolicy PUT /v1/tenants/{id}/policy. Tenant из пути главнее тела.
func (h *TenantHandler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	var p domain.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid policy body", http.StatusBadRequest)
		return
	}
	p.TenantID = chi.URLParam(r, "id")

	if err := h.service.UpdatePolicy(r.Context(), &p); err != nil {
		if errors.Is(err, ErrInvalidPolicy) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.internal(w, "failed to update policy", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// credentialsRequest открытые значения секретов. В ответах и логах не появляются.
type credentialsRequest struct {
	Currency     string `json:"currency"`
	MailHost     string `json:"mail_host"`
	MailUsername string `json:"mail_username"`
	MailFrom     string `json:"mail_from"`
	MailPassword string `json:"mail_password"`
	PaymentKey   string `json:"payment_key"`
	ModelAPIKey  string `json:"model_api_key"`
	ModelName    string `json:"model_name"`
}

// PutCredentials PUT /v1/tenants/{id}/credentials
func (h *TenantHandler) PutCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid credentials body", http.StatusBadRequest)
		return
	}

	err := h.service.ProvisionCredentials(r.Context(), domain.Credentials{
		TenantID: chi.URLParam(r, "id"),
		Currency: req.Currency,
		Mail: domain.MailCredentials{
			Host:     req.MailHost,
			Username: req.MailUsername,
			From:     req.MailFrom,
			Password: domain.Secret(req.MailPassword),
		},
		PaymentKey:  domain.Secret(req.PaymentKey),
		ModelAPIKey: domain.Secret(req.ModelAPIKey),
		ModelName:   req.ModelName,
	})
	if err != nil {
		if errors.Is(err, ErrNoMasterKey) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		h.internal(w, "failed to provision credentials", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Switch переключатели тенанта: suspend, resume, supervise, release.
func (h *TenantHandler) Switch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "suspend":
		err = h.service.Suspend(r.Context(), id)
	case "resume":
		err = h.service.Resume(r.Context(), id)
	case "supervise":
		err = h.service.Supervise(r.Context(), id)
	case "release":
		err = h.service.Release(r.Context(), id)
	default:
		http.Error(w, "unknown action "+action, http.StatusNotFound)
		return
	}
	if err != nil {
		h.internal(w, "failed to switch tenant state", err)
		return
	}
	writeJSON(w, http.StatusOK, h.service.Status(r.Context(), id))
}

// Status GET /v1/tenants/{id}/status
func (h *TenantHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status(r.Context(), chi.URLParam(r, "id")))
}

// AuditLog GET /v1/tenants/{id}/audit?limit=50
func (h *TenantHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.service.AuditLog(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.internal(w, "failed to fetch audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *TenantHandler) internal(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	http.Error(w, msg, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
