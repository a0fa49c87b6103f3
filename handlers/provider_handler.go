package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/upb/llm-provider-manager/services/manager"
	"github.com/upb/llm-provider-manager/services/routing"
	"github.com/upb/llm-provider-manager/utils"
	"go.uber.org/zap"
)

const healthCheckTimeout = 30 * time.Second

// ProvidersResponse lists every registered provider
type ProvidersResponse struct {
	Active    string                            `json:"active,omitempty"`
	Strategy  routing.Strategy                  `json:"strategy"`
	Providers map[string]manager.ProviderStatus `json:"providers"`
}

// SetActiveRequest selects the provider used for direct calls
type SetActiveRequest struct {
	Provider string `json:"provider" validate:"required"`
}

// UpdateProviderRequest changes rotation settings of one provider
type UpdateProviderRequest struct {
	Enabled *bool    `json:"enabled,omitempty"`
	Weight  *float64 `json:"weight,omitempty" validate:"omitempty,gte=0"`
}

// ProviderHandler exposes provider status and administration
type ProviderHandler struct {
	service ProviderService
	logger  *zap.Logger
}

// NewProviderHandler creates a new ProviderHandler
func NewProviderHandler(service ProviderService, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{
		service: service,
		logger:  logger,
	}
}

// HandleList handles GET /api/v1/providers
func (h *ProviderHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.snapshot())
}

// HandleAvailable handles GET /api/v1/providers/available
func (h *ProviderHandler) HandleAvailable(w http.ResponseWriter, r *http.Request) {
	available := h.service.GetAvailableProviders()
	sort.Strings(available)
	_ = utils.WriteOK(w, available)
}

// HandleSetActive handles PUT /api/v1/providers/active
func (h *ProviderHandler) HandleSetActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		_ = utils.WriteBadRequest(w, "invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if err := h.service.SetActiveProvider(req.Provider); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("active provider set over API",
		zap.String("provider", req.Provider),
		zap.String("request_id", middleware.GetReqID(r.Context())))
	_ = utils.WriteOK(w, h.snapshot())
}

// HandleUpdate handles PATCH /api/v1/providers/{id}
func (h *ProviderHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateProviderRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		_ = utils.WriteBadRequest(w, "invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	if req.Weight != nil {
		if err := h.service.SetProviderWeight(id, *req.Weight); err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
	}
	if req.Enabled != nil {
		if err := h.service.SetProviderEnabled(id, *req.Enabled); err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
	}

	status, ok := h.service.GetAllProviderStatus()[id]
	if !ok {
		_ = utils.WriteNotFound(w, "provider not found: "+id)
		return
	}
	_ = utils.WriteOK(w, status)
}

// HandleHealthCheck handles POST /api/v1/providers/health-check
// Runs one probe round synchronously and returns the resulting status
func (h *ProviderHandler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	h.service.CheckHealth(ctx)
	_ = utils.WriteOK(w, h.snapshot())
}

func (h *ProviderHandler) snapshot() ProvidersResponse {
	return ProvidersResponse{
		Active:    h.service.ActiveProvider(),
		Strategy:  h.service.Strategy(),
		Providers: h.service.GetAllProviderStatus(),
	}
}
