package handlers

import (
	"errors"
	"net/http"

	"github.com/upb/llm-provider-manager/services/providers"
	"github.com/upb/llm-provider-manager/services/routing"
	"github.com/upb/llm-provider-manager/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps provider manager errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	var writeErr error
	switch {
	case errors.Is(err, providers.ErrProviderNotFound):
		writeErr = utils.WriteNotFound(w, err.Error())

	case utils.IsValidationError(err):
		details := make(map[string]interface{})
		for field, msg := range utils.GetValidationFields(err) {
			details[field] = msg
		}
		writeErr = utils.WriteBadRequest(w, err.Error(), details)

	case errors.Is(err, providers.ErrUnknownProviderType),
		errors.Is(err, routing.ErrRoutingStrategyNotFound):
		writeErr = utils.WriteBadRequest(w, err.Error(), nil)

	case errors.Is(err, providers.ErrNotSupported):
		writeErr = utils.WriteError(w, http.StatusNotImplemented, "not_supported", err.Error(), nil)

	case errors.Is(err, providers.ErrNoActiveProvider),
		errors.Is(err, providers.ErrNoAvailableProviders),
		errors.Is(err, providers.ErrManagerClosed):
		writeErr = utils.WriteServiceUnavailable(w, err.Error())

	case errors.Is(err, providers.ErrAllProvidersFailed):
		writeErr = utils.WriteError(w, http.StatusBadGateway, "all_providers_failed", err.Error(), nil)

	case errors.Is(err, providers.ErrInvalidCredentials):
		writeErr = utils.WriteError(w, http.StatusBadGateway, "provider_credentials_rejected", err.Error(), nil)

	default:
		logger.Error("unexpected service error", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}
