package handlers

import (
	"context"

	"github.com/upb/llm-provider-manager/services/manager"
	"github.com/upb/llm-provider-manager/services/routing"
)

// ProviderService is the part of the provider manager exposed over HTTP
type ProviderService interface {
	GetAllProviderStatus() map[string]manager.ProviderStatus
	GetAvailableProviders() []string
	ActiveProvider() string
	SetActiveProvider(id string) error
	SetProviderEnabled(id string, enabled bool) error
	SetProviderWeight(id string, weight float64) error
	Strategy() routing.Strategy
	CheckHealth(ctx context.Context)
	Closed() bool
}
