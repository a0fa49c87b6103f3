package app

import (
	"context"
	"fmt"

	"github.com/upb/llm-provider-manager/config"
	"github.com/upb/llm-provider-manager/services/events"
	"github.com/upb/llm-provider-manager/services/manager"
	"github.com/upb/llm-provider-manager/services/providers"
	"github.com/upb/llm-provider-manager/services/providers/openai"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	Config  *config.Config
	Logger  *zap.Logger
	Factory *providers.Factory
	Manager *manager.Manager

	unsubscribe func()
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	return NewDependenciesWithFactory(ctx, cfg, openai.RegisterBuilders(providers.NewFactory()), logger)
}

// NewDependenciesWithFactory wires dependencies around a caller supplied
// provider factory
func NewDependenciesWithFactory(ctx context.Context, cfg *config.Config, factory *providers.Factory, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		Factory: factory,
	}

	if err := deps.initManager(); err != nil {
		return nil, fmt.Errorf("failed to initialize provider manager: %w", err)
	}

	deps.initProviders(ctx)

	logger.Info("all dependencies initialized successfully",
		zap.Strings("available_providers", deps.Manager.GetAvailableProviders()))
	return deps, nil
}

// initManager creates the provider manager and hooks its events into the log
func (d *Dependencies) initManager() error {
	m, err := manager.New(d.Config.Manager, d.Factory, d.Logger)
	if err != nil {
		return err
	}
	d.Manager = m
	d.unsubscribe = m.Subscribe(d.logEvent)
	return nil
}

// initProviders registers every configured provider. Failures are logged and
// skipped so one bad credential does not keep the others from serving.
func (d *Dependencies) initProviders(ctx context.Context) {
	registered := d.Manager.RegisterAll(ctx, d.Config.Providers)

	if len(registered) == 0 {
		d.Logger.Warn("no LLM providers registered")
		return
	}

	// direct mode needs an active provider to serve anything
	if !d.Config.Manager.EnableFailover && d.Manager.ActiveProvider() == "" {
		if err := d.Manager.SetActiveProvider(registered[0]); err == nil {
			d.Logger.Info("no default provider configured, activated first registered provider",
				zap.String("provider", registered[0]))
		}
	}
}

func (d *Dependencies) logEvent(e events.Event) {
	fields := []zap.Field{
		zap.String("event", string(e.Kind)),
		zap.String("provider", e.Provider),
	}
	if e.RequestID != "" {
		fields = append(fields, zap.String("request_id", e.RequestID))
	}
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}
	d.Logger.Debug("provider event", fields...)
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	if d.unsubscribe != nil {
		d.unsubscribe()
	}

	if d.Manager != nil {
		d.Manager.Dispose()
		d.Logger.Info("provider manager disposed")
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return nil
}
