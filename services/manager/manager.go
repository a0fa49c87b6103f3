// Package manager routes chat completion requests across interchangeable
// providers. It selects a provider with the configured load balancing
// strategy, fails over to alternates on error, keeps per-provider usage and
// health state, and reports lifecycle changes as events.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/llm-provider-manager/services/events"
	"github.com/upb/llm-provider-manager/services/health"
	"github.com/upb/llm-provider-manager/services/providers"
	"github.com/upb/llm-provider-manager/services/routing"
	"github.com/upb/llm-provider-manager/utils"
	"go.uber.org/zap"
)

// Config holds configuration for the provider manager
type Config struct {
	// DefaultProviderID becomes the active provider once it registers
	DefaultProviderID string `yaml:"default_provider"`

	// LoadBalanceStrategy chooses among eligible providers
	LoadBalanceStrategy routing.Strategy `yaml:"load_balance_strategy" validate:"required,oneof=round_robin random least_connections fastest_response weighted"`

	// EnableFailover retries failed requests against other providers
	EnableFailover bool `yaml:"enable_failover"`

	// MaxRetries bounds the number of providers tried per request
	MaxRetries int `yaml:"max_retries" validate:"gte=1"`

	// HealthCheckInterval between probe rounds, 0 disables periodic checks
	HealthCheckInterval time.Duration `yaml:"health_check_interval" validate:"gte=0"`

	// HealthCheckTimeout bounds a single probe
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout" validate:"gte=0"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		LoadBalanceStrategy: routing.StrategyRoundRobin,
		EnableFailover:      true,
		MaxRetries:          3,
		HealthCheckInterval: time.Minute,
		HealthCheckTimeout:  health.DefaultProbeTimeout,
	}
}

// ProviderStatus is the externally visible state of one provider
type ProviderStatus struct {
	providers.AdapterSnapshot
	IsDefault bool `json:"is_default"`
}

// Manager multiplexes chat requests across registered providers.
// It is safe for concurrent use.
type Manager struct {
	config   Config
	factory  *providers.Factory
	registry *providers.Registry
	balancer *routing.Balancer
	monitor  *health.Monitor
	bus      *events.Bus
	logger   *zap.Logger

	closed      atomic.Bool
	disposeOnce sync.Once
}

// New creates a manager and starts its health monitor
func New(config Config, factory *providers.Factory, logger *zap.Logger) (*Manager, error) {
	if err := utils.ValidateStruct(config); err != nil {
		return nil, fmt.Errorf("invalid manager config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if factory == nil {
		factory = providers.NewFactory()
	}

	balancer, err := routing.NewBalancer(config.LoadBalanceStrategy)
	if err != nil {
		return nil, err
	}

	registry := providers.NewRegistry()
	bus := events.NewBus()

	m := &Manager{
		config:   config,
		factory:  factory,
		registry: registry,
		balancer: balancer,
		bus:      bus,
		logger:   logger,
		monitor:  health.NewMonitor(registry, bus, config.HealthCheckInterval, config.HealthCheckTimeout, logger.Named("health")),
	}
	m.monitor.Start()

	logger.Info("provider manager created",
		zap.String("strategy", string(config.LoadBalanceStrategy)),
		zap.Bool("failover", config.EnableFailover),
		zap.Int("max_retries", config.MaxRetries),
		zap.Duration("health_check_interval", config.HealthCheckInterval))

	return m, nil
}

// RegisterProvider builds, initializes and registers a provider. The builder
// is chosen by config.Type, or by id when Type is empty. Failures are
// reported as a provider-registration-failed event and returned.
func (m *Manager) RegisterProvider(ctx context.Context, id string, config providers.ProviderConfig) error {
	if m.closed.Load() {
		return providers.ErrManagerClosed
	}
	if err := utils.ValidateStruct(config); err != nil {
		return m.registrationFailed(id, fmt.Errorf("invalid provider config: %w", err))
	}

	providerType := config.Type
	if providerType == "" {
		providerType = id
	}

	provider, err := m.factory.Build(providerType, config)
	if err != nil {
		return m.registrationFailed(id, err)
	}

	return m.RegisterAdapter(ctx, id, provider, config)
}

// RegisterAdapter initializes and registers a caller-built provider
func (m *Manager) RegisterAdapter(ctx context.Context, id string, provider providers.Provider, config providers.ProviderConfig) error {
	if m.closed.Load() {
		return providers.ErrManagerClosed
	}
	if provider == nil {
		return m.registrationFailed(id, errors.New("provider cannot be nil"))
	}

	if err := provider.Initialize(ctx, config); err != nil {
		return m.registrationFailed(id, fmt.Errorf("failed to initialize provider %s: %w", id, err))
	}

	_, replaced, err := m.registry.Put(id, provider, config.Weight)
	if err != nil {
		return m.registrationFailed(id, err)
	}

	m.logger.Info("provider registered",
		zap.String("provider", id),
		zap.String("type", provider.Name()),
		zap.Bool("replaced", replaced != nil))
	m.publish(events.Event{Kind: events.ProviderRegistered, Provider: id})

	if id == m.config.DefaultProviderID && m.registry.ActiveID() != id {
		if err := m.SetActiveProvider(id); err != nil {
			return err
		}
	}

	return nil
}

// RegisterAll registers every configured provider. A failing provider is
// logged and reported as an event without stopping the others. It returns
// the identifiers that registered, in sorted order.
func (m *Manager) RegisterAll(ctx context.Context, configs map[string]providers.ProviderConfig) []string {
	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	registered := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := m.RegisterProvider(ctx, id, configs[id]); err != nil {
			continue
		}
		registered = append(registered, id)
	}
	return registered
}

func (m *Manager) registrationFailed(id string, err error) error {
	m.logger.Warn("provider registration failed",
		zap.String("provider", id),
		zap.Error(err))
	m.publish(events.Event{Kind: events.ProviderRegistrationFailed, Provider: id, Err: err})
	return err
}

// RemoveProvider deregisters a provider. When it was the active provider
// the reference is cleared and direct calls fail with ErrNoActiveProvider.
func (m *Manager) RemoveProvider(id string) error {
	_, wasActive, err := m.registry.Remove(id)
	if err != nil {
		return fmt.Errorf("%w: %s", err, id)
	}

	m.logger.Info("provider removed", zap.String("provider", id))
	m.publish(events.Event{Kind: events.ProviderRemoved, Provider: id})

	if wasActive {
		m.logger.Info("active provider cleared", zap.String("provider", id))
		m.publish(events.Event{Kind: events.ActiveProviderChanged})
	}
	return nil
}

// SetActiveProvider selects the provider used by direct calls
func (m *Manager) SetActiveProvider(id string) error {
	if err := m.registry.SetActive(id); err != nil {
		return fmt.Errorf("%w: %s", err, id)
	}

	m.logger.Info("active provider changed", zap.String("provider", id))
	m.publish(events.Event{Kind: events.ActiveProviderChanged, Provider: id})
	return nil
}

// ActiveProvider returns the active provider identifier, empty when unset
func (m *Manager) ActiveProvider() string {
	return m.registry.ActiveID()
}

// GetAvailableProviders returns the identifiers of every active and healthy provider
func (m *Manager) GetAvailableProviders() []string {
	return m.registry.AvailableIDs()
}

// GetAllProviderStatus returns the state of every registered provider
func (m *Manager) GetAllProviderStatus() map[string]ProviderStatus {
	active := m.registry.ActiveID()
	snapshot := m.registry.Snapshot()

	status := make(map[string]ProviderStatus, len(snapshot))
	for id, snap := range snapshot {
		status[id] = ProviderStatus{
			AdapterSnapshot: snap,
			IsDefault:       id == active,
		}
	}
	return status
}

// ProviderUsage returns the usage a provider tracked on its own
func (m *Manager) ProviderUsage(id string) (providers.UsageStats, error) {
	state, err := m.registry.Get(id)
	if err != nil {
		return providers.UsageStats{}, fmt.Errorf("%w: %s", err, id)
	}
	return state.Provider().GetUsage(), nil
}

// SetProviderWeight updates the preference used by the weighted strategy
func (m *Manager) SetProviderWeight(id string, weight float64) error {
	if weight < 0 {
		return fmt.Errorf("weight must be non-negative, got %v", weight)
	}
	state, err := m.registry.Get(id)
	if err != nil {
		return fmt.Errorf("%w: %s", err, id)
	}
	state.SetWeight(weight)
	return nil
}

// SetProviderEnabled puts a provider in or out of rotation
func (m *Manager) SetProviderEnabled(id string, enabled bool) error {
	state, err := m.registry.Get(id)
	if err != nil {
		return fmt.Errorf("%w: %s", err, id)
	}
	state.SetEnabled(enabled)

	m.logger.Info("provider availability changed",
		zap.String("provider", id),
		zap.Bool("enabled", enabled))
	return nil
}

// SetStrategy switches the load balancing strategy
func (m *Manager) SetStrategy(strategy routing.Strategy) error {
	return m.balancer.SetStrategy(strategy)
}

// Strategy returns the current load balancing strategy
func (m *Manager) Strategy() routing.Strategy {
	return m.balancer.Strategy()
}

// CheckHealth runs one probe round immediately
func (m *Manager) CheckHealth(ctx context.Context) {
	m.monitor.CheckAll(ctx)
}

// Subscribe registers an event handler and returns a function removing it
func (m *Manager) Subscribe(handler events.Handler) (unsubscribe func()) {
	return m.bus.Subscribe(handler)
}

// Dispose stops the health monitor, clears the registry and releases every
// subscriber. New dispatches fail with ErrManagerClosed; in-flight requests
// complete on their own.
func (m *Manager) Dispose() {
	m.disposeOnce.Do(func() {
		m.closed.Store(true)
		m.monitor.Stop()
		m.registry.Clear()
		m.bus.Close()
		m.logger.Info("provider manager disposed")
	})
}

// Closed reports whether Dispose was called
func (m *Manager) Closed() bool {
	return m.closed.Load()
}

func (m *Manager) publish(e events.Event) {
	m.bus.Publish(e)
}
