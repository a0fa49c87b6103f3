// Package health probes registered providers on a fixed interval and keeps
// their isHealthy flag current. Probing runs on its own goroutine and never
// holds locks that request paths need for longer than a field update.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/upb/llm-provider-manager/services/events"
	"github.com/upb/llm-provider-manager/services/providers"
	"go.uber.org/zap"
)

// DefaultProbeTimeout bounds a single CheckHealth call
const DefaultProbeTimeout = 10 * time.Second

// Monitor performs periodic health checks on every registered provider
type Monitor struct {
	registry *providers.Registry
	bus      *events.Bus
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. An interval of 0 disables periodic checks.
func NewMonitor(registry *providers.Registry, bus *events.Bus, interval, timeout time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Monitor{
		registry: registry,
		bus:      bus,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// Start launches the probe loop. It does nothing when the interval is 0 or
// the loop is already running.
func (m *Monitor) Start() {
	if m.interval <= 0 {
		m.logger.Info("periodic health checks disabled")
		return
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	stopChan := m.stopChan
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithCancel(context.Background())
				go func() {
					select {
					case <-stopChan:
						cancel()
					case <-ctx.Done():
					}
				}()
				m.CheckAll(ctx)
				cancel()
			case <-stopChan:
				return
			}
		}
	}()

	m.logger.Info("health monitor started", zap.Duration("interval", m.interval))
}

// Stop halts the probe loop and waits for an in-progress round to end
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopChan := m.stopChan
	m.stopChan = nil
	m.mu.Unlock()

	close(stopChan)
	m.wg.Wait()

	m.logger.Info("health monitor stopped")
}

// Running reports whether the probe loop is active
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.running
}

// CheckAll probes every registered provider concurrently and waits for all
// probes to finish
func (m *Monitor) CheckAll(ctx context.Context) {
	states := m.registry.List()

	var wg sync.WaitGroup
	for _, state := range states {
		wg.Add(1)
		go func(state *providers.AdapterState) {
			defer wg.Done()
			m.Check(ctx, state)
		}(state)
	}
	wg.Wait()
}

// Check probes a single provider and updates its state
func (m *Monitor) Check(ctx context.Context, state *providers.AdapterState) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	result, err := state.Provider().CheckHealth(ctx)
	now := time.Now()

	if err != nil {
		wasHealthy := state.ProbeFailed(err, now)
		m.logger.Warn("health check failed",
			zap.String("provider", state.ID()),
			zap.Error(err))
		m.publish(events.HealthCheckFailed, state.ID(), err)
		if wasHealthy {
			m.publish(events.ProviderUnhealthy, state.ID(), err)
		}
		return
	}

	healthy := result != nil && result.Status == providers.HealthStateHealthy
	message := ""
	if result != nil {
		message = result.Message
	}
	wasHealthy := state.ApplyProbe(healthy, message, now)

	switch {
	case wasHealthy && !healthy:
		m.logger.Warn("provider reported unhealthy",
			zap.String("provider", state.ID()),
			zap.String("message", message))
		m.publish(events.ProviderUnhealthy, state.ID(), state.LastError())
	case !wasHealthy && healthy:
		m.logger.Info("provider recovered", zap.String("provider", state.ID()))
		m.publish(events.ProviderRecovered, state.ID(), nil)
	default:
		m.logger.Debug("health check completed",
			zap.String("provider", state.ID()),
			zap.Bool("healthy", healthy))
	}
}

func (m *Monitor) publish(kind events.Kind, provider string, err error) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Kind: kind, Provider: provider, Err: err})
}
