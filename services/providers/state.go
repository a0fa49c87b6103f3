package providers

import (
	"sync"
	"time"
)

const defaultWeight = 1.0

// AdapterState is the registry's record of one registered adapter.
// All mutable fields sit behind a per-adapter mutex so request paths and
// the health monitor never contend on a global lock.
type AdapterState struct {
	id       string
	provider Provider
	usage    *UsageTracker

	mu                sync.Mutex
	isActive          bool
	isHealthy         bool
	activeConnections int
	lastHealthCheck   *time.Time
	lastError         error
	weight            float64
}

// AdapterSnapshot is a point-in-time copy of an AdapterState
type AdapterSnapshot struct {
	ID                string     `json:"id"`
	Type              string     `json:"type"`
	IsActive          bool       `json:"is_active"`
	IsHealthy         bool       `json:"is_healthy"`
	ActiveConnections int        `json:"active_connections"`
	AverageLatencyMs  float64    `json:"average_latency_ms"`
	LastHealthCheck   *time.Time `json:"last_health_check,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	Weight            float64    `json:"weight"`
	Usage             UsageStats `json:"usage"`
}

func newAdapterState(id string, provider Provider, weight float64) *AdapterState {
	return &AdapterState{
		id:        id,
		provider:  provider,
		usage:     NewUsageTracker(),
		isActive:  true,
		isHealthy: true,
		weight:    weight,
	}
}

// ID returns the registration identifier
func (s *AdapterState) ID() string {
	return s.id
}

// Provider returns the adapter owned by this state
func (s *AdapterState) Provider() Provider {
	return s.provider
}

// Eligible reports whether the adapter may be selected for new requests
func (s *AdapterState) Eligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.isActive && s.isHealthy
}

// ActiveConnections returns the number of in-flight calls
func (s *AdapterState) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.activeConnections
}

// AverageLatencyMs returns the moving average latency of completed calls
func (s *AdapterState) AverageLatencyMs() float64 {
	return s.usage.AverageLatencyMs()
}

// Weight returns the weighted-strategy preference
func (s *AdapterState) Weight() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.weight
}

// LastError returns the most recent failure recorded for the adapter
func (s *AdapterState) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastError
}

// Acquire counts a dispatch. Every Acquire must be paired with one Release.
func (s *AdapterState) Acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeConnections++
}

// Release ends a dispatch started by Acquire
func (s *AdapterState) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeConnections > 0 {
		s.activeConnections--
	}
}

// RecordOutcome folds a completed call into the usage counters
func (s *AdapterState) RecordOutcome(o Outcome) {
	s.usage.Record(o)
}

// MarkFailed flags the adapter unhealthy after a failed call.
// It returns true when the adapter was healthy before.
func (s *AdapterState) MarkFailed(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasHealthy := s.isHealthy
	s.isHealthy = false
	s.lastError = err
	return wasHealthy
}

// Deactivate takes the adapter out of rotation until re-enabled
func (s *AdapterState) Deactivate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isActive = false
	s.isHealthy = false
	s.lastError = err
}

// SetEnabled toggles the isActive flag
func (s *AdapterState) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isActive = enabled
}

// SetWeight updates the weighted-strategy preference
func (s *AdapterState) SetWeight(weight float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.weight = weight
}

// ApplyProbe records a completed health probe and returns the previous health
func (s *AdapterState) ApplyProbe(healthy bool, message string, at time.Time) (wasHealthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasHealthy = s.isHealthy
	s.isHealthy = healthy
	s.lastHealthCheck = &at
	if !healthy && message != "" {
		s.lastError = &ProbeError{Message: message}
	}
	return wasHealthy
}

// ProbeFailed records a health probe that returned an error
func (s *AdapterState) ProbeFailed(err error, at time.Time) (wasHealthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasHealthy = s.isHealthy
	s.isHealthy = false
	s.lastError = err
	s.lastHealthCheck = &at
	return wasHealthy
}

// ProbeError describes an unhealthy probe status reported without an error
type ProbeError struct {
	Message string
}

func (e *ProbeError) Error() string {
	return "health probe reported unhealthy: " + e.Message
}

// Snapshot copies the current state
func (s *AdapterState) Snapshot() AdapterSnapshot {
	usage := s.usage.Stats()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := AdapterSnapshot{
		ID:                s.id,
		Type:              s.provider.Name(),
		IsActive:          s.isActive,
		IsHealthy:         s.isHealthy,
		ActiveConnections: s.activeConnections,
		AverageLatencyMs:  usage.AverageLatencyMs,
		Weight:            s.weight,
		Usage:             usage,
	}
	if s.lastHealthCheck != nil {
		checked := *s.lastHealthCheck
		snap.LastHealthCheck = &checked
	}
	if s.lastError != nil {
		snap.LastError = s.lastError.Error()
	}
	return snap
}
