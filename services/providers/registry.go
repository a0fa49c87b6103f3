package providers

import (
	"errors"
	"sync"
)

// Registry holds registered adapters keyed by identifier along with their
// operational state. Iteration follows registration order so strategy
// tie-breaks are deterministic.
type Registry struct {
	mu     sync.RWMutex
	states map[string]*AdapterState
	order  []string
	active string
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		states: make(map[string]*AdapterState),
	}
}

// Put stores an initialized adapter under id with isActive and isHealthy set.
// An existing entry with the same id is replaced and returned.
func (r *Registry) Put(id string, provider Provider, weight *float64) (state *AdapterState, replaced *AdapterState, err error) {
	if provider == nil {
		return nil, nil, errors.New("provider cannot be nil")
	}
	if id == "" {
		return nil, nil, errors.New("provider identifier cannot be empty")
	}

	w := defaultWeight
	if weight != nil {
		w = *weight
	}
	state = newAdapterState(id, provider, w)

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.states[id]; exists {
		replaced = prev
	} else {
		r.order = append(r.order, id)
	}
	r.states[id] = state

	return state, replaced, nil
}

// Remove deletes the entry for id. wasActive reports whether the removed
// adapter was the active provider, in which case the reference is cleared.
func (r *Registry) Remove(id string) (removed *AdapterState, wasActive bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, exists := r.states[id]
	if !exists {
		return nil, false, ErrProviderNotFound
	}

	delete(r.states, id)
	for i, name := range r.order {
		if name == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}

	if r.active == id {
		r.active = ""
		wasActive = true
	}

	return state, wasActive, nil
}

// Get retrieves the state for id
func (r *Registry) Get(id string) (*AdapterState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, exists := r.states[id]
	if !exists {
		return nil, ErrProviderNotFound
	}
	return state, nil
}

// SetActive marks id as the provider used by direct calls
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.states[id]; !exists {
		return ErrProviderNotFound
	}
	r.active = id
	return nil
}

// Active returns the state of the active provider
func (r *Registry) Active() (*AdapterState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.active == "" {
		return nil, ErrNoActiveProvider
	}
	state, exists := r.states[r.active]
	if !exists {
		return nil, ErrNoActiveProvider
	}
	return state, nil
}

// ActiveID returns the identifier of the active provider, empty when unset
func (r *Registry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.active
}

// List returns every state in registration order
func (r *Registry) List() []*AdapterState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make([]*AdapterState, 0, len(r.order))
	for _, id := range r.order {
		states = append(states, r.states[id])
	}
	return states
}

// Eligible returns the active and healthy states not present in exclude
func (r *Registry) Eligible(exclude map[string]struct{}) []*AdapterState {
	var eligible []*AdapterState
	for _, state := range r.List() {
		if _, skip := exclude[state.ID()]; skip {
			continue
		}
		if state.Eligible() {
			eligible = append(eligible, state)
		}
	}
	return eligible
}

// AvailableIDs returns the identifiers of every active and healthy adapter
func (r *Registry) AvailableIDs() []string {
	eligible := r.Eligible(nil)
	ids := make([]string, 0, len(eligible))
	for _, state := range eligible {
		ids = append(ids, state.ID())
	}
	return ids
}

// Snapshot returns a copy of every state keyed by identifier
func (r *Registry) Snapshot() map[string]AdapterSnapshot {
	states := r.List()
	snapshot := make(map[string]AdapterSnapshot, len(states))
	for _, state := range states {
		snapshot[state.ID()] = state.Snapshot()
	}
	return snapshot
}

// Count returns the number of registered providers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.states)
}

// Clear removes all providers from the registry
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states = make(map[string]*AdapterState)
	r.order = nil
	r.active = ""
}
