package routing

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/upb/llm-provider-manager/services/providers"
)

var (
	// ErrRoutingStrategyNotFound is returned when a routing strategy is not found
	ErrRoutingStrategyNotFound = errors.New("routing strategy not found")
)

// Strategy defines how to choose among eligible providers
type Strategy string

const (
	// StrategyRoundRobin cycles through the eligible providers
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyRandom draws uniformly from the eligible providers
	StrategyRandom Strategy = "random"

	// StrategyLeastConnections selects the provider with the fewest in-flight calls
	StrategyLeastConnections Strategy = "least_connections"

	// StrategyFastestResponse selects the provider with the lowest average latency
	StrategyFastestResponse Strategy = "fastest_response"

	// StrategyWeighted samples providers proportionally to their weight
	StrategyWeighted Strategy = "weighted"
)

// Strategies lists every supported strategy
var Strategies = []Strategy{
	StrategyRoundRobin,
	StrategyRandom,
	StrategyLeastConnections,
	StrategyFastestResponse,
	StrategyWeighted,
}

// ParseStrategy validates a strategy name
func ParseStrategy(name string) (Strategy, error) {
	for _, s := range Strategies {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrRoutingStrategyNotFound, name)
}

// Balancer picks one provider per request. It is safe for concurrent use.
type Balancer struct {
	mu       sync.RWMutex
	strategy Strategy
	counter  atomic.Uint64

	randIntN  func(n int) int
	randFloat func() float64
}

// NewBalancer creates a balancer using the given strategy
func NewBalancer(strategy Strategy) (*Balancer, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	return &Balancer{
		strategy:  strategy,
		randIntN:  rand.Intn,
		randFloat: rand.Float64,
	}, nil
}

// Strategy returns the current strategy
func (b *Balancer) Strategy() Strategy {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.strategy
}

// SetStrategy updates the strategy used by later selections
func (b *Balancer) SetStrategy(strategy Strategy) error {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.strategy = strategy
	return nil
}

// Select chooses one of candidates. Callers pass only eligible states,
// in registration order.
func (b *Balancer) Select(candidates []*providers.AdapterState) (*providers.AdapterState, error) {
	if len(candidates) == 0 {
		return nil, providers.ErrNoAvailableProviders
	}

	switch b.Strategy() {
	case StrategyRandom:
		return candidates[b.randIntN(len(candidates))], nil
	case StrategyLeastConnections:
		return selectLeastConnections(candidates), nil
	case StrategyFastestResponse:
		return selectFastest(candidates), nil
	case StrategyWeighted:
		return b.selectWeighted(candidates), nil
	default:
		return b.selectRoundRobin(candidates), nil
	}
}

// selectRoundRobin advances a shared index; when the candidate set shrinks
// between calls the index is taken modulo the new size.
func (b *Balancer) selectRoundRobin(candidates []*providers.AdapterState) *providers.AdapterState {
	idx := b.counter.Add(1) - 1
	return candidates[idx%uint64(len(candidates))]
}

func selectLeastConnections(candidates []*providers.AdapterState) *providers.AdapterState {
	best := candidates[0]
	fewest := best.ActiveConnections()

	for _, state := range candidates[1:] {
		if conns := state.ActiveConnections(); conns < fewest {
			best = state
			fewest = conns
		}
	}
	return best
}

// selectFastest prefers the lowest moving-average latency. Adapters without
// samples report 0 and win until they accumulate real latency.
func selectFastest(candidates []*providers.AdapterState) *providers.AdapterState {
	best := candidates[0]
	lowest := best.AverageLatencyMs()

	for _, state := range candidates[1:] {
		if latency := state.AverageLatencyMs(); latency < lowest {
			best = state
			lowest = latency
		}
	}
	return best
}

// selectWeighted uses cumulative-weight sampling. A zero total weight falls
// back to a uniform draw.
func (b *Balancer) selectWeighted(candidates []*providers.AdapterState) *providers.AdapterState {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, state := range candidates {
		if w := state.Weight(); w > 0 {
			weights[i] = w
			total += w
		}
	}

	if total <= 0 {
		return candidates[b.randIntN(len(candidates))]
	}

	target := b.randFloat() * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if target < cumulative {
			return candidates[i]
		}
	}

	// float rounding can leave target == total
	for i := len(candidates) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
