package providers

import (
	"sync"
	"time"
)

const (
	// latencySmoothing is the weight of the previous average in the moving average
	latencySmoothing = 0.9

	initialSuccessRate = 100.0
)

// Outcome describes one completed call against an adapter
type Outcome struct {
	Latency time.Duration
	Tokens  int
	Cost    float64
	Success bool
	At      time.Time
}

// UsageTracker accumulates usage counters for one adapter.
// It is safe for concurrent use.
type UsageTracker struct {
	mu     sync.Mutex
	stats  UsageStats
	seeded bool
}

// NewUsageTracker creates a tracker with a 100% success rate
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		stats: UsageStats{SuccessRate: initialSuccessRate},
	}
}

// Record folds one outcome into the counters.
//
// Latency is an exponential moving average seeded by the first sample.
// The success rate only moves on failure:
// rate = ((total-1) * rate) / total. Successes leave it unchanged.
func (t *UsageTracker) Record(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.TotalRequests++
	if o.Tokens > 0 {
		t.stats.TotalTokens += int64(o.Tokens)
	}
	if o.Cost > 0 {
		t.stats.TotalCost += o.Cost
	}

	sample := float64(o.Latency) / float64(time.Millisecond)
	if !t.seeded {
		t.stats.AverageLatencyMs = sample
		t.seeded = true
	} else {
		t.stats.AverageLatencyMs = t.stats.AverageLatencyMs*latencySmoothing + sample*(1-latencySmoothing)
	}

	if !o.Success {
		total := float64(t.stats.TotalRequests)
		t.stats.SuccessRate = ((total - 1) * t.stats.SuccessRate) / total
	}

	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	t.stats.LastRequestTime = &at
}

// Stats returns a copy of the current counters
func (t *UsageTracker) Stats() UsageStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := t.stats
	if stats.LastRequestTime != nil {
		last := *stats.LastRequestTime
		stats.LastRequestTime = &last
	}
	return stats
}

// AverageLatencyMs returns the current moving average latency
func (t *UsageTracker) AverageLatencyMs() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stats.AverageLatencyMs
}
