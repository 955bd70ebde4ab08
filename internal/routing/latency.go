package routing

import (
	"sort"
	"sync"
	"time"
)

const latencyWindow = 128

// LatencyTracker keeps a sliding window of observed call durations per
// provider and answers p95 queries for the LEAST_LATENCY strategy.
type LatencyTracker struct {
	mu      sync.RWMutex
	samples map[string][]time.Duration
	next    map[string]int
}

// NewLatencyTracker constructs an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{
		samples: make(map[string][]time.Duration),
		next:    make(map[string]int),
	}
}

// Observe records one call duration for the provider.
func (t *LatencyTracker) Observe(providerID string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := t.samples[providerID]
	if len(buf) < latencyWindow {
		t.samples[providerID] = append(buf, d)
		return
	}
	i := t.next[providerID] % latencyWindow
	buf[i] = d
	t.next[providerID] = i + 1
}

// P95 returns the 95th percentile latency for the provider, or 0 when no
// samples exist yet.
func (t *LatencyTracker) P95(providerID string) time.Duration {
	t.mu.RLock()
	buf := t.samples[providerID]
	if len(buf) == 0 {
		t.mu.RUnlock()
		return 0
	}
	sorted := make([]time.Duration, len(buf))
	copy(sorted, buf)
	t.mu.RUnlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
