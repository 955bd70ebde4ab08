// Package breaker implements the per-provider circuit breaker table.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/inference-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/inference-gateway/internal/domain"
)

// State represents the state of one provider circuit.
type State int

const (
	// StateClosed indicates the circuit is closed and calls are admitted.
	StateClosed State = iota
	// StateOpen indicates the circuit is open and calls are blocked until cooldown elapses.
	StateOpen
	// StateHalfOpen indicates a trial state where up to probeLimit concurrent calls are admitted.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the thresholds shared by every circuit in the table.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	ProbeLimit       int
	SuccessThreshold int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ProbeLimit <= 0 {
		c.ProbeLimit = 1
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	return c
}

type circuit struct {
	state          State
	failureCount   int
	successCount   int
	openSince      time.Time
	probesInFlight int
	lastTransition time.Time
	totalSuccesses int64
	totalFailures  int64
}

// Stats is a read-only snapshot of one circuit.
type Stats struct {
	State          State
	FailureCount   int
	ProbesInFlight int
	OpenSince      time.Time
	LastTransition time.Time
	TotalSuccesses int64
	TotalFailures  int64
}

// Table holds one circuit per provider id. The zero table is not usable;
// construct with NewTable.
type Table struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	cfg      Config
	now      func() time.Time
}

// NewTable constructs a breaker table.
func NewTable(cfg Config) *Table {
	return &Table{
		circuits: make(map[string]*circuit),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

func (t *Table) circuitFor(id string) *circuit {
	c, ok := t.circuits[id]
	if !ok {
		c = &circuit{state: StateClosed, lastTransition: t.now()}
		t.circuits[id] = c
	}
	return c
}

func (t *Table) transition(id string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.lastTransition = t.now()
	observability.BreakerTransitions.WithLabelValues(id, from.String(), to.String()).Inc()
	observability.BreakerState.WithLabelValues(id).Set(float64(to))
	slog.Warn("circuit breaker transition",
		slog.String("provider", id),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// Allow decides admission for one call to the provider. On admission the
// caller must report the outcome with RecordSuccess or RecordFailure.
// While OPEN it rejects with CIRCUIT_OPEN until the cooldown elapses; the
// first caller past the cooldown moves the circuit to HALF_OPEN and takes a
// probe slot.
func (t *Table) Allow(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.circuitFor(id)

	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		if t.now().Sub(c.openSince) < t.cfg.Cooldown {
			return domain.E(domain.CodeCircuitOpen, "circuit open for provider "+id).
				WithDetail("provider", id)
		}
		t.transition(id, c, StateHalfOpen)
		c.successCount = 0
		c.probesInFlight = 1
		return nil
	case StateHalfOpen:
		if c.probesInFlight >= t.cfg.ProbeLimit {
			return domain.E(domain.CodeCircuitOpen, "probe limit reached for provider "+id).
				WithDetail("provider", id)
		}
		c.probesInFlight++
		return nil
	}
	return domain.E(domain.CodeCircuitOpen, "unknown circuit state")
}

// WouldAllow reports whether a call would currently be admitted without
// consuming a probe slot or transitioning state. The routing engine uses it
// to filter candidates; only Allow is authoritative.
func (t *Table) WouldAllow(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.circuitFor(id)
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		return t.now().Sub(c.openSince) >= t.cfg.Cooldown
	case StateHalfOpen:
		return c.probesInFlight < t.cfg.ProbeLimit
	}
	return false
}

// RecordSuccess reports a successful call.
func (t *Table) RecordSuccess(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.circuitFor(id)
	c.totalSuccesses++
	c.failureCount = 0
	if c.state == StateHalfOpen {
		if c.probesInFlight > 0 {
			c.probesInFlight--
		}
		c.successCount++
		if c.successCount >= t.cfg.SuccessThreshold {
			t.transition(id, c, StateClosed)
			c.successCount = 0
			c.probesInFlight = 0
		}
	}
}

// RecordFailure reports a failed call. Only retryable failures count toward
// the open threshold; fatal failures (auth, bad request) do not trip the
// circuit.
func (t *Table) RecordFailure(id string, retryable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.circuitFor(id)
	c.totalFailures++
	if c.state == StateHalfOpen && c.probesInFlight > 0 {
		c.probesInFlight--
	}
	if !retryable {
		return
	}
	switch c.state {
	case StateClosed:
		c.failureCount++
		if c.failureCount >= t.cfg.FailureThreshold {
			t.transition(id, c, StateOpen)
			c.openSince = t.now()
		}
	case StateHalfOpen:
		t.transition(id, c, StateOpen)
		c.openSince = t.now()
		c.successCount = 0
		c.probesInFlight = 0
	}
}

// State returns the current state for the provider id.
func (t *Table) State(id string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.circuitFor(id).state
}

// ForceOpen trips the circuit immediately. Used by operators and tests.
func (t *Table) ForceOpen(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.circuitFor(id)
	t.transition(id, c, StateOpen)
	c.openSince = t.now()
}

// Snapshot returns per-provider stats for the admin surface.
func (t *Table) Snapshot() map[string]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Stats, len(t.circuits))
	for id, c := range t.circuits {
		out[id] = Stats{
			State:          c.state,
			FailureCount:   c.failureCount,
			ProbesInFlight: c.probesInFlight,
			OpenSince:      c.openSince,
			LastTransition: c.lastTransition,
			TotalSuccesses: c.totalSuccesses,
			TotalFailures:  c.totalFailures,
		}
	}
	return out
}

// SetClock overrides the time source. Tests only.
func (t *Table) SetClock(now func() time.Time) { t.now = now }
