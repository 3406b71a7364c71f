// Package health maintains a per-provider circuit breaker. State is derived
// solely from the outcomes the router reports after each adapter call; the
// tracker never talks to a backend itself.
package health

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ndhoang/tts-gateway/internal/provider"
)

// Config holds the breaker thresholds for every provider.
type Config struct {
	// FailureThreshold is the number of transient/timeout outcomes within
	// Window that opens the circuit.
	FailureThreshold uint32
	// Window is the sliding interval over which failures are counted while
	// the circuit is closed.
	Window time.Duration
	// Cooldown is how long an open circuit rejects before allowing one probe.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// ReportFunc feeds one adapter outcome back into the circuit. It must be
// called exactly once per acquired slot, after the adapter call returns and
// before the router considers its next candidate.
type ReportFunc func(kind provider.Kind)

// Tracker owns one two-step breaker per provider. The two-step form is used
// because the adapter call happens between slot acquisition and the outcome
// report, and the report has to reflect the gateway's own taxonomy rather
// than a raw error.
type Tracker struct {
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

func NewTracker(names []string, cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	breakers := make(map[string]*gobreaker.TwoStepCircuitBreaker, len(names))
	for _, name := range names {
		settings := gobreaker.Settings{
			Name:        name,
			MaxRequests: 1, // single half-open probe
			Interval:    cfg.Window,
			Timeout:     cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.TotalFailures >= cfg.FailureThreshold
			},
		}
		breakers[name] = gobreaker.NewTwoStepCircuitBreaker(settings)
	}
	return &Tracker{breakers: breakers}
}

// Acquire reserves a call slot for the provider. It fails fast when the
// circuit is open or when the half-open probe slot is already taken. Client
// faults are reported as successes so malformed input never penalizes a
// healthy backend.
func (t *Tracker) Acquire(name string) (ReportFunc, error) {
	cb, ok := t.breakers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	done, err := cb.Allow()
	if err != nil {
		return nil, err
	}
	return func(kind provider.Kind) {
		done(!kind.Retryable())
	}, nil
}

// State reports the provider's current circuit state.
func (t *Tracker) State(name string) gobreaker.State {
	if cb, ok := t.breakers[name]; ok {
		return cb.State()
	}
	return gobreaker.StateOpen
}

// States snapshots every provider's circuit state for metrics and the
// operator endpoint.
func (t *Tracker) States() map[string]gobreaker.State {
	out := make(map[string]gobreaker.State, len(t.breakers))
	for name, cb := range t.breakers {
		out[name] = cb.State()
	}
	return out
}
