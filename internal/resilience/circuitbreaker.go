// Package resilience protects callrelay from a misbehaving voice provider.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) and
// [GuardedProvider] wraps any voicecall.Provider with one, so that a provider
// outage fails call initiation fast with [ErrCircuitOpen] instead of tying up
// request goroutines on doomed HTTPS round-trips.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cool-down
	// elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probes. Enough successes
	// close the breaker; any failure re-opens it.
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and transition callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the cool-down before an open breaker admits probes.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the probe budget of the half-open state and the
	// number of successful probes that closes it. Default: 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker.
	// Nil counts every non-nil error.
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition with the
	// state left and the state entered. It runs with the breaker's lock
	// released and must not block.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // when the breaker last opened
	probes   int       // probes admitted in the current half-open window
	probesOK int       // successful probes in the current half-open window
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn if the breaker admits the call and returns fn's error
// unchanged. A rejected call returns [ErrCircuitOpen] without running fn.
// A ctx that is already done is returned as its error without counting
// against the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.settle(probe, cb.cfg.IsFailure(err))
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var from State
	changed := false
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		from, changed = cb.enter(StateHalfOpen), true
	}

	switch cb.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			err = ErrCircuitOpen
		} else {
			cb.probes++
			probe = true
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return probe, err
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe, failed bool) {
	cb.mu.Lock()
	var from, to State
	changed := false
	switch {
	case probe && failed && cb.state == StateHalfOpen:
		from, to, changed = cb.enter(StateOpen), StateOpen, true
	case probe && !failed && cb.state == StateHalfOpen:
		cb.probesOK++
		if cb.probesOK >= cb.cfg.HalfOpenMax {
			from, to, changed = cb.enter(StateClosed), StateClosed, true
		}
	case !probe && failed && cb.state == StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			from, to, changed = cb.enter(StateOpen), StateOpen, true
		}
	case !probe && !failed && cb.state == StateClosed:
		cb.failures = 0
	}
	failures := cb.failures
	cb.mu.Unlock()

	if changed {
		if to == StateOpen {
			slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from.String(), "consecutive_failures", failures)
		}
		cb.notify(from, to)
	}
}

// enter switches to s, resets the per-state counters and returns the state
// left. cb.mu must be held.
func (cb *CircuitBreaker) enter(s State) State {
	from := cb.state
	cb.state = s
	cb.probes, cb.probesOK = 0, 0
	switch s {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}
	return from
}

func (cb *CircuitBreaker) notify(from, to State) {
	slog.Info("circuit breaker transition", "name", cb.cfg.Name, "from", from.String(), "to", to.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current [State]. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.enter(StateClosed)
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
