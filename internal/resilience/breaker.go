package resilience

import (
	"context"
	"sync"
	"time"

	logx "github.com/chative-companion/server/pkg/logger"
)

// State is the position of a CircuitBreaker in its three-state cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultRecoveryTimeout  = 60 * time.Second
)

type BreakerConfig struct {
	FailureThreshold int           `split_words:"true" default:"5"`
	SuccessThreshold int           `split_words:"true" default:"2"`
	RecoveryTimeout  time.Duration `split_words:"true" default:"60s"`
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return c
}

// BreakerStats is a point-in-time snapshot for logging and health endpoints.
type BreakerStats struct {
	Name             string
	State            State
	Failures         int
	Successes        int
	TotalCalls       int64
	TotalFailures    int64
	TotalSuccesses   int64
	BlockedCalls     int64
	LastFailure      time.Time
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

type BreakerOption func(*CircuitBreaker)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithBreakerMetrics records transitions and rejections on m.
func WithBreakerMetrics(m *Metrics) BreakerOption {
	return func(cb *CircuitBreaker) { cb.metrics = m }
}

// CircuitBreaker guards one dependency. A single instance is shared by every
// request that calls the dependency; all state lives behind mu.
type CircuitBreaker struct {
	name    string
	cfg     BreakerConfig
	now     func() time.Time
	metrics *Metrics

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	trialInFlight bool
	lastFailure   time.Time
	// generation advances on every transition; see Permit.
	generation uint64

	totalCalls     int64
	totalFailures  int64
	totalSuccesses int64
	blocked        int64
}

func NewCircuitBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name: name,
		cfg:  cfg.normalized(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Permit is the admission handed out by Acquire. Its outcome only counts
// while the breaker is still in the state period it was issued in: a call
// admitted before a transition that finishes after it cannot close the
// circuit, reopen it, or free the half-open trial slot.
type Permit struct {
	cb  *CircuitBreaker
	gen uint64
}

func (p Permit) Success() { p.cb.onSuccess(p.gen, false) }

func (p Permit) Failure() { p.cb.onFailure(p.gen, false) }

// Abandon releases the permit without recording an outcome. Used when the
// caller gave up (its context was cancelled) before the dependency answered.
func (p Permit) Abandon() { p.cb.abandon(p.gen, false) }

// Acquire reports whether a call may proceed. In OPEN it flips to HALF_OPEN
// once the recovery timeout has elapsed and hands out exactly one trial call; every
// other caller is rejected until that trial call reports back.
func (cb *CircuitBreaker) Acquire() (Permit, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.cfg.RecoveryTimeout {
			cb.reject()
			return Permit{}, false
		}
		cb.transition(StateHalfOpen)
		cb.trialInFlight = true
	case StateHalfOpen:
		if cb.trialInFlight {
			cb.reject()
			return Permit{}, false
		}
		cb.trialInFlight = true
	default:
		return Permit{}, false
	}
	cb.totalCalls++
	return Permit{cb: cb, gen: cb.generation}, true
}

// Allow is Acquire for callers that report through OnSuccess, OnFailure and
// Abandon. Those apply to the current state period, so they suit a caller
// that owns the whole call sequence; concurrent callers use Permit.
func (cb *CircuitBreaker) Allow() bool {
	_, ok := cb.Acquire()
	return ok
}

func (cb *CircuitBreaker) OnSuccess() { cb.onSuccess(0, true) }

func (cb *CircuitBreaker) OnFailure() { cb.onFailure(0, true) }

func (cb *CircuitBreaker) Abandon() { cb.abandon(0, true) }

// stale must be called with mu held.
func (cb *CircuitBreaker) stale(gen uint64, current bool) bool {
	return !current && gen != cb.generation
}

func (cb *CircuitBreaker) onSuccess(gen uint64, current bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	if cb.stale(gen, current) {
		return
	}
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
		}
	case StateOpen:
	}
}

func (cb *CircuitBreaker) onFailure(gen uint64, current bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	if cb.stale(gen, current) {
		return
	}
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.lastFailure = cb.now()
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.lastFailure = cb.now()
		cb.transition(StateOpen)
	case StateOpen:
	}
}

func (cb *CircuitBreaker) abandon(gen uint64, current bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.stale(gen, current) {
		return
	}
	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.successes,
		TotalCalls:       cb.totalCalls,
		TotalFailures:    cb.totalFailures,
		TotalSuccesses:   cb.totalSuccesses,
		BlockedCalls:     cb.blocked,
		LastFailure:      cb.lastFailure,
		FailureThreshold: cb.cfg.FailureThreshold,
		RecoveryTimeout:  cb.cfg.RecoveryTimeout,
	}
}

// Reset forces the breaker back to CLOSED. Operator action only.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.lastFailure = time.Time{}
	logx.Info().Str("breaker", cb.name).Msg("circuit breaker manually reset")
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.generation++
	switch to {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
		cb.trialInFlight = false
	case StateOpen:
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
	}
	if from == to {
		return
	}

	ev := logx.Info()
	if to == StateOpen {
		ev = logx.Warn()
	}
	ev.Str("breaker", cb.name).
		Str("from", from.String()).
		Str("to", to.String()).
		Int("failures", cb.failures).
		Msg("circuit breaker state changed")
	cb.metrics.recordTransition(context.Background(), cb.name, from, to)
}

// reject must be called with mu held.
func (cb *CircuitBreaker) reject() {
	cb.blocked++
	cb.metrics.recordRejection(context.Background(), cb.name)
}
