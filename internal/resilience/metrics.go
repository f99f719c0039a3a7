package resilience

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	breakerTransitionsMetric = "chative_breaker_transitions_total"
	breakerRejectionsMetric  = "chative_breaker_rejections_total"
	breakerStateMetric       = "chative_breaker_state"
	retryAttemptsMetric      = "chative_retry_attempts_total"
	retryOutcomesMetric      = "chative_retry_outcomes_total"

	labelBreaker = "breaker"
	labelFrom    = "from"
	labelTo      = "to"
	labelPolicy  = "policy"
	labelOutcome = "outcome"
)

// Metrics holds the resilience instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter       metric.Meter
	transitions metric.Int64Counter
	rejections  metric.Int64Counter
	attempts    metric.Int64Counter
	outcomes    metric.Int64Counter
}

func createInt64Counter(meter metric.Meter, name, description string) (metric.Int64Counter, error) {
	counter, err := meter.Int64Counter(
		name,
		metric.WithDescription(description),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create counter %q: %w", name, err)
	}
	return counter, nil
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}
	m := &Metrics{meter: meter}
	var err error
	if m.transitions, err = createInt64Counter(meter, breakerTransitionsMetric, "Circuit breaker state transitions"); err != nil {
		return nil, err
	}
	if m.rejections, err = createInt64Counter(meter, breakerRejectionsMetric, "Calls rejected by an open circuit breaker"); err != nil {
		return nil, err
	}
	if m.attempts, err = createInt64Counter(meter, retryAttemptsMetric, "Attempts made under a retry policy"); err != nil {
		return nil, err
	}
	if m.outcomes, err = createInt64Counter(meter, retryOutcomesMetric, "Final outcome of retried operations"); err != nil {
		return nil, err
	}
	return m, nil
}

// ObserveBreakers publishes the current state of each breaker as a gauge
// (0 closed, 1 open, 2 half-open).
func (m *Metrics) ObserveBreakers(breakers ...*CircuitBreaker) error {
	if m == nil || len(breakers) == 0 {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge(
		breakerStateMetric,
		metric.WithDescription("Current circuit breaker state"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for _, cb := range breakers {
				o.Observe(int64(cb.State()), metric.WithAttributes(attribute.String(labelBreaker, cb.Name())))
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create gauge %q: %w", breakerStateMetric, err)
	}
	return nil
}

func (m *Metrics) recordTransition(ctx context.Context, name string, from, to State) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String(labelBreaker, name),
		attribute.String(labelFrom, from.String()),
		attribute.String(labelTo, to.String()),
	))
}

func (m *Metrics) recordRejection(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String(labelBreaker, name)))
}

func (m *Metrics) recordAttempt(ctx context.Context, policy string) {
	if m == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String(labelPolicy, policy)))
}

func (m *Metrics) recordOutcome(ctx context.Context, policy, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String(labelPolicy, policy),
		attribute.String(labelOutcome, outcome),
	))
}
