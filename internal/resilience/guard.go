package resilience

import (
	"context"
	"errors"
	"fmt"

	errx "github.com/chative-companion/server/internal/core/error"
)

// Guard composes a breaker and a retry policy for one dependency: the breaker
// is consulted once, the policy retries inside, and the aggregate outcome is
// reported once. An exhausted retry therefore counts as a single failure.
type Guard struct {
	breaker *CircuitBreaker
	policy  RetryPolicy
}

func NewGuard(breaker *CircuitBreaker, policy RetryPolicy) *Guard {
	return &Guard{breaker: breaker, policy: policy}
}

func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// Do returns an error wrapping errx.ErrCircuitOpen without calling op when the
// breaker rejects the call. A missing record or a superseded write is an answer
// from a healthy dependency and counts as a success.
func (g *Guard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	permit, ok := g.breaker.Acquire()
	if !ok {
		return fmt.Errorf("%s: %w", g.breaker.Name(), errx.ErrCircuitOpen)
	}
	err := g.policy.Execute(ctx, op)
	switch {
	case err == nil, answered(err):
		permit.Success()
	case ctx.Err() != nil:
		permit.Abandon()
	default:
		permit.Failure()
	}
	return err
}

func answered(err error) bool {
	return errors.Is(err, errx.ErrNotFound) || errors.Is(err, errx.ErrStaleUpdate)
}
