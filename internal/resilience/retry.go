package resilience

import (
	"context"
	"math"
	"time"

	errx "github.com/chative-companion/server/internal/core/error"
	logx "github.com/chative-companion/server/pkg/logger"
	"github.com/sethvargo/go-retry"
)

const (
	outcomeSuccess   = "success"
	outcomeExhausted = "exhausted"
	outcomeFatal     = "non_retryable"
	outcomeCancelled = "cancelled"
)

// RetryPolicy retries an operation on transient errors with capped
// exponential backoff. Every call site shares this one algorithm; call sites
// differ only in which preset they pick.
type RetryPolicy struct {
	Name string
	// Attempts is the total number of tries, including the first one.
	Attempts   int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// AttemptTimeout bounds every single try. Zero means the caller's deadline only.
	AttemptTimeout time.Duration
	// Retryable decides which errors are worth another try. Defaults to errx.IsTransient.
	Retryable func(error) bool

	metrics *Metrics
}

// RetryOverrides lets configuration adjust a preset. Zero values keep the preset.
type RetryOverrides struct {
	Attempts       int           `split_words:"true"`
	BaseDelay      time.Duration `split_words:"true"`
	MaxDelay       time.Duration `split_words:"true"`
	AttemptTimeout time.Duration `split_words:"true"`
}

// DatabasePolicy is used for system-of-record writes and transactional jobs.
func DatabasePolicy() RetryPolicy {
	return RetryPolicy{Name: "database", Attempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2, MaxDelay: 10 * time.Second, AttemptTimeout: 10 * time.Second}
}

// CachePolicy is used for every Redis call.
func CachePolicy() RetryPolicy {
	return RetryPolicy{Name: "cache", Attempts: 3, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second, AttemptTimeout: 2 * time.Second}
}

// LLMPolicy is used for calls to the external model.
func LLMPolicy() RetryPolicy {
	return RetryPolicy{Name: "llm", Attempts: 3, BaseDelay: 4 * time.Second, Multiplier: 2, MaxDelay: 60 * time.Second, AttemptTimeout: 60 * time.Second}
}

// InternalAPIPolicy is a fixed-interval policy for calls between internal services.
func InternalAPIPolicy() RetryPolicy {
	return RetryPolicy{Name: "internal_api", Attempts: 3, BaseDelay: 2 * time.Second, Multiplier: 1, MaxDelay: 2 * time.Second, AttemptTimeout: 15 * time.Second}
}

func (p RetryPolicy) WithOverrides(o RetryOverrides) RetryPolicy {
	if o.Attempts > 0 {
		p.Attempts = o.Attempts
	}
	if o.BaseDelay > 0 {
		p.BaseDelay = o.BaseDelay
	}
	if o.MaxDelay > 0 {
		p.MaxDelay = o.MaxDelay
	}
	if o.AttemptTimeout > 0 {
		p.AttemptTimeout = o.AttemptTimeout
	}
	return p
}

func (p RetryPolicy) WithMetrics(m *Metrics) RetryPolicy {
	p.metrics = m
	return p
}

// Delay returns the wait before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(n-1))
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}
	delay := time.Duration(d)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p RetryPolicy) backoff() retry.Backoff {
	n := 0
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return p.Delay(n), false
	})
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return retry.WithMaxRetries(uint64(attempts-1), next) // #nosec G115 -- attempts >= 1
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return errx.IsTransient(err)
}

// Execute runs op until it succeeds, fails with a non-retryable error, or the
// attempt cap is reached. The last error is returned unwrapped.
func (p RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		p.metrics.recordAttempt(ctx, p.Name)
		err := p.runAttempt(ctx, op)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !p.retryable(err) {
			return err
		}
		if attempt < p.Attempts {
			logx.Debug().Err(err).
				Str("policy", p.Name).
				Int("attempt", attempt).
				Dur("backoff", p.Delay(attempt)).
				Msg("retrying after transient error")
		}
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		p.metrics.recordOutcome(ctx, p.Name, outcomeSuccess)
	case ctx.Err() != nil:
		p.metrics.recordOutcome(ctx, p.Name, outcomeCancelled)
	case p.retryable(err):
		p.metrics.recordOutcome(ctx, p.Name, outcomeExhausted)
		logx.Warn().Err(err).Str("policy", p.Name).Int("attempts", attempt).Msg("retry attempts exhausted")
	default:
		p.metrics.recordOutcome(ctx, p.Name, outcomeFatal)
	}
	return err
}

func (p RetryPolicy) runAttempt(ctx context.Context, op func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return op(attemptCtx)
}
