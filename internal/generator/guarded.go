package generator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/config"
	"github.com/sells-group/docverify/internal/metrics"
	"github.com/sells-group/docverify/internal/resilience"
)

// Guarded bounds another Generator with a rate limit, a per-attempt
// timeout, retries on transient failures and a circuit breaker. Every
// error it returns is an UpstreamTimeoutError or UpstreamGenerationError.
type Guarded struct {
	next    Generator
	timeout time.Duration
	policy  resilience.Policy
	breaker *resilience.Breaker
	limiter *rate.Limiter
}

// NewGuarded wraps next using cfg. Zero settings use the defaults.
func NewGuarded(next Generator, cfg config.GeneratorConfig) *Guarded {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	policy := resilience.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy.Attempts = cfg.MaxAttempts
	}
	policy.OnRetry = resilience.LogRetry("generator", "generate")

	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	return &Guarded{
		next:    next,
		timeout: timeout,
		policy:  policy,
		breaker: resilience.NewBreaker("generator", cfg.BreakerThreshold,
			time.Duration(cfg.BreakerResetSecs)*time.Second, resilience.IsTransient),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Generate implements Generator.
func (g *Guarded) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := resilience.Retry(ctx, g.policy, func(ctx context.Context) (*Response, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return resilience.Call(ctx, g.breaker, g.attempt(req))
	})
	err = classify(ctx, err)
	metrics.Get().ObserveGenerator(start, string(apperr.KindOf(err)))
	return resp, err
}

func (g *Guarded) attempt(req Request) func(ctx context.Context) (*Response, error) {
	return func(ctx context.Context) (*Response, error) {
		actx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		resp, err := g.next.Generate(actx, req)
		if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			// The attempt ran out of time but the caller still has budget.
			return nil, resilience.Transient(&apperr.UpstreamTimeoutError{Op: "generate", Err: err}, 0)
		}
		return resp, err
	}
}

// classify maps a final error onto the upstream error kinds.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var (
		te *apperr.UpstreamTimeoutError
		ge *apperr.UpstreamGenerationError
	)
	switch {
	case errors.As(err, &te):
		return te
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &apperr.UpstreamTimeoutError{Op: "generate", Err: err}
	case errors.As(err, &ge):
		return ge
	}
	return &apperr.UpstreamGenerationError{Op: "generate", Err: err}
}
