package reliability

import "context"

// Policy composes the per-target controls. Each attempt waits on the limiter
// and then runs through the breaker; the retry policy wraps the whole attempt
// so an open circuit ends the retries at once.
type Policy struct {
	Limiter *RateLimiter
	Breaker *CircuitBreaker
	Retry   RetryPolicy
}

// Do runs fn under the policy.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempt := func() error {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if p.Breaker != nil {
			return p.Breaker.Execute(func() error { return fn(ctx) })
		}
		return fn(ctx)
	}
	return p.Retry.Do(ctx, attempt)
}
