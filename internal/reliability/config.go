package reliability

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the per-target reliability settings.
type Config struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	RetryJitter         bool
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// Hooks observe policy activity.
type Hooks struct {
	OnRetry       func(target string, attempt int, err error, delay time.Duration)
	OnStateChange func(name string, from, to State)
	OnWait        func(time.Duration)
}

// DefaultConfig is one call plus three retries backing off 2s, 4s, 8s, and a
// breaker that opens after five consecutive transient failures for 30s.
func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    4,
		RetryBaseDelay:      2 * time.Second,
		RetryMaxDelay:       30 * time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 30 * time.Second,
	}
}

// LoadConfigFromEnv overlays ORDER_* variables onto DefaultConfig.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error

	if cfg.RetryMaxAttempts, err = optionalInt("ORDER_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = optionalDuration("ORDER_RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = optionalDuration("ORDER_RETRY_MAX_DELAY", cfg.RetryMaxDelay); err != nil {
		return cfg, err
	}
	if cfg.RetryJitter, err = optionalBool("ORDER_RETRY_JITTER"); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = optionalInt("ORDER_BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = optionalDuration("ORDER_BREAKER_RESET_TIMEOUT", cfg.BreakerResetTimeout); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = optionalDuration("ORDER_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = optionalInt("ORDER_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxAttempts < 1 {
		return cfg, errors.New("ORDER_RETRY_MAX_ATTEMPTS must be >= 1")
	}

	return cfg, nil
}

// NewPolicy builds a policy for one target. transient reports whether an
// error is worth retrying and counts toward the breaker.
func (c Config) NewPolicy(target string, transient func(error) bool, hooks Hooks) Policy {
	retry := RetryPolicy{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
		Jitter:      NoJitter,
		// Caller cancellation is caught by RetryPolicy.Do before each attempt;
		// a timed-out request is a transient failure like any other.
		ShouldRetry: func(err error) bool {
			return transient(err) && !errors.Is(err, ErrCircuitOpen)
		},
	}
	if c.RetryJitter {
		retry.Jitter = nil
	}
	if hooks.OnRetry != nil {
		retry.OnRetry = func(attempt int, err error, delay time.Duration) {
			hooks.OnRetry(target, attempt, err, delay)
		}
	}

	policy := Policy{
		Breaker: NewCircuitBreaker(CircuitBreakerConfig{
			Name:          target,
			MaxFailures:   c.BreakerMaxFailures,
			ResetTimeout:  c.BreakerResetTimeout,
			IsFailure:     transient,
			OnStateChange: hooks.OnStateChange,
		}),
		Retry: retry,
	}
	if c.RateLimitInterval > 0 && c.RateLimitBurst > 0 {
		policy.Limiter = NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst, hooks.OnWait)
	}
	return policy
}

func optionalDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func optionalInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}
