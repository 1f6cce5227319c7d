package reliability

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	Name         string
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
	// IsFailure decides whether an error counts toward tripping. Errors it
	// rejects are treated like a success: the call reached the target.
	IsFailure func(error) bool
	// OnStateChange runs with the breaker lock held and must not call back
	// into the breaker.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker stops calls after repeated failures.
type CircuitBreaker struct {
	mu            sync.Mutex
	name          string
	maxFails      int
	resetAfter    time.Duration
	now           func() time.Time
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)

	state          State
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
}

// NewCircuitBreaker constructs a circuit breaker with sane defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFails:      maxFails,
		resetAfter:    resetAfter,
		now:           now,
		isFailure:     isFailure,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
	}
}

// Name returns the breaker's target name.
func (c *CircuitBreaker) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// State reports the current position. An open breaker whose cool-down has
// elapsed still reports open until the next call moves it to half-open.
func (c *CircuitBreaker) State() State {
	if c == nil {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Execute runs the given function while enforcing breaker state.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}

	trial := false
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		if c.now().Sub(c.openedAt) < c.resetAfter {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.transition(StateHalfOpen)
		trial = true
	case StateHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		trial = true
	}
	if trial {
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()

	if trial {
		c.halfOpenFlight = false
		c.failures = 0
		if c.isFailure(err) {
			c.openedAt = c.now()
			c.transition(StateOpen)
		} else {
			c.transition(StateClosed)
		}
		return err
	}

	// Calls admitted while closed only count if the circuit is still closed.
	if c.state != StateClosed {
		return err
	}
	if !c.isFailure(err) {
		c.failures = 0
		return err
	}
	c.failures++
	if c.failures >= c.maxFails {
		c.openedAt = c.now()
		c.transition(StateOpen)
	}
	return err
}

// transition must be called with c.mu held.
func (c *CircuitBreaker) transition(to State) {
	from := c.state
	c.state = to
	if c.onStateChange != nil && from != to {
		c.onStateChange(c.name, from, to)
	}
}
