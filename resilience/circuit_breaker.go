// Package resilience provides the circuit breaker and retry helpers the
// chat adapter and workflow engine use when calling out to systems that
// may be degraded: consecutive-failure circuit breaking, and exponential
// backoff with jitter.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/approvalflow/orchestrator/core"
)

// CircuitState is one of the three canonical breaker states.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreakerConfig configures the consecutive-failure breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	OpenDuration     time.Duration
	Logger           core.Logger
}

// DefaultCircuitBreakerConfig is 5 consecutive failures opening the
// circuit for 60 seconds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		OpenDuration:     60 * time.Second,
		Logger:           core.NoOpLogger{},
	}
}

// CircuitBreaker tracks consecutive failures for a single outbound
// dependency and short-circuits calls once the threshold trips, until
// OpenDuration elapses, at which point one probe call is allowed through
// (half-open) to decide whether to close again.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	logger core.Logger

	mu               sync.Mutex
	state            CircuitState
	consecutiveFails int
	openedAt         time.Time
}

// NewCircuitBreaker constructs a breaker for the named dependency.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	logger := cfg.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultCircuitBreakerConfig().OpenDuration
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		state:  StateClosed,
	}
}

// SetLogger swaps the breaker's logger after construction.
func (cb *CircuitBreaker) SetLogger(l core.Logger) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.logger = l
}

// GetState returns the current breaker state, resolving an elapsed open
// window into half-open as a side effect of observation.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

func (cb *CircuitBreaker) maybeHalfOpenLocked() {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.OpenDuration {
		cb.state = StateHalfOpen
	}
}

// CanExecute reports whether a call should be attempted right now,
// without actually running it. Useful for cheap pre-checks.
func (cb *CircuitBreaker) CanExecute() bool {
	return cb.GetState() != StateOpen
}

// Execute runs fn through the breaker. If the circuit is open it returns
// core.ErrCircuitBreakerOpen immediately without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.CanExecute() {
		return core.ErrCircuitBreakerOpen
	}

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.consecutiveFails++
		if cb.state == StateHalfOpen || cb.consecutiveFails >= cb.cfg.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = time.Now()
			cb.logger.Warn("circuit breaker opened", map[string]interface{}{
				"breaker":           cb.name,
				"consecutive_fails": cb.consecutiveFails,
			})
		}
		return err
	}

	if cb.consecutiveFails > 0 || cb.state != StateClosed {
		cb.logger.Info("circuit breaker closed", map[string]interface{}{"breaker": cb.name})
	}
	cb.consecutiveFails = 0
	cb.state = StateClosed
	return nil
}

// ExecuteWithTimeout runs fn in a goroutine bounded by timeout, recovering
// a panic in fn as a failure rather than crashing the caller.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	return cb.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- &core.HandlerError{Handler: cb.name, Err: panicToError(r)}
				}
			}()
			done <- fn(ctx)
		}()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Reset forces the breaker back to closed, clearing failure history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFails = 0
}

func panicToError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &panicValue{r}
}

type panicValue struct{ v interface{} }

func (p *panicValue) Error() string { return "panic recovered in circuit breaker call" }
