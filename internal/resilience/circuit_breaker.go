// Package resilience provides circuit breaker and retry logic for external dependencies
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shubamchaudhary/ChunkAI-sub000/pkg/observability"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrMaxRetriesExceeded is returned when max retries are exceeded
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	// StateClosed means the circuit is closed and requests flow normally
	StateClosed CircuitBreakerState = iota

	// StateOpen means the circuit is open and requests are blocked
	StateOpen

	// StateHalfOpen means the circuit is testing if the service recovered
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening
	MaxFailures int

	// ResetTimeout is how long to wait before attempting to close
	ResetTimeout time.Duration

	// HalfOpenMaxRequests is max requests allowed in half-open state
	HalfOpenMaxRequests int
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		ResetTimeout:        60 * time.Second,
		HalfOpenMaxRequests: 2,
	}
}

// CircuitBreaker guards calls to an external dependency. It trips open after
// MaxFailures consecutive failures and probes with a limited number of
// requests after ResetTimeout.
type CircuitBreaker struct {
	name        string
	config      CircuitBreakerConfig
	state       CircuitBreakerState
	failures    int
	successes   int
	requests    int
	lastAttempt time.Time
	logger      observability.Logger

	mu sync.RWMutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger observability.Logger) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = 2
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		logger: logger.WithPrefix("circuit-breaker." + name),
	}
}

// Execute runs the given function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allow() {
		return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
	}

	err := fn()
	cb.recordResult(err == nil)
	return err
}

// allow checks if the request should be allowed
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.lastAttempt) > cb.config.ResetTimeout {
			cb.setState(StateHalfOpen)
			cb.logger.Info("Circuit breaker transitioning to half-open", nil)
			return true
		}
		return false

	case StateHalfOpen:
		return cb.requests < cb.config.HalfOpenMaxRequests

	default:
		return false
	}
}

// recordResult records the result of an execution
func (cb *CircuitBreaker) recordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++
	cb.lastAttempt = time.Now()

	if success {
		cb.successes++
		cb.onSuccess()
	} else {
		cb.failures++
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		if cb.successes >= cb.config.HalfOpenMaxRequests {
			cb.setState(StateClosed)
			cb.reset()
			cb.logger.Info("Circuit breaker closed after successful recovery", nil)
		}

	case StateClosed:
		// A success in closed state breaks the consecutive-failure run
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) onFailure() {
	switch cb.state {
	case StateHalfOpen:
		// Immediate open on failure in half-open
		cb.setState(StateOpen)
		cb.logger.Warn("Circuit breaker re-opened after failure", map[string]interface{}{
			"failures": cb.failures,
		})

	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
			cb.logger.Warn("Circuit breaker opened", map[string]interface{}{
				"failures": cb.failures,
			})
		}
	}
}

func (cb *CircuitBreaker) setState(state CircuitBreakerState) {
	if state != cb.state && state == StateHalfOpen {
		// Probe counters start fresh
		cb.reset()
	}
	cb.state = state
}

func (cb *CircuitBreaker) reset() {
	cb.failures = 0
	cb.successes = 0
	cb.requests = 0
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns circuit breaker statistics
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return map[string]interface{}{
		"state":        cb.state.String(),
		"failures":     cb.failures,
		"successes":    cb.successes,
		"requests":     cb.requests,
		"last_attempt": cb.lastAttempt,
	}
}

// RetryConfig configures retry behavior
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts after the first call
	MaxRetries int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier
	Multiplier float64

	// Retryable classifies errors; nil means every error is retried
	Retryable func(error) bool
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryWithBackoff executes a function with exponential backoff retry logic.
// Non-retryable errors (per config.Retryable) are returned immediately.
func RetryWithBackoff(ctx context.Context, config RetryConfig, logger observability.Logger, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if config.Retryable != nil && !config.Retryable(err) {
			logger.Debug("Error not retryable", map[string]interface{}{
				"error": err.Error(),
			})
			return err
		}

		if attempt == config.MaxRetries {
			break
		}

		logger.Warn("Retrying after error", map[string]interface{}{
			"attempt":      attempt + 1,
			"max_attempts": config.MaxRetries,
			"delay":        delay.String(),
			"error":        err.Error(),
		})

		select {
		case <-time.After(delay):
			delay = time.Duration(float64(delay) * config.Multiplier)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}
