package clients

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"shadmission/pkg/logging"
)

// ErrCircuitOpen is returned without calling through while the breaker is open.
var ErrCircuitOpen = circuitbreaker.ErrOpen

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies this circuit breaker in logs and metrics
	Name string

	// FailureThreshold is the number of consecutive failures that open the
	// circuit. Default: 5
	FailureThreshold uint

	// SuccessThreshold is the number of successful probes needed in
	// half-open state before closing. Default: 1
	SuccessThreshold uint

	// Delay is how long the circuit stays open before allowing a probe.
	// Default: 10 seconds
	Delay time.Duration

	// Logger for state change notifications
	Logger logging.Logger

	// OnStateChange is an optional callback invoked on every transition.
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// DefaultCircuitBreakerConfig suits a dependency polled once per second:
// five missed polls open the circuit and a probe goes out every 10s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             "default",
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Delay:            10 * time.Second,
	}
}

// CircuitBreaker wraps failsafe-go's circuit breaker with our config interface.
type CircuitBreaker struct {
	cb   circuitbreaker.CircuitBreaker[any]
	name string
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if cfg.Name == "" {
		cfg.Name = "circuit-breaker"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = defaults.SuccessThreshold
	}
	if cfg.Delay <= 0 {
		cfg.Delay = defaults.Delay
	}

	builder := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(cfg.FailureThreshold).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(cfg.SuccessThreshold).
		HandleIf(func(_ any, err error) bool {
			// Caller cancellation says nothing about the dependency
			return err != nil && !errors.Is(err, context.Canceled)
		})

	if cfg.OnStateChange != nil || cfg.Logger != nil {
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			fromState := convertState(event.OldState)
			toState := convertState(event.NewState)

			if cfg.Logger != nil {
				cfg.Logger.WithFields(logging.Fields{
					"circuit_breaker": cfg.Name,
					"from_state":      fromState.String(),
					"to_state":        toState.String(),
				}).Warn("circuit breaker state change")
			}

			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, fromState, toState)
			}
		})
	}

	return &CircuitBreaker{
		cb:   builder.Build(),
		name: cfg.Name,
	}
}

// convertState converts failsafe-go state to our state type
func convertState(state circuitbreaker.State) CircuitBreakerState {
	switch state {
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	case circuitbreaker.OpenState:
		return StateOpen
	default:
		return StateClosed
	}
}

// Call executes fn through the circuit breaker.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := failsafe.With[any](cb.cb).WithContext(ctx).Get(func() (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Execute runs a value-returning fn through cb.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Call(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return convertState(cb.cb.State())
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// IsOpen returns true if the circuit breaker is open
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.cb.IsOpen()
}

// DefaultShouldRetry determines if an HTTP request should be retried.
// Retries on network errors, server errors (5xx), and rate limits (429).
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// HTTPRetryConfig configures NewHTTPRetryPolicy
type HTTPRetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ShouldRetry func(resp *http.Response, err error) bool
}

// DefaultHTTPRetryConfig returns sensible defaults
func DefaultHTTPRetryConfig() HTTPRetryConfig {
	return HTTPRetryConfig{
		MaxRetries:  2,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		ShouldRetry: DefaultShouldRetry,
	}
}

func normalizeHTTPRetryConfig(cfg HTTPRetryConfig) HTTPRetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = DefaultShouldRetry
	}
	return cfg
}

// NewHTTPRetryPolicy creates a retry policy for idempotent HTTP reads
//
//nolint:bodyclose // false positive: [*http.Response] is a generic type parameter, not an actual response
func NewHTTPRetryPolicy(cfg HTTPRetryConfig) retrypolicy.RetryPolicy[*http.Response] {
	cfg = normalizeHTTPRetryConfig(cfg)
	return retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(cfg.ShouldRetry).
		ReturnLastFailure().
		Build()
}

// DoHTTP runs fn under policy, closing the bodies of responses that are
// retried away.
//
//nolint:bodyclose // the final response is returned to the caller
func DoHTTP(ctx context.Context, policy retrypolicy.RetryPolicy[*http.Response], fn func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	var last *http.Response
	return failsafe.With[*http.Response](policy).WithContext(ctx).Get(func() (*http.Response, error) {
		if last != nil {
			last.Body.Close()
			last = nil
		}
		resp, err := fn(ctx)
		last = resp
		return resp, err
	})
}
