// Package resilience provides the retry and circuit-breaker building blocks
// shared by the dispatcher and the provisioner client.
package resilience

import (
	"context"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sony/gobreaker"
)

// RetryConfig shapes a failsafe retry policy.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterDelay time.Duration
}

// ProvisionerRetryConfig is tuned for the remote registration/refresh API:
// few attempts, generous backoff, so a struggling provisioner is not hammered.
var ProvisionerRetryConfig = RetryConfig{
	MaxRetries:  2,
	BaseDelay:   time.Second,
	MaxDelay:    15 * time.Second,
	JitterDelay: 500 * time.Millisecond,
}

// NewRetryPolicy builds a failsafe retry policy from the config.
func NewRetryPolicy[R any](cfg RetryConfig) retrypolicy.RetryPolicy[R] {
	builder := retrypolicy.NewBuilder[R]().
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay)
	if cfg.JitterDelay > 0 {
		builder = builder.WithJitter(cfg.JitterDelay)
	}
	return builder.Build()
}

// Executor runs a function under a retry policy with context cancellation.
type Executor[R any] struct {
	executor failsafe.Executor[R]
}

func NewExecutor[R any](cfg RetryConfig) *Executor[R] {
	return &Executor[R]{executor: failsafe.With(NewRetryPolicy[R](cfg))}
}

func (e *Executor[R]) Execute(ctx context.Context, fn func() (R, error)) (R, error) {
	return e.executor.WithContext(ctx).Get(fn)
}

// BreakerConfig shapes the upstream circuit breaker.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	IsSuccessful     func(err error) bool
}

// DefaultBreakerConfig trips after sustained upstream failure so the whole
// pool is not burned through when the service itself is down.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      10,
		IsSuccessful:     func(err error) bool { return err == nil },
	}
}

// CircuitBreaker wraps gobreaker with our config shape.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: cfg.IsSuccessful,
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

func (c *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return c.cb.Execute(fn)
}

func (c *CircuitBreaker) State() gobreaker.State { return c.cb.State() }

// IsTransientStatus reports whether an upstream status code indicates a fault
// of the serving account rather than of the request. 524 is the Cloudflare
// origin-timeout status the upstream emits under load.
func IsTransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, 524:
		return true
	}
	return false
}

// WaitWithContext sleeps for delay unless the context is cancelled first.
func WaitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
