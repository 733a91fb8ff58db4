// Package resilience implements the circuit breaker + timeout wrapper (C6,
// §4.5) around every Provider call, backed by github.com/sony/gobreaker/v2
// and github.com/cenkalti/backoff/v4.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/r3e-network/creditflow/internal/domain/application"
	"github.com/r3e-network/creditflow/internal/provider"
	"github.com/r3e-network/creditflow/internal/servererr"
)

// State mirrors gobreaker.State with the vocabulary used by §4.5.
type State int

const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config tunes one circuit breaker instance (§4.5 thresholds).
type Config struct {
	FailureThreshold uint32
	RecoveryTimeout  time.Duration
	HalfOpenMax      uint32
	OnStateChange    func(from, to State)
}

// DefaultConfig applies the spec defaults: failure_threshold=5,
// recovery_timeout=60s.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMax:      1,
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker, counting only the
// retryable error classes toward the trip threshold (§4.5: programming
// errors are passed through untouched — P7).
type CircuitBreaker struct {
	gb      *gobreaker.CircuitBreaker[any]
	country string
	name    string
}

// New constructs a CircuitBreaker for one (country, provider) pair.
func New(country, providerName string, cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMax == 0 {
		cfg.HalfOpenMax = 1
	}

	settings := gobreaker.Settings{
		Name:        providerName,
		MaxRequests: cfg.HalfOpenMax,
		Interval:    0,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	settings.OnStateChange = func(_ string, from, to gobreaker.State) {
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(State(from), State(to))
		}
		observeStateChange(country, providerName, State(to))
	}

	return &CircuitBreaker{
		gb:      gobreaker.NewCircuitBreaker[any](settings),
		country: country,
		name:    providerName,
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	return State(cb.gb.State())
}

// countsTowardBreaker reports whether err belongs to the retryable classes
// the breaker must count: RecoverableError, ExternalServiceError,
// NetworkTimeoutError, ConnectionError, or a *servererr.AppError tagged
// Recoverable/ProviderUnavailable. Everything else (programming errors)
// passes through without affecting breaker state (§4.5, P7).
func countsTowardBreaker(err error) bool {
	if err == nil {
		return false
	}
	var recoverable provider.RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.Recoverable()
	}
	if appErr, ok := servererr.As(err); ok {
		return servererr.IsRecoverable(appErr)
	}
	return false
}

// Execute runs fn with timeout enforcement and circuit breaker protection.
// fn should itself respect ctx's deadline; a ctx.Err() == DeadlineExceeded
// after fn returns is translated to NetworkTimeoutError.
func (cb *CircuitBreaker) Execute(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if cb.State() == StateOpen {
		observeCall(cb.country, cb.name, "rejected")
		return servererr.ProviderUnavailable(cb.country, cb.name)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var realErr error
	_, gbErr := cb.gb.Execute(func() (any, error) {
		realErr = fn(callCtx)
		if realErr != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			realErr = servererr.NetworkTimeout(cb.name, realErr)
		}
		if realErr != nil && !countsTowardBreaker(realErr) {
			// Programming error: propagate but do not count.
			return nil, nil
		}
		return nil, realErr
	})

	if errors.Is(gbErr, gobreaker.ErrOpenState) || errors.Is(gbErr, gobreaker.ErrTooManyRequests) {
		observeCall(cb.country, cb.name, "rejected")
		return servererr.ProviderUnavailable(cb.country, cb.name)
	}

	switch {
	case realErr != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		observeCall(cb.country, cb.name, "timeout")
	case realErr != nil:
		observeCall(cb.country, cb.name, "failure")
	default:
		observeCall(cb.country, cb.name, "success")
	}

	return realErr
}

// RetryConfig configures the exponential-with-jitter backoff used for
// in-process retries (§9: implementers must select a backoff policy).
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryConfig matches §4.6's max_tries=3.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Retry runs fn with exponential backoff via cenkalti/backoff, stopping
// early if fn returns a permanent error (servererr.IsPermanent).
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withMax := backoff.WithMaxRetries(bo, maxRetries)
	withCtx := backoff.WithContext(withMax, ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && servererr.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, withCtx)
}

// Registry holds one CircuitBreaker per (country, provider_name) pair
// (§4.5). Safe for concurrent use: worker.Pool.Run calls Get from up to
// Config.MaxJobs goroutines at once.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      Config
}

// NewRegistry constructs an empty Registry using cfg for every breaker it
// lazily creates.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), cfg: cfg}
}

func registryKey(country application.Country, providerName string) string {
	return string(country) + ":" + providerName
}

// Get returns the breaker for (country, providerName), creating it on
// first access.
func (r *Registry) Get(country application.Country, providerName string) *CircuitBreaker {
	key := registryKey(country, providerName)

	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb = New(string(country), providerName, r.cfg)
	r.breakers[key] = cb
	return cb
}
