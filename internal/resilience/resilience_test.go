package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/creditflow/internal/provider"
	"github.com/r3e-network/creditflow/internal/servererr"
)

func TestCircuitTripsAfterThreshold(t *testing.T) {
	cb := New("BR", "mockbank-BR", Config{FailureThreshold: 5, RecoveryTimeout: time.Hour})

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), 0, func(ctx context.Context) error {
			return &provider.ExternalServiceError{Provider: "mockbank-BR", Err: errors.New("boom")}
		})
		require.Error(t, err)
	}

	assert.Equal(t, StateOpen, cb.State())

	// P6: the next call within recovery_timeout does not invoke the
	// provider and raises ProviderUnavailable.
	called := false
	err := cb.Execute(context.Background(), 0, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	appErr, ok := servererr.As(err)
	require.True(t, ok)
	assert.Equal(t, servererr.CodeProviderUnavailable, appErr.Code)
}

func TestCircuitHalfOpenAfterRecoveryTimeout(t *testing.T) {
	cb := New("BR", "mockbank-BR", Config{FailureThreshold: 2, RecoveryTimeout: 10 * time.Millisecond})

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), 0, func(ctx context.Context) error {
			return &provider.ExternalServiceError{Provider: "mockbank-BR", Err: errors.New("boom")}
		})
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	called := false
	err := cb.Execute(context.Background(), 0, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called, "one probe call must be admitted after recovery_timeout")
	assert.Equal(t, StateClosed, cb.State())
}

func TestProgrammingErrorDoesNotCountTowardBreaker(t *testing.T) {
	cb := New("ES", "mockbank-ES", Config{FailureThreshold: 2, RecoveryTimeout: time.Hour})

	for i := 0; i < 10; i++ {
		err := cb.Execute(context.Background(), 0, func(ctx context.Context) error {
			return errors.New("nil pointer dereference")
		})
		require.Error(t, err)
	}

	assert.Equal(t, StateClosed, cb.State(), "non-retryable programming errors must not trip the breaker")
}

func TestTimeoutMapsToNetworkTimeoutError(t *testing.T) {
	cb := New("MX", "mockbank-MX", Config{FailureThreshold: 5, RecoveryTimeout: time.Hour})

	err := cb.Execute(context.Background(), 5*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return nil
		}
	})
	require.Error(t, err)
	appErr, ok := servererr.As(err)
	require.True(t, ok)
	assert.Equal(t, servererr.CodeRecoverable, appErr.Code)
}
