package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/approvalflow/orchestrator/core"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 2, OpenDuration: time.Minute})
	boom := errors.New("boom")

	require.ErrorIs(t, cb.Execute(context.Background(), func(context.Context) error { return boom }), boom)
	require.Equal(t, StateClosed, cb.GetState())

	require.ErrorIs(t, cb.Execute(context.Background(), func(context.Context) error { return boom }), boom)
	require.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_ShortCircuitsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, OpenDuration: time.Minute})
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	require.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
	require.False(t, called)
}

func TestCircuitBreaker_HalfOpenAfterDuration(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond})
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	require.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, OpenDuration: 10 * time.Millisecond})
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.GetState())

	err := cb.Execute(context.Background(), func(context.Context) error { return errors.New("still broken") })
	require.Error(t, err)
	require.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_ExecuteWithTimeout_RecoversPanic(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultCircuitBreakerConfig())
	err := cb.ExecuteWithTimeout(context.Background(), time.Second, func(context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
}

func TestCircuitBreaker_ExecuteWithTimeout_CtxDeadline(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultCircuitBreakerConfig())
	err := cb.ExecuteWithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, OpenDuration: time.Minute})
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	require.Equal(t, StateClosed, cb.GetState())
}
