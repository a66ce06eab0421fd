package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBroker = errors.New("broker unavailable")

func failing() error { return errBroker }
func succeeding() error { return nil }

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failing), errBroker)
		assert.Equal(t, StateClosed, cb.GetState())
	}
	assert.ErrorIs(t, cb.Execute(ctx, failing), errBroker)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	require.NoError(t, cb.Execute(ctx, succeeding))
	_ = cb.Execute(ctx, failing)

	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, time.Second)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	require.Equal(t, StateOpen, cb.GetState())

	now = now.Add(2 * time.Second)
	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, cb.GetState())

	_ = cb.Execute(ctx, failing)
	now = now.Add(2 * time.Second)
	assert.ErrorIs(t, cb.Execute(ctx, failing), errBroker)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_SingleProbeWhileHalfOpen(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(1, time.Second)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	now = now.Add(2 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(ctx, func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, succeeding), ErrCircuitOpen)

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, cb.Execute(ctx, succeeding), context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())
}
