package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakout-trader/internal/clock"
)

var errBoom = errors.New("boom")

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC))
	cb := NewCircuitBreaker("orders", CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: 30 * time.Second}, clk)
	ctx := context.Background()
	fail := func() error { return errBoom }
	ok := func() error { return nil }

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "an open circuit does not call through")

	clk.Advance(31 * time.Second)
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, CircuitClosed, cb.State())

	stats := cb.Stats()
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.TotalRejected)
	assert.Equal(t, 50.0, stats.FailureRate())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC))
	cb := NewCircuitBreaker("orders", CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: time.Second}, clk)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	require.Equal(t, CircuitOpen, cb.State())

	clk.Advance(2 * time.Second)
	_ = cb.Execute(ctx, func() error { return errBoom })
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_PanicAndTimeoutCountAsFailures(t *testing.T) {
	cb := NewCircuitBreaker("orders", DefaultCircuitBreakerConfig(), nil)

	err := cb.Execute(context.Background(), func() error { panic("adapter bug") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adapter bug")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	defer close(release)
	v, err := ExecuteWithResult(cb, ctx, func() (int, error) {
		<-release
		return 1, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, v)

	stats := cb.Stats()
	assert.Equal(t, int64(1), stats.TotalPanics)
	assert.Equal(t, int64(1), stats.TotalTimeouts)
	assert.Equal(t, 2, stats.CurrentFailures)
	assert.Equal(t, CircuitClosed, stats.State)
}
