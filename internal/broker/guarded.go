package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	apperrors "breakout-trader/internal/errors"
	"breakout-trader/internal/logging"
	"breakout-trader/internal/models"
	"breakout-trader/internal/resilience"
)

// Guarded wraps an OrderAdapter with a per-call timeout and a circuit breaker
// so a failing venue degrades to "no action" instead of blocking the caller.
type Guarded struct {
	inner   OrderAdapter
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	logger  zerolog.Logger
}

// NewGuarded wraps inner.
func NewGuarded(inner OrderAdapter, breaker *resilience.CircuitBreaker, timeout time.Duration, logger zerolog.Logger) *Guarded {
	return &Guarded{
		inner:   inner,
		breaker: breaker,
		timeout: timeout,
		logger:  logger.With().Str("component", "order_adapter").Logger(),
	}
}

// Breaker exposes the circuit breaker for status reporting.
func (g *Guarded) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

func (g *Guarded) call(ctx context.Context, method, intentID string, fn func(ctx context.Context) error) error {
	if !g.inner.Connected() {
		return apperrors.NewOrderError(intentID, "", method, "adapter disconnected", apperrors.ErrAdapterUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	err := g.breaker.Execute(ctx, func() error { return fn(ctx) })
	logging.LogAdapterCall(g.logger, method, intentID, time.Since(start), err)
	return err
}

// SubmitBracket submits through the breaker.
func (g *Guarded) SubmitBracket(ctx context.Context, req models.BracketRequest) (*models.OrderResult, error) {
	var res *models.OrderResult
	err := g.call(ctx, "SubmitBracket", req.IntentID, func(ctx context.Context) error {
		var err error
		res, err = g.inner.SubmitBracket(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CancelBracket cancels through the breaker.
func (g *Guarded) CancelBracket(ctx context.Context, intentID string) error {
	return g.call(ctx, "CancelBracket", intentID, func(ctx context.Context) error {
		return g.inner.CancelBracket(ctx, intentID)
	})
}

// Flatten closes an open position through the breaker.
func (g *Guarded) Flatten(ctx context.Context, intentID string) error {
	return g.call(ctx, "Flatten", intentID, func(ctx context.Context) error {
		return g.inner.Flatten(ctx, intentID)
	})
}

// QueryBracket queries through the breaker.
func (g *Guarded) QueryBracket(ctx context.Context, intentID string) (*models.BracketState, error) {
	var st *models.BracketState
	err := g.call(ctx, "QueryBracket", intentID, func(ctx context.Context) error {
		var err error
		st, err = g.inner.QueryBracket(ctx, intentID)
		return err
	})
	return st, err
}

// OnUpdate registers a report handler on the wrapped adapter.
func (g *Guarded) OnUpdate(handler func(models.OrderUpdate)) {
	g.inner.OnUpdate(handler)
}

// Connected reports the wrapped adapter's connectivity.
func (g *Guarded) Connected() bool {
	return g.inner.Connected()
}

// ObserveBar forwards bars to simulating adapters.
func (g *Guarded) ObserveBar(canonical string, bar models.Bar) {
	if obs, ok := g.inner.(BarObserver); ok {
		obs.ObserveBar(canonical, bar)
	}
}
