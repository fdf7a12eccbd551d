package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakout-trader/internal/clock"
	apperrors "breakout-trader/internal/errors"
	"breakout-trader/internal/models"
	"breakout-trader/internal/resilience"
)

var t0 = time.Date(2025, 3, 3, 15, 5, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	updates []models.OrderUpdate
}

func (r *recorder) handle(u models.OrderUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) kinds() []models.OrderUpdateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.OrderUpdateKind, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Kind)
	}
	return out
}

func longBracket() models.BracketRequest {
	return models.BracketRequest{
		IntentID:   "intent-1",
		StreamID:   "ES_S2",
		Canonical:  "ES",
		Instrument: "MES",
		Direction:  models.DirectionLong,
		Quantity:   2,
		EntryPrice: 5010,
		StopLoss:   5004,
		Target:     5020,
	}
}

func bar(minute int, o, h, l, c float64) models.Bar {
	return models.Bar{
		Instrument: "ES",
		Timestamp:  t0.Add(time.Duration(minute) * time.Minute),
		Open:       o, High: h, Low: l, Close: c,
		Source: models.BarSourceLive,
	}
}

func TestPaper_EntryThenTarget(t *testing.T) {
	p := NewPaperAdapter(clock.NewManual(t0), 0)
	rec := &recorder{}
	p.OnUpdate(rec.handle)

	res, err := p.SubmitBracket(context.Background(), longBracket())
	require.NoError(t, err)
	assert.NotEmpty(t, res.BrokerRef)

	p.ObserveBar("ES", bar(0, 5008, 5009, 5007, 5008))
	p.ObserveBar("ES", bar(1, 5009, 5011, 5008, 5010))
	// the fill bar itself never triggers an exit
	p.ObserveBar("ES", bar(2, 5012, 5021, 5011, 5020))

	assert.Equal(t, []models.OrderUpdateKind{models.UpdateAccepted, models.UpdateEntryFilled, models.UpdateExitFilled}, rec.kinds())

	st, err := p.QueryBracket(context.Background(), "intent-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderClosed, st.Status)
	assert.Equal(t, 2, st.FilledQty)
	assert.Equal(t, 5010.0, st.AveragePrice)
}

func TestPaper_StopBeatsTargetInOneBar(t *testing.T) {
	p := NewPaperAdapter(clock.NewManual(t0), 0)
	rec := &recorder{}
	p.OnUpdate(rec.handle)
	_, err := p.SubmitBracket(context.Background(), longBracket())
	require.NoError(t, err)

	p.ObserveBar("ES", bar(0, 5011, 5012, 5009, 5011))
	p.ObserveBar("ES", bar(1, 5011, 5025, 5000, 5010))

	rec.mu.Lock()
	last := rec.updates[len(rec.updates)-1]
	rec.mu.Unlock()
	assert.Equal(t, models.UpdateExitFilled, last.Kind)
	assert.Equal(t, 5004.0, last.Price)
	assert.Equal(t, "stop_loss", last.Reason)
}

func TestPaper_OtherMarketIgnored(t *testing.T) {
	p := NewPaperAdapter(clock.NewManual(t0), 0)
	rec := &recorder{}
	p.OnUpdate(rec.handle)
	_, _ = p.SubmitBracket(context.Background(), longBracket())

	p.ObserveBar("NQ", bar(0, 5008, 6000, 5007, 5008))
	assert.Equal(t, []models.OrderUpdateKind{models.UpdateAccepted}, rec.kinds())
}

func TestPaper_CancelAndFlatten(t *testing.T) {
	ctx := context.Background()
	p := NewPaperAdapter(clock.NewManual(t0), 0.25)
	rec := &recorder{}
	p.OnUpdate(rec.handle)

	_, err := p.SubmitBracket(ctx, longBracket())
	require.NoError(t, err)
	require.NoError(t, p.CancelBracket(ctx, "intent-1"))
	require.NoError(t, p.CancelBracket(ctx, "intent-1"), "cancel of a terminal bracket is a no-op")

	filled := longBracket()
	filled.IntentID = "intent-2"
	_, err = p.SubmitBracket(ctx, filled)
	require.NoError(t, err)
	p.ObserveBar("ES", bar(0, 5011, 5013, 5010, 5012))

	err = p.CancelBracket(ctx, "intent-2")
	assert.True(t, apperrors.Is(err, apperrors.ErrOrderRejected))

	require.NoError(t, p.Flatten(ctx, "intent-2"))
	st, err := p.QueryBracket(ctx, "intent-2")
	require.NoError(t, err)
	assert.Equal(t, models.OrderClosed, st.Status)
	assert.Equal(t, 5011.25, st.AveragePrice, "slippage applied to the entry")
	assert.Equal(t, 5011.75, st.ExitPrice, "flattened at the last close less slippage")

	assert.Equal(t, []models.OrderUpdateKind{
		models.UpdateAccepted, models.UpdateCancelled,
		models.UpdateAccepted, models.UpdateEntryFilled, models.UpdateExitFilled,
	}, rec.kinds())
}

func TestPaper_Rejections(t *testing.T) {
	ctx := context.Background()
	p := NewPaperAdapter(nil, 0)

	p.RejectNext("margin")
	_, err := p.SubmitBracket(ctx, longBracket())
	assert.True(t, apperrors.Is(err, apperrors.ErrOrderRejected))

	_, err = p.SubmitBracket(ctx, longBracket())
	require.NoError(t, err)
	_, err = p.SubmitBracket(ctx, longBracket())
	assert.True(t, apperrors.Is(err, apperrors.ErrIntentExists))

	p.SetConnected(false)
	other := longBracket()
	other.IntentID = "x"
	_, err = p.SubmitBracket(ctx, other)
	assert.ErrorIs(t, err, apperrors.ErrAdapterUnavailable)

	_, err = p.QueryBracket(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownOrder))
	assert.Equal(t, 1, p.Brackets())
}

type stuckAdapter struct {
	*PaperAdapter
	block chan struct{}
}

func (s *stuckAdapter) SubmitBracket(ctx context.Context, req models.BracketRequest) (*models.OrderResult, error) {
	<-s.block
	return nil, errors.New("too late")
}

func TestGuarded_TimeoutAndBreaker(t *testing.T) {
	clk := clock.NewManual(t0)
	inner := &stuckAdapter{PaperAdapter: NewPaperAdapter(clk, 0), block: make(chan struct{})}
	defer close(inner.block)

	cb := resilience.NewCircuitBreaker("adapter", resilience.CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Minute}, clk)
	g := NewGuarded(inner, cb, 20*time.Millisecond, zerolog.Nop())

	for i := 0; i < 2; i++ {
		_, err := g.SubmitBracket(context.Background(), longBracket())
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Equal(t, resilience.CircuitOpen, cb.State())

	_, err := g.SubmitBracket(context.Background(), longBracket())
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestGuarded_Disconnected(t *testing.T) {
	p := NewPaperAdapter(nil, 0)
	p.SetConnected(false)
	g := NewGuarded(p, resilience.NewCircuitBreaker("adapter", resilience.DefaultCircuitBreakerConfig(), nil), time.Second, zerolog.Nop())

	_, err := g.SubmitBracket(context.Background(), longBracket())
	assert.True(t, apperrors.Is(err, apperrors.ErrAdapterUnavailable))
	assert.False(t, g.Connected())
}

func TestGuarded_PassesThrough(t *testing.T) {
	p := NewPaperAdapter(clock.NewManual(t0), 0)
	g := NewGuarded(p, resilience.NewCircuitBreaker("adapter", resilience.DefaultCircuitBreakerConfig(), nil), time.Second, zerolog.Nop())
	rec := &recorder{}
	g.OnUpdate(rec.handle)

	_, err := g.SubmitBracket(context.Background(), longBracket())
	require.NoError(t, err)
	g.ObserveBar("ES", bar(0, 5011, 5012, 5010, 5011))
	require.NoError(t, g.Flatten(context.Background(), "intent-1"))

	st, err := g.QueryBracket(context.Background(), "intent-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderClosed, st.Status)
	assert.Len(t, rec.kinds(), 3)
}
