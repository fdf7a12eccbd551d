// Package broker defines the injected venue capabilities: order placement,
// bar delivery and historical bar retrieval.
package broker

import (
	"context"
	"time"

	"breakout-trader/internal/models"
)

// OrderAdapter submits and manages bracket orders. Implementations report
// acks and fills through the OnUpdate handler.
type OrderAdapter interface {
	// Orders
	SubmitBracket(ctx context.Context, req models.BracketRequest) (*models.OrderResult, error)
	CancelBracket(ctx context.Context, intentID string) error
	Flatten(ctx context.Context, intentID string) error
	QueryBracket(ctx context.Context, intentID string) (*models.BracketState, error)

	// Reports
	OnUpdate(handler func(models.OrderUpdate))
	Connected() bool
}

// BarObserver is implemented by adapters that simulate fills from bars.
type BarObserver interface {
	ObserveBar(canonical string, bar models.Bar)
}

// BarFeed delivers bars until ctx is done or the feed fails for good.
type BarFeed interface {
	Run(ctx context.Context, deliver func(models.Bar)) error
}

// BackfillProvider returns historical bars for [from, to).
type BackfillProvider interface {
	Bars(ctx context.Context, instrument string, from, to time.Time) ([]models.Bar, error)
}

// NoBackfill is a provider that never has data.
type NoBackfill struct{}

// Bars returns no bars.
func (NoBackfill) Bars(context.Context, string, time.Time, time.Time) ([]models.Bar, error) {
	return nil, nil
}
