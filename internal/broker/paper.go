package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"breakout-trader/internal/clock"
	apperrors "breakout-trader/internal/errors"
	"breakout-trader/internal/models"
)

type paperBracket struct {
	req       models.BracketRequest
	ref       string
	status    models.OrderStatus
	filledQty int
	fillPrice float64
	fillBar   int64 // unix minute of the entry fill bar
	exitPrice float64
	lastPrice float64
}

// PaperAdapter simulates bracket orders against observed bars. Entries are
// stop-market orders at the breakout level; exits check the stop before the
// target when one bar touches both.
type PaperAdapter struct {
	clock    clock.Clock
	slippage float64

	mu           sync.Mutex
	orderCounter int
	brackets     map[string]*paperBracket
	handlers     []func(models.OrderUpdate)
	connected    bool
	rejectNext   string
}

// NewPaperAdapter creates a paper adapter. slippage is added against the
// trader on every fill.
func NewPaperAdapter(clk clock.Clock, slippage float64) *PaperAdapter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &PaperAdapter{
		clock:     clk,
		slippage:  slippage,
		brackets:  make(map[string]*paperBracket),
		connected: true,
	}
}

// SetConnected simulates venue connectivity.
func (p *PaperAdapter) SetConnected(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = on
}

// RejectNext makes the next submission fail with reason.
func (p *PaperAdapter) RejectNext(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectNext = reason
}

// Connected reports simulated connectivity.
func (p *PaperAdapter) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// OnUpdate registers a report handler.
func (p *PaperAdapter) OnUpdate(handler func(models.OrderUpdate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, handler)
}

// SubmitBracket accepts a bracket for simulation.
func (p *PaperAdapter) SubmitBracket(ctx context.Context, req models.BracketRequest) (*models.OrderResult, error) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil, apperrors.ErrAdapterUnavailable
	}
	if reason := p.rejectNext; reason != "" {
		p.rejectNext = ""
		p.mu.Unlock()
		return nil, apperrors.NewOrderError(req.IntentID, req.Instrument, "submit", reason, apperrors.ErrOrderRejected)
	}
	if _, dup := p.brackets[req.IntentID]; dup {
		p.mu.Unlock()
		return nil, apperrors.NewOrderError(req.IntentID, req.Instrument, "submit", "duplicate intent", apperrors.ErrIntentExists)
	}
	if req.Quantity <= 0 {
		p.mu.Unlock()
		return nil, apperrors.NewOrderError(req.IntentID, req.Instrument, "submit", "non-positive quantity", apperrors.ErrOrderRejected)
	}

	p.orderCounter++
	ref := fmt.Sprintf("PAPER_%d_%d", p.clock.Now().Unix(), p.orderCounter)
	p.brackets[req.IntentID] = &paperBracket{req: req, ref: ref, status: models.OrderAccepted}
	p.mu.Unlock()

	p.emit(models.OrderUpdate{
		IntentID:  req.IntentID,
		BrokerRef: ref,
		Kind:      models.UpdateAccepted,
		Time:      p.clock.Now(),
	})
	return &models.OrderResult{BrokerRef: ref, Status: string(models.OrderAccepted), Message: "paper bracket accepted"}, nil
}

// CancelBracket cancels an unfilled entry.
func (p *PaperAdapter) CancelBracket(ctx context.Context, intentID string) error {
	p.mu.Lock()
	b, ok := p.brackets[intentID]
	if !ok {
		p.mu.Unlock()
		return apperrors.NewOrderError(intentID, "", "cancel", "unknown bracket", apperrors.ErrUnknownOrder)
	}
	if b.status.Terminal() {
		p.mu.Unlock()
		return nil
	}
	if b.status == models.OrderFilled || b.status == models.OrderPartiallyFilled {
		p.mu.Unlock()
		return apperrors.NewOrderError(intentID, b.req.Instrument, "cancel", "entry already filled", apperrors.ErrOrderRejected)
	}
	b.status = models.OrderCancelled
	ref := b.ref
	p.mu.Unlock()

	p.emit(models.OrderUpdate{IntentID: intentID, BrokerRef: ref, Kind: models.UpdateCancelled, Time: p.clock.Now(), Reason: "cancel requested"})
	return nil
}

// Flatten closes an open position at the last observed price, or cancels an
// unfilled entry.
func (p *PaperAdapter) Flatten(ctx context.Context, intentID string) error {
	p.mu.Lock()
	b, ok := p.brackets[intentID]
	if !ok {
		p.mu.Unlock()
		return apperrors.NewOrderError(intentID, "", "flatten", "unknown bracket", apperrors.ErrUnknownOrder)
	}
	if b.status.Terminal() {
		p.mu.Unlock()
		return nil
	}
	if b.status != models.OrderFilled && b.status != models.OrderPartiallyFilled {
		p.mu.Unlock()
		return p.CancelBracket(ctx, intentID)
	}
	price := b.lastPrice
	if price == 0 {
		price = b.fillPrice
	}
	price = p.slip(b.req.Direction.Opposite(), price)
	b.status = models.OrderClosed
	b.exitPrice = price
	ref, qty := b.ref, b.filledQty
	p.mu.Unlock()

	p.emit(models.OrderUpdate{IntentID: intentID, BrokerRef: ref, Kind: models.UpdateExitFilled, Quantity: qty, Price: price, Time: p.clock.Now(), Reason: "flatten"})
	return nil
}

// QueryBracket reports a bracket's simulated state.
func (p *PaperAdapter) QueryBracket(ctx context.Context, intentID string) (*models.BracketState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.brackets[intentID]
	if !ok {
		return nil, apperrors.NewOrderError(intentID, "", "query", "unknown bracket", apperrors.ErrUnknownOrder)
	}
	return &models.BracketState{
		BrokerRef:    b.ref,
		IntentID:     intentID,
		Status:       b.status,
		FilledQty:    b.filledQty,
		AveragePrice: b.fillPrice,
		ExitPrice:    b.exitPrice,
	}, nil
}

// ObserveBar advances every live bracket of canonical with one bar.
func (p *PaperAdapter) ObserveBar(canonical string, bar models.Bar) {
	var updates []models.OrderUpdate
	now := p.clock.Now()
	minute := bar.Timestamp.Unix() / 60

	p.mu.Lock()
	for _, id := range p.sortedIDs() {
		b := p.brackets[id]
		if b.status.Terminal() || !strings.EqualFold(b.req.Canonical, canonical) {
			continue
		}
		b.lastPrice = bar.Close

		switch b.status {
		case models.OrderAccepted, models.OrderSubmitted, models.OrderPending:
			if !entryTriggered(b.req, bar) {
				continue
			}
			trigger := b.req.EntryPrice
			if b.req.Direction == models.DirectionLong && bar.Open > trigger {
				trigger = bar.Open
			}
			if b.req.Direction == models.DirectionShort && bar.Open < trigger {
				trigger = bar.Open
			}
			b.status = models.OrderFilled
			b.filledQty = b.req.Quantity
			b.fillPrice = p.slip(b.req.Direction, trigger)
			b.fillBar = minute
			updates = append(updates, models.OrderUpdate{
				IntentID: id, BrokerRef: b.ref, Kind: models.UpdateEntryFilled,
				Quantity: b.filledQty, Price: b.fillPrice, Time: now,
			})
		case models.OrderFilled:
			if minute <= b.fillBar {
				continue
			}
			exit, reason, hit := exitTriggered(b.req, bar)
			if !hit {
				continue
			}
			b.status = models.OrderClosed
			b.exitPrice = p.slip(b.req.Direction.Opposite(), exit)
			updates = append(updates, models.OrderUpdate{
				IntentID: id, BrokerRef: b.ref, Kind: models.UpdateExitFilled,
				Quantity: b.filledQty, Price: b.exitPrice, Time: now, Reason: reason,
			})
		}
	}
	p.mu.Unlock()

	for _, u := range updates {
		p.emit(u)
	}
}

func entryTriggered(req models.BracketRequest, bar models.Bar) bool {
	if req.Direction == models.DirectionLong {
		return bar.High >= req.EntryPrice
	}
	return bar.Low <= req.EntryPrice
}

func exitTriggered(req models.BracketRequest, bar models.Bar) (float64, string, bool) {
	if req.Direction == models.DirectionLong {
		switch {
		case bar.Low <= req.StopLoss:
			return req.StopLoss, "stop_loss", true
		case bar.High >= req.Target:
			return req.Target, "target", true
		}
		return 0, "", false
	}
	switch {
	case bar.High >= req.StopLoss:
		return req.StopLoss, "stop_loss", true
	case bar.Low <= req.Target:
		return req.Target, "target", true
	}
	return 0, "", false
}

// slip moves a fill price against a trader buying (long) or selling (short).
func (p *PaperAdapter) slip(side models.Direction, price float64) float64 {
	if side == models.DirectionLong {
		return price + p.slippage
	}
	return price - p.slippage
}

func (p *PaperAdapter) sortedIDs() []string {
	ids := make([]string, 0, len(p.brackets))
	for id := range p.brackets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *PaperAdapter) emit(u models.OrderUpdate) {
	p.mu.Lock()
	handlers := append([]func(models.OrderUpdate){}, p.handlers...)
	p.mu.Unlock()
	for _, h := range handlers {
		h(u)
	}
}

// Brackets returns the number of brackets ever submitted.
func (p *PaperAdapter) Brackets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.brackets)
}
