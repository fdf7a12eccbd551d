package engine

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/panics"

	apperrors "breakout-trader/internal/errors"
	"breakout-trader/internal/events"
	"breakout-trader/internal/models"
)

// maxReconcileTries bounds the retries of adapter queries that failed for a
// reason other than an unknown order.
const maxReconcileTries = 3

type reconcileResult struct {
	intentID string
	state    *models.BracketState
	err      error
}

func (e *Engine) requestReconcileLocked() {
	e.reconcileDue = true
	e.reconcileTries = 0
}

// reconcileIntents asks the adapter for the state of every open intent and
// folds the answers into the journal. Queries run outside the critical
// section; results are applied inside it.
func (e *Engine) reconcileIntents() {
	e.mu.Lock()
	if !e.started || !e.reconcileDue {
		e.mu.Unlock()
		return
	}
	e.reconcileDue = false
	ids := e.openIntentsLocked()
	ctx := e.env.Context
	e.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	results := make([]reconcileResult, 0, len(ids))
	for _, id := range ids {
		res := reconcileResult{intentID: id}
		var pc panics.Catcher
		pc.Try(func() { res.state, res.err = e.orders.QueryBracket(ctx, id) })
		if r := pc.Recovered(); r != nil {
			res.err = r.AsError()
		}
		results = append(results, res)
	}

	e.guard("reconcile", func() { e.applyReconcileLocked(results) })
}

// openIntentsLocked lists the non-terminal intents of live streams.
func (e *Engine) openIntentsLocked() []string {
	var ids []string
	for _, sid := range e.streamIDs() {
		s := e.streams[sid]
		id := s.IntentID()
		if s.Committed() || id == "" {
			continue
		}
		if entry, ok := e.journal.Entry(id); ok && !entry.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (e *Engine) applyReconcileLocked(results []reconcileResult) {
	now := e.clock.Now()
	retry := false
	for _, r := range results {
		entry, ok := e.journal.Entry(r.intentID)
		if !ok || entry.Status.Terminal() {
			continue
		}
		logger := e.logger.With().Str("intent_id", r.intentID).Str("status", string(entry.Status)).Logger()

		switch {
		case r.err == nil && r.state != nil:
			for _, u := range bracketUpdates(r.intentID, *r.state, now) {
				e.applyUpdateLocked(u)
			}
			after, _ := e.journal.Entry(r.intentID)
			e.emit(events.TypeReconciled, string(r.state.Status), entry.StreamID, map[string]interface{}{
				"intent_id": r.intentID,
				"before":    entry.Status,
				"after":     after.Status,
			})
			logger.Info().Str("adapter_status", string(r.state.Status)).Str("journal_status", string(after.Status)).Msg("Intent reconciled")

		case apperrors.Is(r.err, apperrors.ErrUnknownOrder) && entry.Status == models.OrderPending:
			// journaled but never submitted: fail closed, never resubmit
			logger.Warn().Msg("Pending intent has no order at the adapter, failing it")
			e.applyUpdateLocked(models.OrderUpdate{
				IntentID: r.intentID,
				Kind:     models.UpdateRejected,
				Time:     now,
				Reason:   "no order at adapter after restart",
			})
			e.emit(events.TypeReconciled, "UNKNOWN_ORDER", entry.StreamID, map[string]interface{}{
				"intent_id": r.intentID,
				"before":    entry.Status,
				"after":     models.OrderFailed,
			})

		case apperrors.Is(r.err, apperrors.ErrUnknownOrder):
			logger.Warn().Msg("Adapter does not know a submitted intent, leaving it to the market close")
			e.emit(events.TypeReconciled, "UNKNOWN_ORDER", entry.StreamID, map[string]interface{}{
				"intent_id": r.intentID,
				"before":    entry.Status,
				"after":     entry.Status,
			})

		default:
			retry = true
			logger.Warn().Err(r.err).Int("try", e.reconcileTries+1).Msg("Intent reconciliation failed")
		}
	}

	e.reconcileTries++
	if retry && e.reconcileTries < maxReconcileTries {
		e.reconcileDue = true
		return
	}
	e.reconcileTries = 0
}

// bracketUpdates translates a queried bracket state into the reports that
// would have moved the journal entry there.
func bracketUpdates(intentID string, st models.BracketState, at time.Time) []models.OrderUpdate {
	update := func(kind models.OrderUpdateKind, qty int, price float64) models.OrderUpdate {
		return models.OrderUpdate{
			IntentID:  intentID,
			BrokerRef: st.BrokerRef,
			Kind:      kind,
			Quantity:  qty,
			Price:     price,
			Time:      at,
			Reason:    "reconciled",
		}
	}

	switch st.Status {
	case models.OrderSubmitted, models.OrderAccepted:
		return []models.OrderUpdate{update(models.UpdateAccepted, 0, 0)}
	case models.OrderPartiallyFilled:
		return []models.OrderUpdate{update(models.UpdatePartialFill, st.FilledQty, st.AveragePrice)}
	case models.OrderFilled:
		return []models.OrderUpdate{update(models.UpdateEntryFilled, st.FilledQty, st.AveragePrice)}
	case models.OrderClosed:
		return []models.OrderUpdate{
			update(models.UpdateEntryFilled, st.FilledQty, st.AveragePrice),
			update(models.UpdateExitFilled, st.FilledQty, st.ExitPrice),
		}
	case models.OrderCancelled:
		return []models.OrderUpdate{update(models.UpdateCancelled, 0, 0)}
	case models.OrderFailed:
		return []models.OrderUpdate{update(models.UpdateRejected, 0, 0)}
	}
	return nil
}
