package engine

import (
	"fmt"
	"os"
	"sort"

	apperrors "breakout-trader/internal/errors"
	"breakout-trader/internal/events"
	"breakout-trader/internal/models"
	"breakout-trader/internal/plan"
	"breakout-trader/internal/stream"
)

// PlanResult summarizes one plan application.
type PlanResult struct {
	Hash       string
	Date       string
	Unchanged  bool
	Created    []string
	Superseded []string
	Disabled   []string
	Kept       []string
	Ignored    []string
	Rejected   []string
	Missing    []string
}

// ReloadPlan reads the plan file outside the critical section and applies it
// only when its content hash changed.
func (e *Engine) ReloadPlan() (PlanResult, error) {
	data, err := os.ReadFile(e.paths.Plan)
	if err != nil {
		return PlanResult{}, apperrors.NewDataError("plan", "", "reading "+e.paths.Plan, err)
	}
	hash := plan.HashBytes(data)

	e.mu.Lock()
	same := hash == e.planHash
	e.mu.Unlock()
	if same {
		return PlanResult{Hash: hash, Unchanged: true}, nil
	}

	p, err := plan.Parse(data)
	if err != nil {
		e.mu.Lock()
		e.emit(events.TypePlanRejected, "", "", map[string]interface{}{"error": err.Error(), "hash": hash})
		e.mu.Unlock()
		return PlanResult{Hash: hash}, err
	}
	return e.ApplyPlan(p)
}

// ApplyPlan rebuilds the stream set from a parsed plan. Locked and committed
// streams are never replaced.
func (e *Engine) ApplyPlan(p *plan.Plan) (PlanResult, error) {
	var res PlanResult
	var err error
	e.guard("plan", func() {
		res, err = e.applyPlanLocked(p)
	})
	e.reconcileIntents()
	return res, err
}

func (e *Engine) applyPlanLocked(p *plan.Plan) (PlanResult, error) {
	res := PlanResult{Hash: p.Hash, Date: p.TradingDate}
	if p.Hash != "" && p.Hash == e.planHash {
		res.Unchanged = true
		return res, nil
	}
	if p.ContentHash != "" && p.ContentHash != p.Hash {
		e.logger.Warn().Str("declared", p.ContentHash).Str("computed", p.Hash).Msg("Plan content hash differs from file bytes, using computed hash")
	}

	if p.TradingDate != e.date || len(e.streams) == 0 {
		e.rollDate(p.TradingDate)
	}

	seen := make(map[string]bool)
	for _, id := range p.StreamIDs() {
		entry := p.Streams[id]
		canonical, ok := e.policy.Canonicalize(entry.Instrument)
		if !ok || !e.owned[canonical] {
			res.Ignored = append(res.Ignored, id)
			continue
		}
		if canonical != entry.Instrument {
			res.Rejected = append(res.Rejected, id)
			e.emit(events.TypePlanRejected, "NOT_CANONICAL", id, map[string]interface{}{
				"instrument": entry.Instrument,
				"canonical":  canonical,
			})
			continue
		}
		seen[id] = true
		e.applyEntryLocked(id, entry, &res)
	}

	// streams dropped from the plan are treated as disabled
	for _, id := range e.streamIDs() {
		if seen[id] {
			continue
		}
		s := e.streams[id]
		if !s.Locked() && !s.Committed() {
			s.Commit(models.CommitDisabledByPlan, "removed from plan")
			res.Disabled = append(res.Disabled, id)
		}
	}

	res.Missing = p.Missing(e.markets, e.sessionNames())
	if len(res.Missing) > 0 {
		e.emit(events.TypePlanIncomplete, "", "", map[string]interface{}{"missing": res.Missing})
		e.logger.Warn().Strs("missing", res.Missing).Msg("Plan has no entry for configured streams")
	}

	e.planHash = p.Hash
	e.checkIdentityLocked(e.clock.Now())
	e.publishWindowsLocked()
	e.requestBackfillsLocked()

	e.emit(events.TypePlanApplied, "", "", map[string]interface{}{
		"hash":       p.Hash,
		"date":       p.TradingDate,
		"created":    res.Created,
		"superseded": res.Superseded,
		"disabled":   res.Disabled,
		"kept":       res.Kept,
		"ignored":    res.Ignored,
	})
	e.logger.Info().
		Str("date", p.TradingDate).
		Str("hash", shortHash(p.Hash)).
		Int("created", len(res.Created)).
		Int("superseded", len(res.Superseded)).
		Int("disabled", len(res.Disabled)).
		Int("kept", len(res.Kept)).
		Msg("Plan applied")
	return res, nil
}

func (e *Engine) applyEntryLocked(id string, entry plan.Entry, res *PlanResult) {
	cur, exists := e.streams[id]
	if exists && (cur.Locked() || cur.Committed()) {
		res.Kept = append(res.Kept, id)
		e.entries[id] = entry
		return
	}

	if !entry.Enabled {
		if !exists {
			s, err := e.newStreamLocked(entry)
			if err != nil {
				e.rejectEntry(id, err, res)
				return
			}
			e.restoreLocked(s)
			cur = s
			e.streams[id] = s
		}
		if !cur.Locked() && !cur.Committed() {
			cur.Commit(models.CommitDisabledByPlan, entry.Reason)
		}
		e.entries[id] = entry
		res.Disabled = append(res.Disabled, id)
		return
	}

	if exists {
		if prev, ok := e.entries[id]; ok && prev.SameParams(entry) {
			res.Kept = append(res.Kept, id)
			return
		}
	}

	s, err := e.newStreamLocked(entry)
	if err != nil {
		e.rejectEntry(id, err, res)
		return
	}
	if exists {
		cur.Commit(models.CommitSuperseded, fmt.Sprintf("slot %s replaced by %s", e.entries[id].SlotTime, entry.SlotTime))
		e.backfills.forget(id)
		e.env.Limiter.Forget(id + "|")
		// overwrite the superseded record so a restart does not restore it
		s.Save()
		res.Superseded = append(res.Superseded, id)
	} else {
		e.restoreLocked(s)
		res.Created = append(res.Created, id)
	}
	e.streams[id] = s
	e.entries[id] = entry
}

func (e *Engine) rejectEntry(id string, err error, res *PlanResult) {
	res.Rejected = append(res.Rejected, id)
	e.emit(events.TypePlanRejected, "INVALID_ENTRY", id, map[string]interface{}{"error": err.Error()})
	e.logger.Error().Err(err).Str("stream", id).Msg("Plan entry rejected")
}

// rollDate drops the previous day's streams and reloads the journal index.
func (e *Engine) rollDate(date string) {
	if e.date != date {
		if _, err := e.journal.WarmStart(date); err != nil {
			e.logger.Warn().Err(err).Str("date", date).Msg("Journal warm start reported errors")
		}
	}
	for id := range e.streams {
		e.backfills.forget(id)
		e.env.Limiter.Forget(id + "|")
	}
	if len(e.streams) > 0 {
		e.logger.Info().Str("from", e.date).Str("to", date).Int("dropped", len(e.streams)).Msg("Trading date rolled")
	}
	e.streams = make(map[string]*stream.Stream)
	e.entries = make(map[string]plan.Entry)
	e.date = date
}

// newStreamLocked builds a stream from a plan entry and the configured session.
func (e *Engine) newStreamLocked(entry plan.Entry) (*stream.Stream, error) {
	sess, ok := e.cfg.Sessions[entry.Session]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", entry.Session)
	}
	market, ok := e.policy.Market(entry.Instrument)
	if !ok {
		return nil, fmt.Errorf("no policy for %s", entry.Instrument)
	}
	exec, ok := e.policy.ExecutionFor(entry.Instrument)
	if !ok {
		return nil, fmt.Errorf("no enabled execution for %s", entry.Instrument)
	}

	rangeStart, err := e.times.At(e.date, sess.RangeStart)
	if err != nil {
		return nil, err
	}
	slot, err := e.times.At(e.date, entry.SlotTime)
	if err != nil {
		return nil, err
	}
	marketClose, err := e.times.At(e.date, e.cfg.MarketClose)
	if err != nil {
		return nil, err
	}
	if !slot.After(rangeStart) {
		return nil, fmt.Errorf("slot %s is not after range start %s", entry.SlotTime, sess.RangeStart)
	}
	if !marketClose.After(slot) {
		return nil, fmt.Errorf("slot %s is not before market close %s", entry.SlotTime, e.cfg.MarketClose)
	}

	cfg := stream.Config{
		Key:                   models.StreamKey{Canonical: entry.Instrument, Session: entry.Session, TradingDate: e.date},
		Execution:             exec.Instrument,
		Quantity:              exec.Quantity,
		Market:                market,
		RangeStart:            rangeStart,
		SlotTime:              slot,
		MarketClose:           marketClose,
		HydrationGrace:        e.cfg.HydrationGrace,
		LockGrace:             e.cfg.LockGrace,
		MinBarAge:             e.cfg.MinBarAge,
		MinRestartCoveragePct: e.cfg.MinRestartCoveragePct,
		Gaps: stream.GapBudget{
			MaxSingle:      e.cfg.Gaps.MaxSingleGap,
			MaxTotal:       e.cfg.Gaps.MaxTotalGap,
			TrailingWindow: e.cfg.Gaps.TrailingWindow,
			MaxTrailing:    e.cfg.Gaps.MaxTrailingGap,
		},
	}
	return stream.New(cfg, e.env), nil
}

// restoreLocked applies the journaled record of a freshly created stream.
// A restored open intent is checked against the adapter.
func (e *Engine) restoreLocked(s *stream.Stream) {
	corrupt := e.journal.CorruptError(s.ID())
	if rec, ok := e.journal.Record(s.ID()); ok {
		s.Restore(&rec, corrupt)
	} else {
		s.Restore(nil, corrupt)
	}
	if s.IntentID() != "" && !s.Committed() {
		e.requestReconcileLocked()
	}
}

func (e *Engine) sessionNames() []string {
	names := make([]string, 0, len(e.cfg.Sessions))
	for name := range e.cfg.Sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// publishWindowsLocked hands the health monitor the active data windows.
func (e *Engine) publishWindowsLocked() {
	windows := make(map[string][]models.Window)
	for _, id := range e.streamIDs() {
		s := e.streams[id]
		if s.Committed() {
			continue
		}
		cfg := s.Config()
		windows[cfg.Key.Canonical] = append(windows[cfg.Key.Canonical], models.Window{
			Start: cfg.RangeStart.Add(-e.health.PreRoll),
			End:   cfg.MarketClose,
		})
	}
	e.activity.setWindows(windows)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
