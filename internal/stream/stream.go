package stream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"breakout-trader/internal/broker"
	"breakout-trader/internal/clock"
	apperrors "breakout-trader/internal/errors"
	"breakout-trader/internal/events"
	"breakout-trader/internal/journal"
	"breakout-trader/internal/logging"
	"breakout-trader/internal/models"
	"breakout-trader/internal/policy"
	"breakout-trader/internal/risk"
)

// Bar rejection reasons.
const (
	RejectInstrument   = "INSTRUMENT_MISMATCH"
	RejectInvalid      = "INVALID_BAR"
	RejectStillForming = "STILL_FORMING"
	RejectBeforeWindow = "BEFORE_WINDOW"
	RejectAfterLock    = "AFTER_LOCK"
	RejectDuplicate    = "DUPLICATE"
)

// maxCloseAttempts bounds cancel/flatten retries at market close.
const maxCloseAttempts = 3

// Config fixes the identity and timing of one stream. Times are UTC.
type Config struct {
	Key       models.StreamKey
	Execution string // execution identity used only for order placement
	Quantity  int
	Market    policy.Market

	RangeStart  time.Time
	SlotTime    time.Time
	MarketClose time.Time

	HydrationGrace        time.Duration
	LockGrace             time.Duration
	MinBarAge             time.Duration
	MinRestartCoveragePct float64
	Gaps                  GapBudget
}

// Env is the coordinator-owned handle shared by every stream.
type Env struct {
	Clock   clock.Clock
	Journal *journal.Journal
	Gate    *risk.Gate
	Orders  broker.OrderAdapter
	Events  events.Sink
	Logger  zerolog.Logger
	Limiter *Limiter
	Context context.Context

	// Status reports the engine preconditions for trading a market.
	Status func(canonical string) (lockHeld, identityHealthy bool)
	// ExecutionFor resolves the active execution identity from the policy,
	// independently of the value captured in Config.
	ExecutionFor func(canonical string) string
}

func (e *Env) ctx() context.Context {
	if e.Context != nil {
		return e.Context
	}
	return context.Background()
}

// Stream is the state machine of one (canonical instrument, session, date).
// It is not safe for concurrent use; the coordinator serializes all calls.
type Stream struct {
	cfg    Config
	env    *Env
	id     string
	logger zerolog.Logger

	phase        models.Phase
	committed    bool
	commitReason models.CommitReason
	commitDetail string

	window []models.Bar // bars in [RangeStart, SlotTime), sorted
	early  []models.Bar // bars at or after SlotTime received before the lock

	rng        *models.Range
	levels     *models.BreakoutLevels
	gapInvalid bool
	gapReason  string

	backfillPending  bool
	backfillComplete bool
	restoreErr       error

	intent        *journal.Entry
	closing       bool
	closeAttempts int
}

// New creates a stream in PRE_HYDRATION.
func New(cfg Config, env *Env) *Stream {
	cfg.Key.Canonical = strings.ToUpper(cfg.Key.Canonical)
	cfg.Key.Session = strings.ToUpper(cfg.Key.Session)
	id := cfg.Key.ID()
	return &Stream{
		cfg:    cfg,
		env:    env,
		id:     id,
		logger: logging.WithStream(env.Logger, id),
		phase:  models.PhasePreHydration,
	}
}

// ID returns the stream id.
func (s *Stream) ID() string { return s.id }

// Config returns the stream configuration.
func (s *Stream) Config() Config { return s.cfg }

// Phase returns the current phase.
func (s *Stream) Phase() models.Phase { return s.phase }

// Committed reports whether the stream reached its terminal state.
func (s *Stream) Committed() bool { return s.committed }

// Locked reports whether the range has been locked, now or before a commit.
func (s *Stream) Locked() bool { return s.rng != nil }

// IntentID returns the id of the tracked intent, if any.
func (s *Stream) IntentID() string {
	if s.intent == nil {
		return ""
	}
	return s.intent.IntentID
}

// Identity returns the stream id, its logic identity and its execution identity.
func (s *Stream) Identity() (streamID, logic, execution string) {
	return s.id, s.cfg.Key.Canonical, s.cfg.Execution
}

// BackfillWindow is the span of historical bars the stream asks for.
func (s *Stream) BackfillWindow() (from, to time.Time) {
	return s.cfg.RangeStart, s.cfg.SlotTime
}

// NeedsBackfill reports whether a backfill request is still useful.
func (s *Stream) NeedsBackfill() bool {
	return !s.committed && s.phase == models.PhasePreHydration && !s.backfillPending && !s.backfillComplete
}

// ============================================================================
// Handlers
// ============================================================================

// OnTick drives time-based transitions.
func (s *Stream) OnTick() {
	if s.committed {
		return
	}
	s.advance(s.env.Clock.Now(), true)
}

// OnBar feeds one bar. canonical is the instrument the coordinator resolved
// the bar's delivered instrument to.
func (s *Stream) OnBar(canonical string, bar models.Bar) {
	if s.committed {
		return
	}
	now := s.env.Clock.Now()
	// market close is resolved after the bar so a late crossing is reported as such
	s.advance(now, false)
	defer s.advance(now, true)
	if s.committed {
		return
	}

	bar = bar.Normalized()
	if reason := s.screen(canonical, bar, now); reason != "" {
		s.reject(bar, reason)
		return
	}

	if bar.Timestamp.Before(s.cfg.SlotTime) {
		if s.phase == models.PhaseRangeLocked {
			s.reject(bar, RejectAfterLock)
			return
		}
		if !s.insert(bar) {
			s.reject(bar, RejectDuplicate)
			return
		}
		s.emit(events.TypeBarAccepted, "", map[string]interface{}{
			"bar_time": bar.Timestamp,
			"source":   bar.Source,
		})
		if s.phase == models.PhaseRangeBuilding {
			s.checkGaps()
		}
		return
	}

	switch s.phase {
	case models.PhaseRangeBuilding:
		if s.backfillPending {
			// the lock waits for the window bars still in flight
			s.early = append(s.early, bar)
			return
		}
		s.tryLock(now)
		if s.phase == models.PhaseRangeLocked && !s.committed {
			s.evaluate(bar, now)
		}
	case models.PhaseRangeLocked:
		s.evaluate(bar, now)
	default:
		s.early = append(s.early, bar)
	}
}

// MarkBackfillPending records that a backfill request is in flight. While
// it is pending the range is not locked.
func (s *Stream) MarkBackfillPending() {
	if s.committed {
		return
	}
	s.backfillPending = true
}

// CancelBackfill clears the pending flag without completing hydration; the
// hydration timeout then guarantees progress.
func (s *Stream) CancelBackfill() {
	if s.committed {
		return
	}
	s.backfillPending = false
}

// ApplyBackfill ingests historical bars. err != nil leaves hydration to the
// timeout. It returns the number of accepted and rejected bars.
func (s *Stream) ApplyBackfill(bars []models.Bar, err error) (accepted, rejected int) {
	if s.committed {
		return 0, len(bars)
	}
	s.backfillPending = false
	if err != nil {
		s.emit(events.TypeBackfillResult, "BACKFILL_FAILED", map[string]interface{}{"error": err.Error()})
		s.advance(s.env.Clock.Now(), true)
		return 0, 0
	}

	now := s.env.Clock.Now()
	for _, b := range bars {
		b = b.Normalized()
		if s.screen(s.cfg.Key.Canonical, b, now) != "" || !b.Timestamp.Before(s.cfg.SlotTime) || s.phase == models.PhaseRangeLocked {
			rejected++
			continue
		}
		if s.insert(b) {
			accepted++
		} else {
			rejected++
		}
	}
	s.backfillComplete = true
	s.emit(events.TypeBackfillResult, "", map[string]interface{}{
		"accepted": accepted,
		"rejected": rejected,
	})
	if s.phase == models.PhaseRangeBuilding {
		s.checkGaps()
	}
	s.advance(now, true)
	return accepted, rejected
}

// OnOrderUpdate resolves the stream from an adapter report. entry is the
// journal entry after the update was applied.
func (s *Stream) OnOrderUpdate(u models.OrderUpdate, entry journal.Entry) {
	if s.committed || s.intent == nil || s.intent.IntentID != u.IntentID {
		return
	}
	e := entry
	s.intent = &e
	s.emit(events.TypeOrderUpdate, string(u.Kind), map[string]interface{}{
		"intent_id": u.IntentID,
		"status":    entry.Status,
		"quantity":  u.Quantity,
		"price":     u.Price,
	})
	logging.LogOrder(s.logger, entry.IntentID, entry.Instrument, string(entry.Direction), string(entry.Status), u.Quantity, u.Price)
	s.resolveIntent()
}

// ============================================================================
// Time-driven transitions
// ============================================================================

// advance applies every time-driven transition due at now. Market close is
// only handled when closeOut is set.
func (s *Stream) advance(now time.Time, closeOut bool) {
	for !s.committed {
		before := s.phase
		switch s.phase {
		case models.PhasePreHydration:
			switch {
			case s.backfillComplete:
				s.transition(models.PhaseArmed, "backfill complete")
			case !now.Before(s.cfg.RangeStart.Add(s.cfg.HydrationGrace)):
				s.transition(models.PhaseArmed, "hydration timeout")
			}
		case models.PhaseArmed:
			if !now.Before(s.cfg.RangeStart) {
				s.transition(models.PhaseRangeBuilding, "range start reached")
				s.checkGaps()
			}
		case models.PhaseRangeBuilding:
			if !s.backfillPending && !now.Before(s.cfg.SlotTime.Add(s.cfg.LockGrace)) {
				s.tryLock(now)
			}
		case models.PhaseRangeLocked:
			if closeOut && !now.Before(s.cfg.MarketClose) {
				s.closeOut()
			}
		}
		if s.phase == before {
			return
		}
	}
}

func (s *Stream) transition(to models.Phase, why string) {
	if err := checkTransition(s.phase, to); err != nil {
		s.fault(err)
		return
	}
	from := s.phase
	s.phase = to
	s.logger.Info().Str("from", string(from)).Str("to", string(to)).Str("why", why).Msg("Phase transition")
	s.emit(events.TypeTransition, why, map[string]interface{}{"from": from, "to": to})
}

// ============================================================================
// Range
// ============================================================================

func (s *Stream) checkGaps() {
	if s.gapInvalid {
		return
	}
	if reason := s.cfg.Gaps.Check(s.window); reason != "" {
		s.gapInvalid = true
		s.gapReason = reason
		s.logger.Warn().Str("reason", reason).Msg("Gap budget exceeded, range invalidated")
		s.emit(events.TypeGapViolation, string(models.CommitRangeInvalidated), map[string]interface{}{"detail": reason})
	}
}

// ProvisionalRange computes the range over the bars buffered so far, or nil.
func (s *Stream) ProvisionalRange() *models.Range {
	if s.rng != nil {
		r := *s.rng
		return &r
	}
	return computeRange(s.window, s.cfg.RangeStart, s.cfg.SlotTime)
}

func computeRange(bars []models.Bar, start, end time.Time) *models.Range {
	if len(bars) == 0 {
		return nil
	}
	r := models.Range{
		High:        bars[0].High,
		Low:         bars[0].Low,
		WindowStart: start,
		WindowEnd:   end,
	}
	for _, b := range bars {
		if b.High > r.High {
			r.High = b.High
		}
		if b.Low < r.Low {
			r.Low = b.Low
		}
	}
	r.BarCount = len(bars)
	r.FreezeClose = bars[len(bars)-1].Close
	return &r
}

// coverage is the percentage of expected window bars that are buffered.
func (s *Stream) coverage() float64 {
	expected := int(s.cfg.SlotTime.Sub(s.cfg.RangeStart) / models.BarPeriod)
	if expected <= 0 {
		return 0
	}
	return float64(len(s.window)) * 100 / float64(expected)
}

func (s *Stream) tryLock(now time.Time) {
	if s.restoreErr != nil {
		if cov := s.coverage(); cov < s.cfg.MinRestartCoveragePct {
			s.Commit(models.CommitRestoreSuspended, fmt.Sprintf("restore failed (%v), coverage %.1f%% below %.1f%%", s.restoreErr, cov, s.cfg.MinRestartCoveragePct))
			return
		}
	}
	s.checkGaps()
	if s.gapInvalid {
		s.Commit(models.CommitRangeInvalidated, s.gapReason)
		return
	}
	r := computeRange(s.window, s.cfg.RangeStart, s.cfg.SlotTime)
	if r == nil {
		s.Commit(models.CommitNoBarsInWindow, "")
		return
	}
	if err := r.Validate(); err != nil {
		s.Commit(models.CommitRangeInvalidated, err.Error())
		return
	}
	r.LockedAt = now
	levels := models.DeriveLevels(*r, s.cfg.Market.BreakoutOffset, s.cfg.Market.TickSize)

	s.transition(models.PhaseRangeLocked, "slot time reached")
	if s.phase != models.PhaseRangeLocked {
		return
	}
	s.rng = r
	s.levels = &levels
	s.logger.Info().
		Float64("high", r.High).
		Float64("low", r.Low).
		Int("bars", r.BarCount).
		Float64("upper", levels.Upper).
		Float64("lower", levels.Lower).
		Msg("Range locked")
	s.emit(events.TypeRangeLocked, "", map[string]interface{}{
		"high":         r.High,
		"low":          r.Low,
		"freeze_close": r.FreezeClose,
		"bar_count":    r.BarCount,
		"upper":        levels.Upper,
		"lower":        levels.Lower,
	})
	s.persist()

	early := s.early
	s.early = nil
	for _, b := range early {
		if s.committed || s.intent != nil {
			break
		}
		s.evaluate(b, now)
	}
}

// ============================================================================
// Breakout and order placement
// ============================================================================

func (s *Stream) evaluate(bar models.Bar, now time.Time) {
	if s.intent != nil || s.levels == nil {
		return
	}
	dir, crossed := s.levels.Crossing(bar)
	if !crossed {
		return
	}
	if !bar.Timestamp.Before(s.cfg.MarketClose) || !now.Before(s.cfg.MarketClose) {
		s.Commit(models.CommitNoTradeLate, fmt.Sprintf("%s breakout at %s after cutoff", dir, bar.Timestamp.Format(time.RFC3339)))
		return
	}
	s.submit(dir, bar)
}

func (s *Stream) submit(dir models.Direction, bar models.Bar) {
	canonical := s.cfg.Key.Canonical
	id := journal.IntentID(s.cfg.Key.TradingDate, s.id, canonical, dir)
	level := s.levels.Level(dir)
	logger := logging.WithIntent(s.logger, id)

	s.emit(events.TypeBreakout, string(dir), map[string]interface{}{
		"intent_id": id,
		"level":     level,
		"bar_time":  bar.Timestamp,
		"high":      bar.High,
		"low":       bar.Low,
	})

	if s.env.Journal.HasActiveIntent(id) {
		s.adopt(id, "active journal entry")
		return
	}

	if reason := s.identityViolation(canonical); reason != "" {
		s.Commit(models.CommitIdentityViolation, reason)
		return
	}

	lockHeld, healthy := s.env.Status(canonical)
	decision := s.env.Gate.Check(risk.Request{
		Canonical:       canonical,
		Instrument:      s.cfg.Execution,
		Quantity:        s.cfg.Quantity,
		LockHeld:        lockHeld,
		IdentityHealthy: healthy,
	})
	if !decision.Allowed {
		if ok, suppressed := s.env.Limiter.Allow(s.id+"|risk|"+decision.Reason, s.env.Clock.Now()); ok {
			logger.Warn().Str("reason", decision.Reason).Str("detail", decision.Detail).Int("suppressed", suppressed).Msg("Breakout denied by risk gate")
			s.emit(events.TypeRiskDenied, decision.Reason, map[string]interface{}{
				"detail":     decision.Detail,
				"intent_id":  id,
				"suppressed": suppressed,
			})
		}
		return
	}

	stop, target := s.cfg.Market.Bracket(dir, level, *s.rng)
	entry := journal.Entry{
		IntentID:    id,
		TradingDate: s.cfg.Key.TradingDate,
		StreamID:    s.id,
		Canonical:   canonical,
		Instrument:  s.cfg.Execution,
		Direction:   dir,
		Quantity:    s.cfg.Quantity,
		EntryPrice:  level,
		StopLoss:    stop,
		Target:      target,
		Status:      models.OrderPending,
	}
	if err := s.env.Journal.PutIntent(entry); err != nil {
		if apperrors.Is(err, apperrors.ErrIntentExists) {
			s.adopt(id, "intent already journaled")
			return
		}
		logger.Error().Err(err).Msg("Failed to journal intent, not submitting")
		s.fault(fmt.Errorf("journal intent %s: %w", id, err))
		return
	}

	req := models.BracketRequest{
		IntentID:   id,
		StreamID:   s.id,
		Canonical:  canonical,
		Instrument: s.cfg.Execution,
		Direction:  dir,
		Quantity:   s.cfg.Quantity,
		EntryPrice: level,
		StopLoss:   stop,
		Target:     target,
		CreatedAt:  s.env.Clock.Now(),
	}
	res, err := s.env.Orders.SubmitBracket(s.env.ctx(), req)
	if err != nil {
		updated, jerr := s.env.Journal.UpdateIntent(id, func(e *journal.Entry) bool {
			e.Status = models.OrderFailed
			e.Message = err.Error()
			e.CommitReason = models.CommitEntryRejected
			return true
		})
		if jerr != nil {
			logger.Error().Err(jerr).Msg("Failed to journal rejected submission")
			updated = entry
			updated.Status = models.OrderFailed
			updated.Message = err.Error()
		}
		s.intent = &updated
		logger.Error().Err(err).Msg("Bracket submission failed")
		s.emit(events.TypeOrderFailed, string(models.CommitEntryRejected), map[string]interface{}{
			"intent_id": id,
			"error":     err.Error(),
		})
		s.Commit(models.CommitEntryRejected, err.Error())
		return
	}

	now := s.env.Clock.Now().UTC()
	updated, err := s.env.Journal.UpdateIntent(id, func(e *journal.Entry) bool {
		if e.Status == models.OrderPending {
			e.Status = models.OrderSubmitted
		}
		e.BrokerRef = res.BrokerRef
		e.SubmittedAt = now
		return true
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to journal submission")
		updated = entry
		updated.Status = models.OrderSubmitted
		updated.BrokerRef = res.BrokerRef
	}
	s.intent = &updated
	logging.LogOrder(logger, id, s.cfg.Execution, string(dir), string(updated.Status), s.cfg.Quantity, level)
	s.emit(events.TypeOrderSubmitted, string(dir), map[string]interface{}{
		"intent_id":  id,
		"broker_ref": res.BrokerRef,
		"execution":  s.cfg.Execution,
		"quantity":   s.cfg.Quantity,
		"entry":      level,
		"stop_loss":  stop,
		"target":     target,
	})
}

// adopt starts tracking an intent that is already journaled instead of
// submitting it again.
func (s *Stream) adopt(id, why string) {
	if e, ok := s.env.Journal.Entry(id); ok {
		s.intent = &e
	}
	s.logger.Info().Str("intent_id", id).Str("why", why).Msg("Submission skipped")
	s.emit(events.TypeIntentSkipped, why, map[string]interface{}{"intent_id": id})
	s.resolveIntent()
}

// identityViolation asserts, at the placement point, that the stream is keyed
// by its canonical market and places orders on the policy's active execution.
func (s *Stream) identityViolation(canonical string) string {
	if s.id != models.StreamID(canonical, s.cfg.Key.Session) {
		return fmt.Sprintf("stream id %s is not derived from canonical %s", s.id, canonical)
	}
	if s.cfg.Execution == "" {
		return "empty execution identity"
	}
	expected := ""
	if s.env.ExecutionFor != nil {
		expected = s.env.ExecutionFor(canonical)
	}
	if !strings.EqualFold(expected, s.cfg.Execution) {
		return fmt.Sprintf("execution %s differs from active execution %q", s.cfg.Execution, expected)
	}
	return ""
}

// resolveIntent commits the stream once the tracked intent is terminal.
func (s *Stream) resolveIntent() {
	if s.intent == nil || s.committed {
		return
	}
	switch s.intent.Status {
	case models.OrderClosed:
		if s.closing {
			s.Commit(models.CommitMarketCloseFlattened, "")
		} else {
			s.Commit(models.CommitTradeCompleted, "")
		}
	case models.OrderCancelled:
		if s.closing {
			s.Commit(models.CommitMarketCloseCancelled, "")
		} else {
			s.Commit(models.CommitEntryCancelled, s.intent.Message)
		}
	case models.OrderFailed:
		s.Commit(models.CommitEntryRejected, s.intent.Message)
	}
}

// closeOut resolves a locked stream at the market-close cutoff.
func (s *Stream) closeOut() {
	if s.intent == nil {
		s.Commit(models.CommitNoBreakout, "")
		return
	}
	if e, ok := s.env.Journal.Entry(s.intent.IntentID); ok {
		s.intent = &e
	}
	s.closing = true
	if s.intent.Status.Terminal() {
		s.resolveIntent()
		return
	}

	id := s.intent.IntentID
	filled := s.intent.Status == models.OrderFilled || s.intent.Status == models.OrderPartiallyFilled
	var err error
	if !filled {
		err = s.env.Orders.CancelBracket(s.env.ctx(), id)
		if apperrors.Is(err, apperrors.ErrOrderRejected) {
			filled = true
		} else if err == nil {
			s.emit(events.TypeOrderCancelled, "market close", map[string]interface{}{"intent_id": id})
			s.Commit(models.CommitMarketCloseCancelled, "")
			return
		}
	}
	if filled {
		err = s.env.Orders.Flatten(s.env.ctx(), id)
		if err == nil {
			s.emit(events.TypeOrderFlattened, "market close", map[string]interface{}{"intent_id": id})
			s.Commit(models.CommitMarketCloseFlattened, "")
			return
		}
	}

	s.closeAttempts++
	s.logger.Error().Err(err).Int("attempt", s.closeAttempts).Msg("Market close action failed")
	s.fault(fmt.Errorf("market close for intent %s: %w", id, err))
	if s.closeAttempts >= maxCloseAttempts {
		reason := models.CommitMarketCloseCancelled
		if filled {
			reason = models.CommitMarketCloseFlattened
		}
		s.Commit(reason, fmt.Sprintf("unconfirmed after %d attempts: %v", s.closeAttempts, err))
	}
}

// ============================================================================
// Commit and persistence
// ============================================================================

// Commit moves the stream to its terminal state. It is idempotent and
// returns false when the stream was already committed.
func (s *Stream) Commit(reason models.CommitReason, detail string) bool {
	if s.committed {
		return false
	}
	to := models.PhaseDone
	if reason == models.CommitRestoreSuspended {
		to = models.PhaseSuspended
	}
	if err := checkTransition(s.phase, to); err != nil {
		s.fault(err)
		return false
	}
	from := s.phase
	s.phase = to
	s.committed = true
	s.commitReason = reason
	s.commitDetail = detail
	s.early = nil

	logging.LogCommit(s.logger, s.id, string(reason), detail)
	s.emit(events.TypeCommit, string(reason), map[string]interface{}{
		"from":   from,
		"detail": detail,
	})
	s.persist()
	return true
}

// Save writes the current snapshot to the journal.
func (s *Stream) Save() {
	s.persist()
}

func (s *Stream) persist() {
	rec, _ := s.env.Journal.Record(s.id)
	rec.TradingDate = s.cfg.Key.TradingDate
	rec.StreamID = s.id
	rec.Snapshot = s.Snapshot()
	if err := s.env.Journal.SaveRecord(rec); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist stream record")
		s.fault(fmt.Errorf("persist %s: %w", s.id, err))
	}
}

// Restore applies a persisted record after a restart. corrupt is the load
// error of an unreadable record. A failed restore is remembered and decided
// at lock time against the buffered coverage.
func (s *Stream) Restore(rec *journal.Record, corrupt error) {
	if s.committed || s.phase != models.PhasePreHydration {
		return
	}
	if corrupt != nil {
		s.restoreFailed(corrupt)
		return
	}
	if rec == nil {
		return
	}
	snap := rec.Snapshot

	if snap.Committed {
		if err := s.matches(snap); err != nil {
			s.restoreFailed(err)
			return
		}
		s.phase = snap.Phase
		s.committed = true
		s.commitReason = snap.CommitReason
		s.commitDetail = snap.CommitDetail
		s.rng = snap.Range
		s.levels = snap.Levels
		s.gapInvalid = snap.GapInvalidated
		s.gapReason = snap.GapReason
		if rec.Intent != nil {
			e := *rec.Intent
			s.intent = &e
		}
		s.emit(events.TypeRestore, "COMMITTED", map[string]interface{}{"commit_reason": snap.CommitReason})
		return
	}
	if snap.Phase != models.PhaseRangeLocked {
		return
	}
	if err := s.matches(snap); err != nil {
		s.restoreFailed(err)
		return
	}
	if snap.Range == nil || snap.Levels == nil {
		s.restoreFailed(fmt.Errorf("locked record without range"))
		return
	}
	if err := snap.Range.Validate(); err != nil {
		s.restoreFailed(err)
		return
	}
	if want := models.DeriveLevels(*snap.Range, s.cfg.Market.BreakoutOffset, s.cfg.Market.TickSize); want != *snap.Levels {
		s.restoreFailed(fmt.Errorf("persisted levels %+v differ from derived %+v", *snap.Levels, want))
		return
	}

	r, l := *snap.Range, *snap.Levels
	s.transition(models.PhaseRangeLocked, "restored after restart")
	s.rng, s.levels = &r, &l
	if rec.Intent != nil && rec.Intent.Active() {
		e := *rec.Intent
		s.intent = &e
	}
	s.emit(events.TypeRestore, "LOCKED", map[string]interface{}{
		"high":      r.High,
		"low":       r.Low,
		"intent_id": s.IntentID(),
	})
	s.resolveIntent()
}

func (s *Stream) matches(snap models.StreamSnapshot) error {
	switch {
	case !strings.EqualFold(snap.StreamID, s.id):
		return fmt.Errorf("record is for stream %s", snap.StreamID)
	case !strings.EqualFold(snap.Canonical, s.cfg.Key.Canonical):
		return fmt.Errorf("record canonical %s differs from %s", snap.Canonical, s.cfg.Key.Canonical)
	case !snap.RangeStart.Equal(s.cfg.RangeStart) || !snap.SlotTime.Equal(s.cfg.SlotTime):
		return fmt.Errorf("record window %s-%s differs from %s-%s",
			snap.RangeStart.Format(time.RFC3339), snap.SlotTime.Format(time.RFC3339),
			s.cfg.RangeStart.Format(time.RFC3339), s.cfg.SlotTime.Format(time.RFC3339))
	}
	return nil
}

func (s *Stream) restoreFailed(err error) {
	s.restoreErr = err
	s.logger.Warn().Err(err).Msg("Stream restore failed, recomputing if coverage allows")
	s.emit(events.TypeRestore, "FAILED", map[string]interface{}{"error": err.Error()})
}

// Snapshot returns a read-only view of the stream.
func (s *Stream) Snapshot() models.StreamSnapshot {
	snap := models.StreamSnapshot{
		Key:              s.cfg.Key,
		StreamID:         s.id,
		Canonical:        s.cfg.Key.Canonical,
		Execution:        s.cfg.Execution,
		Phase:            s.phase,
		RangeStart:       s.cfg.RangeStart,
		SlotTime:         s.cfg.SlotTime,
		MarketClose:      s.cfg.MarketClose,
		BarCount:         len(s.window),
		GapInvalidated:   s.gapInvalid,
		GapReason:        s.gapReason,
		BackfillPending:  s.backfillPending,
		BackfillComplete: s.backfillComplete,
		IntentID:         s.IntentID(),
		Committed:        s.committed,
		CommitReason:     s.commitReason,
		CommitDetail:     s.commitDetail,
	}
	if s.rng != nil {
		r := *s.rng
		snap.Range = &r
	}
	if s.levels != nil {
		l := *s.levels
		snap.Levels = &l
	}
	return snap
}

// ============================================================================
// Helpers
// ============================================================================

// screen returns a rejection reason, or "" for an acceptable bar.
func (s *Stream) screen(canonical string, bar models.Bar, now time.Time) string {
	switch {
	case !strings.EqualFold(canonical, s.cfg.Key.Canonical):
		return RejectInstrument
	case bar.Validate() != nil:
		return RejectInvalid
	case now.Sub(bar.Timestamp) < s.cfg.MinBarAge:
		return RejectStillForming
	case bar.Timestamp.Before(s.cfg.RangeStart):
		return RejectBeforeWindow
	}
	return ""
}

// insert adds a window bar. A bar with the same timestamp is replaced only
// by a source of higher precedence.
func (s *Stream) insert(bar models.Bar) bool {
	i := sort.Search(len(s.window), func(i int) bool { return !s.window[i].Timestamp.Before(bar.Timestamp) })
	if i < len(s.window) && s.window[i].Timestamp.Equal(bar.Timestamp) {
		if bar.Source.Precedence() <= s.window[i].Source.Precedence() {
			return false
		}
		s.window[i] = bar
		return true
	}
	s.window = append(s.window, models.Bar{})
	copy(s.window[i+1:], s.window[i:])
	s.window[i] = bar
	return true
}

func (s *Stream) reject(bar models.Bar, reason string) {
	logging.LogBarRejected(s.logger, bar.Instrument, bar.Timestamp, reason)
	s.emit(events.TypeBarRejected, reason, map[string]interface{}{
		"bar_time": bar.Timestamp,
		"source":   bar.Source,
	})
}

func (s *Stream) fault(err error) {
	s.emit(events.TypeFault, "", map[string]interface{}{"error": err.Error()})
}

func (s *Stream) emit(t events.Type, reason string, details map[string]interface{}) {
	if s.env.Events == nil {
		return
	}
	s.env.Events.Emit(events.Event{
		Time:       s.env.Clock.Now(),
		Type:       t,
		StreamID:   s.id,
		Instrument: s.cfg.Key.Canonical,
		Phase:      string(s.phase),
		Reason:     reason,
		Details:    details,
	})
}
