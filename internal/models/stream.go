package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Phase is a stream lifecycle state.
type Phase string

const (
	PhasePreHydration  Phase = "PRE_HYDRATION"
	PhaseArmed         Phase = "ARMED"
	PhaseRangeBuilding Phase = "RANGE_BUILDING"
	PhaseRangeLocked   Phase = "RANGE_LOCKED"
	PhaseDone          Phase = "DONE"
	PhaseSuspended     Phase = "SUSPENDED"
)

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseSuspended
}

// CommitReason records why a stream stopped.
type CommitReason string

const (
	CommitNoBarsInWindow       CommitReason = "NO_BARS_IN_WINDOW"
	CommitRangeInvalidated     CommitReason = "RANGE_INVALIDATED"
	CommitTradeCompleted       CommitReason = "TRADE_COMPLETED"
	CommitEntryCancelled       CommitReason = "ENTRY_CANCELLED"
	CommitEntryRejected        CommitReason = "ENTRY_REJECTED"
	CommitNoBreakout           CommitReason = "NO_BREAKOUT"
	CommitMarketCloseCancelled CommitReason = "MARKET_CLOSE_CANCELLED"
	CommitMarketCloseFlattened CommitReason = "MARKET_CLOSE_FLATTENED"
	CommitNoTradeLate          CommitReason = "NO_TRADE_LATE"
	CommitRestoreSuspended     CommitReason = "RESTORE_SUSPENDED"
	CommitDisabledByPlan       CommitReason = "DISABLED_BY_PLAN"
	CommitIdentityViolation    CommitReason = "IDENTITY_VIOLATION"
	CommitSuperseded           CommitReason = "SUPERSEDED"
)

// StreamKey is the logical identity of a stream.
type StreamKey struct {
	Canonical   string
	Session     string
	TradingDate string // YYYY-MM-DD in exchange time
}

// StreamID builds the canonical stream id for an instrument and session.
func StreamID(canonical, session string) string {
	return strings.ToUpper(canonical) + "_" + strings.ToUpper(session)
}

// ID returns the stream id of the key.
func (k StreamKey) ID() string {
	return StreamID(k.Canonical, k.Session)
}

func (k StreamKey) String() string {
	return fmt.Sprintf("%s@%s", k.ID(), k.TradingDate)
}

// Range is a locked price range.
type Range struct {
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	FreezeClose float64   `json:"freeze_close"`
	BarCount    int       `json:"bar_count"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	LockedAt    time.Time `json:"locked_at,omitempty"`
}

// Validate enforces the range invariants.
func (r Range) Validate() error {
	if r.BarCount < 1 {
		return fmt.Errorf("range has no bars")
	}
	if r.High < r.Low {
		return fmt.Errorf("range high %.4f below low %.4f", r.High, r.Low)
	}
	if r.High <= 0 || r.Low <= 0 {
		return fmt.Errorf("range has non-positive bounds")
	}
	if !r.WindowEnd.After(r.WindowStart) {
		return fmt.Errorf("range window is empty")
	}
	return nil
}

// Size returns the height of the range.
func (r Range) Size() float64 {
	return r.High - r.Low
}

// BreakoutLevels are the entry thresholds derived from a locked range.
type BreakoutLevels struct {
	Upper float64 `json:"upper"`
	Lower float64 `json:"lower"`
}

// DeriveLevels offsets the range bounds and rounds to the tick size.
func DeriveLevels(r Range, offset, tickSize float64) BreakoutLevels {
	return BreakoutLevels{
		Upper: RoundToTick(r.High+offset, tickSize),
		Lower: RoundToTick(r.Low-offset, tickSize),
	}
}

// RoundToTick rounds a price to the nearest tick.
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}

// Crossing tests a bar against the levels. Equality is not a crossing.
// When a bar crosses both levels the one nearer the bar open wins.
func (l BreakoutLevels) Crossing(b Bar) (Direction, bool) {
	up := b.High > l.Upper
	down := b.Low < l.Lower
	switch {
	case up && down:
		if math.Abs(l.Upper-b.Open) <= math.Abs(b.Open-l.Lower) {
			return DirectionLong, true
		}
		return DirectionShort, true
	case up:
		return DirectionLong, true
	case down:
		return DirectionShort, true
	default:
		return "", false
	}
}

// Level returns the breakout level for a direction.
func (l BreakoutLevels) Level(d Direction) float64 {
	if d == DirectionLong {
		return l.Upper
	}
	return l.Lower
}

// StreamSnapshot is a read-only view of a stream.
type StreamSnapshot struct {
	Key              StreamKey       `json:"key"`
	StreamID         string          `json:"stream_id"`
	Canonical        string          `json:"canonical"`
	Execution        string          `json:"execution"`
	Phase            Phase           `json:"phase"`
	RangeStart       time.Time       `json:"range_start"`
	SlotTime         time.Time       `json:"slot_time"`
	MarketClose      time.Time       `json:"market_close"`
	BarCount         int             `json:"bar_count"`
	Range            *Range          `json:"range,omitempty"`
	Levels           *BreakoutLevels `json:"levels,omitempty"`
	GapInvalidated   bool            `json:"gap_invalidated"`
	GapReason        string          `json:"gap_reason,omitempty"`
	BackfillPending  bool            `json:"backfill_pending"`
	BackfillComplete bool            `json:"backfill_complete"`
	IntentID         string          `json:"intent_id,omitempty"`
	Committed        bool            `json:"committed"`
	CommitReason     CommitReason    `json:"commit_reason,omitempty"`
	CommitDetail     string          `json:"commit_detail,omitempty"`
}

// Window is a span in which a market is expected to deliver bars.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}
