package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakout-trader/internal/broker"
	"breakout-trader/internal/clock"
	"breakout-trader/internal/config"
	apperrors "breakout-trader/internal/errors"
	"breakout-trader/internal/events"
	"breakout-trader/internal/journal"
	"breakout-trader/internal/lock"
	"breakout-trader/internal/metrics"
	"breakout-trader/internal/models"
	"breakout-trader/internal/plan"
	"breakout-trader/internal/policy"
	"breakout-trader/internal/risk"
	"breakout-trader/internal/stream"
)

const date = "2025-03-03"

func at(h, m int) time.Time {
	return time.Date(2025, 3, 3, h, m, 0, 0, time.UTC)
}

func mkBar(ts time.Time, o, hi, lo, c float64) models.Bar {
	return models.Bar{Instrument: "ES", Timestamp: ts, Open: o, High: hi, Low: lo, Close: c, Volume: 10, Source: models.BarSourceLive}
}

// windowBars is one bar per minute from 08:00 to 08:59 with high 5005 and low 4995.
func windowBars() []models.Bar {
	bars := make([]models.Bar, 0, 60)
	for i := 0; i < 60; i++ {
		b := mkBar(at(8, i), 5000, 5003, 4997, 5000)
		switch i {
		case 10:
			b.High = 5005
		case 20:
			b.Low = 4995
		}
		bars = append(bars, b)
	}
	return bars
}

type fixture struct {
	t        *testing.T
	dir      string
	fs       afero.Fs
	clk      *clock.Manual
	cfg      *config.Config
	pol      *policy.Policy
	paper    *broker.PaperAdapter
	orders   broker.OrderAdapter
	backfill broker.BackfillProvider
	sink     *events.MemorySink
	metrics  *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Engine.Timezone = "UTC"
	cfg.Engine.Markets = []string{"ES"}
	cfg.Engine.MarketClose = "15:00"
	cfg.Engine.Sessions = map[string]config.SessionConfig{"S1": {RangeStart: "08:00"}}
	cfg.Engine.HeartbeatInterval = 30 * time.Second
	cfg.Engine.IdentityCheckInterval = time.Minute
	cfg.Backfill.Workers = 1
	cfg.Backfill.Timeout = 20 * time.Second
	cfg.Paths.Plan = filepath.Join(dir, "plan.json")
	cfg.Paths.KillSwitchFile = ""

	pol, err := policy.New(map[string]policy.Market{
		"ES": {
			TickSize:       0.25,
			BreakoutOffset: 5,
			TargetPoints:   10,
			MaxStopPoints:  20,
			Executions: map[string]policy.Execution{
				"MES": {Enabled: true, Quantity: 2},
				"ES":  {Enabled: false},
			},
		},
		"NQ": {
			TickSize:       0.25,
			BreakoutOffset: 10,
			TargetPoints:   20,
			MaxStopPoints:  40,
			Executions: map[string]policy.Execution{
				"MNQ": {Enabled: true, Quantity: 1},
			},
		},
	}, 10)
	require.NoError(t, err)

	clk := clock.NewManual(at(7, 50))
	paper := broker.NewPaperAdapter(clk, 0)
	return &fixture{
		t:       t,
		dir:     dir,
		fs:      afero.NewMemMapFs(),
		clk:     clk,
		cfg:     cfg,
		pol:     pol,
		paper:   paper,
		orders:  paper,
		sink:    events.NewMemorySink(),
		metrics: metrics.New(),
	}
}

// engine builds an engine with its own journal and lock set on the shared fs.
func (f *fixture) engine() *Engine {
	times, err := clock.NewTimeService("UTC", f.clk)
	require.NoError(f.t, err)
	e, err := New(Deps{
		Config:   f.cfg,
		Policy:   f.pol,
		Times:    times,
		Journal:  journal.New(f.fs, "/journal", 30*time.Second, f.clk, zerolog.Nop()),
		Locks:    lock.NewMarketLocks(f.fs, "/locks", time.Hour, f.clk, zerolog.Nop()),
		Gate:     risk.NewGate(f.pol, false, f.fs, "/KILL"),
		Orders:   f.orders,
		Backfill: f.backfill,
		Events:   f.sink,
		Metrics:  f.metrics,
		Logger:   zerolog.Nop(),
	})
	require.NoError(f.t, err)
	return e
}

func (f *fixture) start() *Engine {
	e := f.engine()
	require.NoError(f.t, e.Start(context.Background()))
	f.t.Cleanup(func() { _ = e.Stop() })
	return e
}

func (f *fixture) writePlan(entries map[string]plan.Entry) {
	data, err := json.Marshal(plan.Plan{TradingDate: date, Streams: entries})
	require.NoError(f.t, err)
	require.NoError(f.t, os.WriteFile(f.cfg.Paths.Plan, data, 0644))
}

func enabled(slot string) plan.Entry {
	return plan.Entry{Instrument: "ES", Session: "S1", SlotTime: slot, Enabled: true}
}

// apply reloads the plan and waits for the backfill round trip.
func (f *fixture) apply(e *Engine) PlanResult {
	res, err := e.ReloadPlan()
	require.NoError(f.t, err)
	require.Eventually(f.t, func() bool { return e.PendingBackfills() == 0 }, 2*time.Second, 5*time.Millisecond)
	return res
}

func (f *fixture) deliver(e *Engine, b models.Bar) {
	f.clk.Set(b.EndTime())
	e.OnBar(b)
}

func snapshot(t *testing.T, e *Engine, id string) models.StreamSnapshot {
	for _, s := range e.Snapshots() {
		if s.StreamID == id {
			return s
		}
	}
	t.Fatalf("stream %s not found", id)
	return models.StreamSnapshot{}
}

func TestEngine_BreakoutTradesOnce(t *testing.T) {
	f := newFixture(t)
	e := f.start()
	f.writePlan(map[string]plan.Entry{"ES_S1": enabled("09:00")})

	res := f.apply(e)
	assert.Equal(t, []string{"ES_S1"}, res.Created)
	assert.Equal(t, models.PhaseArmed, snapshot(t, e, "ES_S1").Phase)

	for _, b := range windowBars() {
		f.deliver(e, b)
	}
	assert.Equal(t, models.PhaseRangeBuilding, snapshot(t, e, "ES_S1").Phase)

	// the first bar at the slot locks the range and breaks out above 5010
	f.deliver(e, mkBar(at(9, 0), 5001, 5011, 5000, 5010))
	snap := snapshot(t, e, "ES_S1")
	require.Equal(t, models.PhaseRangeLocked, snap.Phase)
	require.NotNil(t, snap.Levels)
	assert.Equal(t, 5010.0, snap.Levels.Upper)
	assert.Equal(t, 4990.0, snap.Levels.Lower)
	require.NotEmpty(t, snap.IntentID)
	assert.Equal(t, journal.IntentID(date, "ES_S1", "ES", models.DirectionLong), snap.IntentID)

	// a second crossing does not submit again
	f.deliver(e, mkBar(at(9, 1), 5010, 5012, 5008, 5011))
	assert.Equal(t, 1, f.paper.Brackets())
	assert.Len(t, f.sink.OfType(events.TypeOrderSubmitted), 1)

	// the target exit completes the trade
	f.deliver(e, mkBar(at(9, 2), 5011, 5021, 5010, 5020))
	snap = snapshot(t, e, "ES_S1")
	assert.True(t, snap.Committed)
	assert.Equal(t, models.CommitTradeCompleted, snap.CommitReason)
	assert.Equal(t, 1, f.paper.Brackets())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Commits.WithLabelValues(string(models.CommitTradeCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Orders.WithLabelValues("submitted")))
	assert.Equal(t, 60.0, testutil.ToFloat64(f.metrics.Bars.WithLabelValues("ES", "accepted")))

	// a committed stream survives a plan change
	f.writePlan(map[string]plan.Entry{"ES_S1": enabled("09:30")})
	res, err := e.ReloadPlan()
	require.NoError(t, err)
	assert.Equal(t, []string{"ES_S1"}, res.Kept)
	assert.Equal(t, models.CommitTradeCompleted, snapshot(t, e, "ES_S1").CommitReason)
}

func TestEngine_RestartDoesNotResubmit(t *testing.T) {
	f := newFixture(t)
	first := f.engine()
	require.NoError(t, first.Start(context.Background()))
	f.writePlan(map[string]plan.Entry{"ES_S1": enabled("09:00")})
	f.apply(first)
	for _, b := range windowBars() {
		f.deliver(first, b)
	}
	f.deliver(first, mkBar(at(9, 0), 5001, 5011, 5000, 5010))
	intent := snapshot(t, first, "ES_S1").IntentID
	require.NotEmpty(t, intent)
	require.NoError(t, first.Stop())

	second := f.start()
	f.apply(second)
	snap := snapshot(t, second, "ES_S1")
	assert.Equal(t, models.PhaseRangeLocked, snap.Phase)
	assert.Equal(t, intent, snap.IntentID)

	f.deliver(second, mkBar(at(9, 5), 5010, 5013, 5008, 5012))
	assert.Equal(t, 1, f.paper.Brackets())
	assert.Equal(t, intent, snapshot(t, second, "ES_S1").IntentID)
}

func TestEngine_RestartReconcilesFillsWhileDown(t *testing.T) {
	f := newFixture(t)
	first := f.engine()
	require.NoError(t, first.Start(context.Background()))
	f.writePlan(map[string]plan.Entry{"ES_S1": enabled("09:00")})
	f.apply(first)
	for _, b := range windowBars() {
		f.deliver(first, b)
	}
	f.deliver(first, mkBar(at(9, 0), 5001, 5011, 5000, 5010))
	intent := snapshot(t, first, "ES_S1").IntentID
	require.NotEmpty(t, intent)
	require.NoError(t, first.Stop())

	// the target is hit while no engine is running
	for _, b := range []models.Bar{
		mkBar(at(9, 1), 5010, 5012, 5008, 5011),
		mkBar(at(9, 2), 5011, 5021, 5010, 5020),
	} {
		f.clk.Set(b.EndTime())
		f.paper.ObserveBar("ES", b)
	}

	second := f.start()
	f.apply(second)
	snap := snapshot(t, second, "ES_S1")
	assert.True(t, snap.Committed)
	assert.Equal(t, models.CommitTradeCompleted, snap.CommitReason)
	assert.Equal(t, 1, f.paper.Brackets())

	recs, err := journal.New(f.fs, "/journal", 30*time.Second, f.clk, zerolog.Nop()).Records(date)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotNil(t, recs[0].Intent)
	assert.Equal(t, models.OrderClosed, recs[0].Intent.Status)
	assert.Equal(t, 5020.0, recs[0].Intent.ExitPrice)

	reconciled := f.sink.OfType(events.TypeReconciled)
	require.Len(t, reconciled, 1)
	assert.Equal(t, string(models.OrderClosed), reconciled[0].Reason)
}

// crashingSubmit dies between journaling an intent and submitting it.
type crashingSubmit struct {
	*broker.PaperAdapter
}

func (crashingSubmit) SubmitBracket(context.Context, models.BracketRequest) (*models.OrderResult, error) {
	panic("process killed")
}

func TestEngine_RestartFailsUnsubmittedIntent(t *testing.T) {
	f := newFixture(t)
	f.orders = crashingSubmit{PaperAdapter: f.paper}
	first := f.engine()
	require.NoError(t, first.Start(context.Background()))
	f.writePlan(map[string]plan.Entry{"ES_S1": enabled("09:00")})
	f.apply(first)
	for _, b := range windowBars() {
		f.deliver(first, b)
	}
	f.deliver(first, mkBar(at(9, 0), 5001, 5011, 5000, 5010))
	require.NotEmpty(t, f.sink.OfType(events.TypeFault))
	require.NoError(t, first.Stop())

	id := journal.IntentID(date, "ES_S1", "ES", models.DirectionLong)
	f.paper = broker.NewPaperAdapter(f.clk, 0)
	f.orders = f.paper
	second := f.start()
	f.apply(second)

	snap := snapshot(t, second, "ES_S1")
	assert.True(t, snap.Committed)
	assert.Equal(t, models.CommitEntryRejected, snap.CommitReason)
	assert.Equal(t, id, snap.IntentID)
	assert.Zero(t, f.paper.Brackets(), "a failed intent is never resubmitted")

	f.deliver(second, mkBar(at(9, 5), 5010, 5013, 5008, 5012))
	assert.Zero(t, f.paper.Brackets())
}

func TestEngine_ReconnectReconcilesOpenIntent(t *testing.T) {
	f := newFixture(t)
	e := f.start()
	f.writePlan(map[string]plan.Entry{"ES_S1": enabled("09:00")})
	f.apply(e)
	for _, b := range windowBars() {
		f.deliver(e, b)
	}
	f.deliver(e, mkBar(at(9, 0), 5001, 5011, 5000, 5010))
	require.NotEmpty(t, snapshot(t, e, "ES_S1").IntentID)

	f.paper.SetConnected(false)
	f.clk.Advance(time.Second)
	e.Tick()
	assert.Empty(t, f.sink.OfType(events.TypeReconciled))

	f.paper.SetConnected(true)
	f.clk.Advance(time.Second)
	e.Tick()
	reconciled := f.sink.OfType(events.TypeReconciled)
	require.Len(t, reconciled, 1)
	assert.Equal(t, string(models.OrderFilled), reconciled[0].Reason)
	assert.False(t, snapshot(t, e, "ES_S1").Committed)
}

func TestEngine_SecondInstanceRefusesToStart(t *testing.T) {
	f := newFixture(t)
	first := f.start()
	assert.Equal(t, []string{"ES"}, first.Markets())

	second := f.engine()
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrLockHeld))
	assert.NotEmpty(t, f.sink.OfType(events.TypeLockFailed))

	// a refused engine applies nothing
	f.writePlan(map[string]plan.Entry{"ES_S1": enabled("09:00")})
	_, _ = second.ApplyPlan(mustParse(t, f.cfg.Paths.Plan))
	assert.Empty(t, second.Snapshots())

	// once the first releases, a new instance may start
	require.NoError(t, first.Stop())
	third := f.start()
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LockHeld.WithLabelValues("ES")))
	_ = third
}

func mustParse(t *testing.T, path string) *plan.Plan {
	p, err := plan.Load(path)
	require.NoError(t, err)
	return p
}

func TestEngine_PlanRules(t *testing.T) {
	f := newFixture(t)
	f.cfg.Engine.Sessions["S2"] = config.SessionConfig{RangeStart: "09:00"}
	e := f.start()

	f.writePlan(map[string]plan.Entry{
		"ES_S1":  enabled("09:00"),
		"NQ_S1":  {Instrument: "NQ", Session: "S1", SlotTime: "09:00", Enabled: true},
		"MES_S2": {Instrument: "MES", Session: "S2", SlotTime: "10:00", Enabled: true},
	})
	res := f.apply(e)
	assert.Equal(t, []string{"ES_S1"}, res.Created)
	assert.Equal(t, []string{"NQ_S1"}, res.Ignored)
	assert.Equal(t, []string{"MES_S2"}, res.Rejected)
	assert.Equal(t, []string{"ES_S2"}, res.Missing)
	assert.NotEmpty(t, f.sink.OfType(events.TypePlanIncomplete))

	// same bytes are not re-applied
	res, err := e.ReloadPlan()
	require.NoError(t, err)
	assert.True(t, res.Unchanged)

	// a changed slot replaces an unlocked stream
	f.writePlan(map[string]plan.Entry{
		"ES_S1": enabled("09:30"),
		"ES_S2": {Instrument: "ES", Session: "S2", SlotTime: "08:30", Enabled: true},
	})
	res = f.apply(e)
	assert.Equal(t, []string{"ES_S1"}, res.Superseded)
	assert.Equal(t, []string{"ES_S2"}, res.Rejected, "slot before range start")
	snap := snapshot(t, e, "ES_S1")
	assert.False(t, snap.Committed)
	assert.Equal(t, at(9, 30), snap.SlotTime)
	commits := f.sink.OfType(events.TypeCommit)
	require.NotEmpty(t, commits)
	assert.Equal(t, string(models.CommitSuperseded), commits[len(commits)-1].Reason)

	// disabling commits the unlocked stream with the plan reason
	f.writePlan(map[string]plan.Entry{
		"ES_S1": {Instrument: "ES", Session: "S1", SlotTime: "09:30", Reason: "FOMC"},
		"ES_S2": {Instrument: "ES", Session: "S2", SlotTime: "10:00", Enabled: true},
	})
	res = f.apply(e)
	assert.Equal(t, []string{"ES_S1"}, res.Disabled)
	assert.Equal(t, []string{"ES_S2"}, res.Created)
	snap = snapshot(t, e, "ES_S1")
	assert.True(t, snap.Committed)
	assert.Equal(t, models.CommitDisabledByPlan, snap.CommitReason)
	assert.Equal(t, "FOMC", snap.CommitDetail)

	// a stream absent from the plan is treated as disabled
	f.writePlan(map[string]plan.Entry{"ES_S1": {Instrument: "ES", Session: "S1", SlotTime: "09:30", Reason: "FOMC"}})
	res = f.apply(e)
	assert.Contains(t, res.Disabled, "ES_S2")
	assert.Equal(t, models.CommitDisabledByPlan, snapshot(t, e, "ES_S2").CommitReason)
}

func TestEngine_NewDateDropsStreams(t *testing.T) {
	f := newFixture(t)
	e := f.start()
	f.writePlan(map[string]plan.Entry{"ES_S1": enabled("09:00")})
	f.apply(e)
	require.Len(t, e.Snapshots(), 1)

	next := &plan.Plan{TradingDate: "2025-03-04", Streams: map[string]plan.Entry{}, Hash: "next"}
	_, err := e.ApplyPlan(next)
	require.NoError(t, err)
	assert.Empty(t, e.Snapshots())
	assert.Equal(t, "2025-03-04", e.Date())
}

func TestEngine_UnknownInstrumentDropped(t *testing.T) {
	f := newFixture(t)
	e := f.start()
	f.writePlan(map[string]plan.Entry{"ES_S1": enabled("09:00")})
	f.apply(e)

	f.deliver(e, models.Bar{Instrument: "CL", Timestamp: at(8, 0), Open: 70, High: 71, Low: 69, Close: 70, Source: models.BarSourceLive})
	f.deliver(e, models.Bar{Instrument: "MNQ", Timestamp: at(8, 1), Open: 70, High: 71, Low: 69, Close: 70, Source: models.BarSourceLive})

	rejected := f.sink.OfType(events.TypeBarRejected)
	require.Len(t, rejected, 2)
	assert.Equal(t, "UNKNOWN_INSTRUMENT", rejected[0].Reason)
	assert.Equal(t, "MARKET_NOT_OWNED", rejected[1].Reason)
	assert.Zero(t, snapshot(t, e, "ES_S1").BarCount)

	// an execution identity is routed to its canonical stream
	b := mkBar(at(8, 2), 5000, 5003, 4997, 5000)
	b.Instrument = "MES"
	f.deliver(e, b)
	assert.Equal(t, 1, snapshot(t, e, "ES_S1").BarCount)
}

func TestEngine_HeartbeatAndLockLoss(t *testing.T) {
	f := newFixture(t)
	e := f.start()

	e.Tick()
	assert.Empty(t, f.sink.OfType(events.TypeHeartbeat))

	f.clk.Advance(30 * time.Second)
	e.Tick()
	assert.Len(t, f.sink.OfType(events.TypeHeartbeat), 1)

	f.clk.Advance(10 * time.Second)
	e.Tick()
	assert.Len(t, f.sink.OfType(events.TypeHeartbeat), 1)

	require.NoError(t, f.fs.Remove(lock.PathFor("/locks", "ES")))
	f.clk.Advance(20 * time.Second)
	e.Tick()
	assert.Len(t, f.sink.OfType(events.TypeHeartbeat), 2)
	lost := f.sink.OfType(events.TypeLockLost)
	require.Len(t, lost, 1)
	assert.Equal(t, "ES", lost[0].Reason)

	held, _ := e.streamStatus("ES")
	assert.False(t, held)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.LockHeld.WithLabelValues("ES")))
	assert.NotZero(t, e.Activity().LastTick())
}

func TestEngine_KillSwitchFilePolledOnTick(t *testing.T) {
	f := newFixture(t)
	e := f.start()

	require.NoError(t, afero.WriteFile(f.fs, "/KILL", []byte("on"), 0644))
	e.Tick()
	assert.True(t, e.gate.KillSwitch())

	require.NoError(t, afero.WriteFile(f.fs, "/KILL", []byte("off"), 0644))
	e.Tick()
	assert.False(t, e.gate.KillSwitch())
}

func TestEngine_IdentityRecoveryNeedsTwoPasses(t *testing.T) {
	f := newFixture(t)
	e := f.start()
	f.writePlan(map[string]plan.Entry{"ES_S1": enabled("09:00")})
	f.apply(e)

	rep := e.CheckIdentity()
	assert.True(t, rep.Passed)
	assert.True(t, rep.Healthy)

	// a stream placing orders on a disabled execution breaks the invariant
	e.mu.Lock()
	bad := e.streams["ES_S1"].Config()
	bad.Key.Session = "S9"
	bad.Execution = "ES"
	e.streams["ES_S9"] = stream.New(bad, e.env)
	e.mu.Unlock()

	rep = e.CheckIdentity()
	assert.False(t, rep.Passed)
	assert.False(t, rep.Healthy)
	assert.NotEmpty(t, rep.Reasons)
	assert.False(t, e.IdentityHealthy())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.IdentityOK))

	e.mu.Lock()
	delete(e.streams, "ES_S9")
	e.mu.Unlock()

	rep = e.CheckIdentity()
	assert.True(t, rep.Passed)
	assert.False(t, rep.Healthy, "one pass is not enough")

	rep = e.CheckIdentity()
	assert.True(t, rep.Healthy)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IdentityOK))
}

// panicky panics on Connected while armed.
type panicky struct {
	*broker.PaperAdapter
	armed atomic.Bool
}

func (p *panicky) Connected() bool {
	if p.armed.Load() {
		panic("adapter exploded")
	}
	return p.PaperAdapter.Connected()
}

func TestEngine_PanicInTickIsContained(t *testing.T) {
	f := newFixture(t)
	pa := &panicky{PaperAdapter: f.paper}
	f.orders = pa
	e := f.start()

	pa.armed.Store(true)
	f.clk.Advance(30 * time.Second)
	require.NotPanics(t, e.Tick)

	faults := f.sink.OfType(events.TypeFault)
	require.Len(t, faults, 1)
	assert.Equal(t, "tick", faults[0].Reason)

	// the mutex was released and the engine keeps working
	pa.armed.Store(false)
	f.clk.Advance(30 * time.Second)
	e.Tick()
	assert.NotEmpty(t, f.sink.OfType(events.TypeHeartbeat))
}

type blockingBackfill struct {
	release chan struct{}
	calls   atomic.Int32
	bars    []models.Bar
}

func (b *blockingBackfill) Bars(ctx context.Context, instrument string, from, to time.Time) ([]models.Bar, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if b.bars != nil {
		return b.bars, nil
	}
	return windowBars()[:5], nil
}

func TestEngine_LateStartLocksAfterPendingBackfill(t *testing.T) {
	f := newFixture(t)
	bf := &blockingBackfill{release: make(chan struct{}), bars: windowBars()}
	f.backfill = bf
	f.clk.Set(at(9, 20))
	e := f.start()

	f.writePlan(map[string]plan.Entry{"ES_S1": enabled("09:00")})
	_, err := e.ReloadPlan()
	require.NoError(t, err)
	require.Equal(t, 1, e.PendingBackfills())

	f.clk.Advance(time.Second)
	e.Tick()
	snap := snapshot(t, e, "ES_S1")
	assert.False(t, snap.Committed)
	assert.Equal(t, models.PhaseRangeBuilding, snap.Phase)
	assert.True(t, snap.BackfillPending)

	close(bf.release)
	require.Eventually(t, func() bool { return e.PendingBackfills() == 0 }, 2*time.Second, 5*time.Millisecond)
	snap = snapshot(t, e, "ES_S1")
	require.Equal(t, models.PhaseRangeLocked, snap.Phase)
	assert.Equal(t, 60, snap.BarCount)
	require.NotNil(t, snap.Levels)
	assert.Equal(t, 5010.0, snap.Levels.Upper)
	assert.Empty(t, f.sink.OfType(events.TypeCommit))
}

func TestEngine_StaleBackfillIsDropped(t *testing.T) {
	f := newFixture(t)
	bf := &blockingBackfill{release: make(chan struct{})}
	f.backfill = bf
	e := f.start()

	f.writePlan(map[string]plan.Entry{"ES_S1": enabled("09:00")})
	_, err := e.ReloadPlan()
	require.NoError(t, err)
	require.Equal(t, 1, e.PendingBackfills())
	assert.True(t, snapshot(t, e, "ES_S1").BackfillPending)

	f.clk.Advance(21 * time.Second)
	e.Tick()
	assert.Zero(t, e.PendingBackfills())
	assert.Len(t, f.sink.OfType(events.TypeBackfillExpired), 1)
	assert.False(t, snapshot(t, e, "ES_S1").BackfillPending)

	close(bf.release)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.Backfill.WithLabelValues("stale")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, snapshot(t, e, "ES_S1").BarCount)
	assert.Equal(t, int32(1), bf.calls.Load(), "a stream is backfilled once")
}

type panickingBackfill struct{}

func (panickingBackfill) Bars(context.Context, string, time.Time, time.Time) ([]models.Bar, error) {
	panic(fmt.Sprintf("store %s", "corrupt"))
}

func TestEngine_BackfillPanicBecomesFailure(t *testing.T) {
	f := newFixture(t)
	f.backfill = panickingBackfill{}
	e := f.start()

	f.writePlan(map[string]plan.Entry{"ES_S1": enabled("09:00")})
	f.apply(e)

	results := f.sink.OfType(events.TypeBackfillResult)
	require.Len(t, results, 1)
	assert.Equal(t, "BACKFILL_FAILED", results[0].Reason)
	snap := snapshot(t, e, "ES_S1")
	assert.Equal(t, models.PhasePreHydration, snap.Phase)
	assert.False(t, snap.BackfillComplete)

	// the hydration timeout still guarantees progress
	f.clk.Set(at(8, 5))
	e.Tick()
	assert.Equal(t, models.PhaseRangeBuilding, snapshot(t, e, "ES_S1").Phase)
}

func TestNew_RejectsExecutionMarket(t *testing.T) {
	f := newFixture(t)
	f.cfg.Engine.Markets = []string{"MES"}
	times, err := clock.NewTimeService("UTC", f.clk)
	require.NoError(t, err)
	_, err = New(Deps{
		Config:  f.cfg,
		Policy:  f.pol,
		Times:   times,
		Journal: journal.New(f.fs, "/journal", time.Second, f.clk, zerolog.Nop()),
		Locks:   lock.NewMarketLocks(f.fs, "/locks", time.Hour, f.clk, zerolog.Nop()),
		Gate:    risk.NewGate(f.pol, false, nil, ""),
		Orders:  f.paper,
		Logger:  zerolog.Nop(),
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
}
