// Package engine is the coordinator: it owns the stream set, serializes every
// bar, tick, order update and backfill result through one critical section,
// and holds the single-executor market locks.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"breakout-trader/internal/broker"
	"breakout-trader/internal/clock"
	"breakout-trader/internal/config"
	apperrors "breakout-trader/internal/errors"
	"breakout-trader/internal/events"
	"breakout-trader/internal/journal"
	"breakout-trader/internal/lock"
	"breakout-trader/internal/logging"
	"breakout-trader/internal/metrics"
	"breakout-trader/internal/models"
	"breakout-trader/internal/plan"
	"breakout-trader/internal/policy"
	"breakout-trader/internal/risk"
	"breakout-trader/internal/stream"
)

// Deps are the collaborators injected into the engine.
type Deps struct {
	Config   *config.Config
	Policy   *policy.Policy
	Times    *clock.TimeService
	Journal  *journal.Journal
	Locks    *lock.MarketLocks
	Gate     *risk.Gate
	Orders   broker.OrderAdapter
	Backfill broker.BackfillProvider
	Events   events.Sink
	Metrics  *metrics.Metrics // optional
	Logger   zerolog.Logger
}

// Engine coordinates all streams of one process.
type Engine struct {
	cfg    config.EngineConfig
	bfCfg  config.BackfillConfig
	health config.HealthConfig
	paths  config.PathsConfig

	policy   *policy.Policy
	times    *clock.TimeService
	clock    clock.Clock
	journal  *journal.Journal
	locks    *lock.MarketLocks
	gate     *risk.Gate
	orders   broker.OrderAdapter
	backfill broker.BackfillProvider
	sink     events.Sink
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	markets []string
	owned   map[string]bool

	lockMu sync.Mutex // serializes lock file operations

	mu          sync.Mutex
	env         *stream.Env
	streams     map[string]*stream.Stream
	entries     map[string]plan.Entry
	date        string
	planHash    string
	started     bool
	lockHeld    map[string]bool
	identityOK  bool
	passStreak  int
	lastIDCheck time.Time
	lastBeat    time.Time
	lastVerify  time.Time
	killFile    bool

	connected      bool
	reconcileDue   bool
	reconcileTries int

	backfills *backfills
	updates   *updateQueue
	activity  *Activity

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New wires an engine. Start must be called before any input is delivered.
func New(d Deps) (*Engine, error) {
	if d.Config == nil || d.Policy == nil || d.Times == nil || d.Journal == nil || d.Locks == nil || d.Gate == nil || d.Orders == nil {
		return nil, fmt.Errorf("engine: missing dependency")
	}
	if d.Backfill == nil {
		d.Backfill = broker.NoBackfill{}
	}
	var sink events.Sink = events.LogSink{Logger: d.Logger}
	if d.Events != nil {
		sink = d.Events
	}
	if d.Metrics != nil {
		sink = &metricSink{next: sink, m: d.Metrics}
	}

	markets := make([]string, 0, len(d.Config.Engine.Markets))
	owned := make(map[string]bool)
	for _, m := range d.Config.Engine.Markets {
		canonical, ok := d.Policy.Canonicalize(m)
		if !ok {
			return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "market %s is not in the execution policy", m)
		}
		if canonical != strings.ToUpper(strings.TrimSpace(m)) {
			return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "market %s is an execution identity of %s; configure canonical markets", m, canonical)
		}
		if !owned[canonical] {
			owned[canonical] = true
			markets = append(markets, canonical)
		}
	}
	sort.Strings(markets)

	e := &Engine{
		cfg:        d.Config.Engine,
		bfCfg:      d.Config.Backfill,
		health:     d.Config.Health,
		paths:      d.Config.Paths,
		policy:     d.Policy,
		times:      d.Times,
		clock:      d.Times.Clock(),
		journal:    d.Journal,
		locks:      d.Locks,
		gate:       d.Gate,
		orders:     d.Orders,
		backfill:   d.Backfill,
		sink:       sink,
		metrics:    d.Metrics,
		logger:     logging.WithComponent(d.Logger, "engine"),
		markets:    markets,
		owned:      owned,
		streams:    make(map[string]*stream.Stream),
		entries:    make(map[string]plan.Entry),
		lockHeld:   make(map[string]bool),
		identityOK: true,
		updates:    newUpdateQueue(),
		activity:   newActivity(),
	}
	e.backfills = newBackfills(e.bfCfg)
	e.env = &stream.Env{
		Clock:   e.clock,
		Journal: e.journal,
		Gate:    e.gate,
		Orders:  e.orders,
		Events:  e.sink,
		Logger:  d.Logger,
		Limiter: stream.NewLimiter(time.Minute),
		Status:  e.streamStatus,
		ExecutionFor: func(canonical string) string {
			exec, ok := e.policy.ExecutionFor(canonical)
			if !ok {
				return ""
			}
			return exec.Instrument
		},
	}
	return e, nil
}

// Markets returns the canonical markets owned by this engine.
func (e *Engine) Markets() []string {
	return append([]string(nil), e.markets...)
}

// Start warm-starts the journal and acquires every market lock. If any lock
// cannot be taken all locks are released and the engine runs no stream.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	today := e.times.Today()
	if _, err := e.journal.WarmStart(today); err != nil {
		// corrupt records are handled per stream on restore
		e.logger.Warn().Err(err).Str("date", today).Msg("Journal warm start reported errors")
	}
	e.date = today

	e.lockMu.Lock()
	err := e.locks.AcquireAll(e.markets)
	e.lockMu.Unlock()
	if err != nil {
		e.emit(events.TypeLockFailed, "", "", map[string]interface{}{"error": err.Error()})
		e.logger.Error().Err(err).Strs("markets", e.markets).Msg("Market lock acquisition failed, refusing to start")
		return err
	}
	for _, m := range e.markets {
		e.lockHeld[m] = true
		e.emit(events.TypeLockAcquired, m, "", map[string]interface{}{"owner": e.locks.OwnerID()})
		if e.metrics != nil {
			e.metrics.LockHeld.WithLabelValues(m).Set(1)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.env.Context = ctx
	e.orders.OnUpdate(e.updates.push)
	e.connected = e.orders.Connected()
	e.wg.Go(func() { e.backfills.run(ctx, e) })

	e.started = true
	e.lastBeat = e.clock.Now()
	e.activity.tick(e.clock.Now())
	e.emit(events.TypeEngineStarted, "", "", map[string]interface{}{
		"markets": e.markets,
		"date":    today,
		"owner":   e.locks.OwnerID(),
	})
	e.logger.Info().Strs("markets", e.markets).Str("date", today).Msg("Engine started")
	return nil
}

// Stop releases the market locks and closes the event sink.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.lockMu.Lock()
	err := e.locks.ReleaseAll()
	e.lockMu.Unlock()
	for _, m := range e.markets {
		if e.lockHeld[m] {
			e.emit(events.TypeLockReleased, m, "", nil)
		}
		e.lockHeld[m] = false
		if e.metrics != nil {
			e.metrics.LockHeld.WithLabelValues(m).Set(0)
		}
	}
	e.emit(events.TypeEngineStopped, "", "", map[string]interface{}{"streams": len(e.streams)})
	if cerr := e.sink.Close(); cerr != nil {
		err = apperrors.Append(err, cerr)
	}
	e.logger.Info().Msg("Engine stopped")
	return err
}

// Run drives ticks, plan reloads, adapter updates and the bar feed until ctx
// is done or the feed fails for good.
func (e *Engine) Run(ctx context.Context, feed broker.BarFeed) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var feedErr error
	var wg conc.WaitGroup
	wg.Go(func() { e.tickLoop(ctx) })
	wg.Go(func() { e.updateLoop(ctx) })
	wg.Go(func() { e.planLoop(ctx) })
	if feed != nil {
		wg.Go(func() {
			if err := feed.Run(ctx, e.OnBar); err != nil && ctx.Err() == nil {
				feedErr = err
				e.logger.Error().Err(err).Msg("Bar feed stopped")
				cancel()
			}
		})
	}
	wg.Wait()
	return feedErr
}

func (e *Engine) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

func (e *Engine) updateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.updates.signal:
			e.ProcessPendingUpdates()
		}
	}
}

func (e *Engine) planLoop(ctx context.Context) {
	var changes <-chan struct{}
	if w, err := plan.NewWatcher(e.paths.Plan, e.logger); err == nil {
		go w.Run(ctx)
		changes = w.Changes()
	} else {
		e.logger.Warn().Err(err).Msg("Plan watcher unavailable, polling only")
	}

	interval := e.cfg.PlanReloadInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-changes:
		}
		if _, err := e.ReloadPlan(); err != nil {
			e.logger.Warn().Err(err).Msg("Plan reload failed")
		}
	}
}

// guard runs fn under the engine mutex and converts a panic into a FAULT
// event. Pending adapter updates are drained before the lock is released.
func (e *Engine) guard(what string, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	var pc panics.Catcher
	pc.Try(fn)
	pc.Try(e.drainLocked)
	if r := pc.Recovered(); r != nil {
		e.logger.Error().Str("handler", what).Str("panic", fmt.Sprint(r.Value)).Msg("Recovered from handler panic")
		e.emit(events.TypeFault, what, "", map[string]interface{}{"panic": r.String()})
	}
}

// Snapshots returns a read-only view of every stream, sorted by id.
func (e *Engine) Snapshots() []models.StreamSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.StreamSnapshot, 0, len(e.streams))
	for _, id := range e.streamIDs() {
		out = append(out, e.streams[id].Snapshot())
	}
	return out
}

// Activity exposes liveness data for the health monitor.
func (e *Engine) Activity() *Activity {
	return e.activity
}

// Date returns the trading date of the current stream set.
func (e *Engine) Date() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.date
}

// IdentityHealthy reports the current identity invariant status.
func (e *Engine) IdentityHealthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identityOK
}

func (e *Engine) streamStatus(canonical string) (bool, bool) {
	return e.lockHeld[canonical], e.identityOK
}

func (e *Engine) streamIDs() []string {
	ids := make([]string, 0, len(e.streams))
	for id := range e.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) emit(t events.Type, reason, streamID string, details map[string]interface{}) {
	e.sink.Emit(events.Event{
		Time:     e.clock.Now(),
		Type:     t,
		StreamID: streamID,
		Reason:   reason,
		Details:  details,
	})
}
