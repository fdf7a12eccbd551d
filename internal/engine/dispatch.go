package engine

import (
	"sort"
	"sync"
	"time"

	"breakout-trader/internal/broker"
	"breakout-trader/internal/events"
	"breakout-trader/internal/journal"
	"breakout-trader/internal/models"
)

// OnBar canonicalizes a bar's instrument and hands it to every stream of
// that canonical market, whichever execution identity delivered it.
func (e *Engine) OnBar(bar models.Bar) {
	e.guard("bar", func() { e.onBarLocked(bar) })
}

func (e *Engine) onBarLocked(bar models.Bar) {
	now := e.clock.Now()
	canonical, ok := e.policy.Canonicalize(bar.Instrument)
	if !ok || !e.owned[canonical] {
		reason := "UNKNOWN_INSTRUMENT"
		if ok {
			reason = "MARKET_NOT_OWNED"
		}
		if allowed, suppressed := e.env.Limiter.Allow("engine|drop|"+bar.Instrument, now); allowed {
			e.logger.Warn().Str("instrument", bar.Instrument).Str("reason", reason).Int("suppressed", suppressed).Msg("Bar dropped")
			e.sink.Emit(events.Event{
				Time:       now,
				Type:       events.TypeBarRejected,
				Instrument: bar.Instrument,
				Reason:     reason,
				Details:    map[string]interface{}{"bar_time": bar.Timestamp, "suppressed": suppressed},
			})
		} else if e.metrics != nil {
			e.metrics.Bars.WithLabelValues(bar.Instrument, "rejected").Inc()
		}
		return
	}

	e.activity.bar(canonical, now)
	for _, id := range e.streamIDs() {
		s := e.streams[id]
		if s.Config().Key.Canonical == canonical {
			s.OnBar(canonical, bar)
		}
	}
	if obs, ok := e.orders.(broker.BarObserver); ok {
		obs.ObserveBar(canonical, bar.Normalized())
	}
}

// Tick runs the periodic work that does not depend on bars. The kill-switch
// file and the lock files are read before the critical section is entered.
func (e *Engine) Tick() {
	now := e.clock.Now()

	killOn, kerr := e.gate.PollFile()

	e.mu.Lock()
	verifyDue := e.started && now.Sub(e.lastVerify) >= e.cfg.HeartbeatInterval
	if verifyDue {
		e.lastVerify = now
	}
	e.mu.Unlock()

	var lost []string
	var verr error
	if verifyDue {
		e.lockMu.Lock()
		lost, verr = e.locks.Verify()
		e.lockMu.Unlock()
	}

	e.guard("tick", func() {
		e.applyKillSwitchLocked(killOn, kerr, now)
		if verifyDue {
			e.applyLockVerdictLocked(lost, verr)
		}
		e.tickLocked(now)
	})
	e.reconcileIntents()
}

func (e *Engine) applyKillSwitchLocked(on bool, err error, now time.Time) {
	if err != nil {
		if ok, _ := e.env.Limiter.Allow("engine|killfile", now); ok {
			e.logger.Error().Err(err).Msg("Kill switch file unreadable, failing closed")
		}
	}
	if on != e.killFile {
		e.killFile = on
		e.logger.Warn().Bool("engaged", on).Str("path", e.paths.KillSwitchFile).Msg("Kill switch file changed")
	}
}

func (e *Engine) applyLockVerdictLocked(lost []string, err error) {
	if err != nil {
		e.logger.Warn().Err(err).Msg("Market lock verification incomplete")
	}
	for _, m := range lost {
		if !e.lockHeld[m] {
			continue
		}
		e.lockHeld[m] = false
		e.emit(events.TypeLockLost, m, "", map[string]interface{}{"owner": e.locks.OwnerID()})
		e.logger.Error().Str("market", m).Msg("Market lock lost, entries for this market are denied")
		if e.metrics != nil {
			e.metrics.LockHeld.WithLabelValues(m).Set(0)
		}
	}
}

func (e *Engine) tickLocked(now time.Time) {
	if now.Sub(e.lastBeat) >= e.cfg.HeartbeatInterval {
		e.lastBeat = now
		e.heartbeatLocked()
	}
	connected := e.orders.Connected()
	if connected && !e.connected {
		e.logger.Info().Msg("Order adapter reconnected, reconciling active intents")
		e.requestReconcileLocked()
	}
	e.connected = connected
	if now.Sub(e.lastIDCheck) >= e.cfg.IdentityCheckInterval {
		e.checkIdentityLocked(now)
	}
	e.expireBackfillsLocked(now)

	for _, id := range e.streamIDs() {
		e.streams[id].OnTick()
	}
	e.requestBackfillsLocked()
	e.updateGaugesLocked()

	e.activity.tick(now)
	if e.metrics != nil {
		e.metrics.LastTick.Set(float64(now.Unix()))
	}
}

func (e *Engine) heartbeatLocked() {
	phases := make(map[string]int)
	for _, s := range e.streams {
		phases[string(s.Phase())]++
	}
	held := 0
	for _, m := range e.markets {
		if e.lockHeld[m] {
			held++
		}
	}
	e.emit(events.TypeHeartbeat, "", "", map[string]interface{}{
		"date":        e.date,
		"streams":     len(e.streams),
		"phases":      phases,
		"locks_held":  held,
		"identity_ok": e.identityOK,
		"kill_switch": e.gate.KillSwitch(),
		"connected":   e.orders.Connected(),
	})
}

func (e *Engine) updateGaugesLocked() {
	if e.metrics == nil {
		return
	}
	e.metrics.Streams.Reset()
	for _, s := range e.streams {
		e.metrics.Streams.WithLabelValues(string(s.Phase())).Inc()
	}
}

// ProcessPendingUpdates applies queued adapter reports.
func (e *Engine) ProcessPendingUpdates() {
	e.guard("updates", func() {})
}

// drainLocked mirrors queued adapter reports into the journal and routes
// them to the stream that owns the intent. Handlers may queue further
// reports, so it loops until the queue is empty.
func (e *Engine) drainLocked() {
	for {
		batch := e.updates.take()
		if len(batch) == 0 {
			return
		}
		for _, u := range batch {
			e.applyUpdateLocked(u)
		}
	}
}

func (e *Engine) applyUpdateLocked(u models.OrderUpdate) {
	prev, known := e.journal.Entry(u.IntentID)
	if !known {
		if ok, _ := e.env.Limiter.Allow("engine|orphan|"+u.IntentID, e.clock.Now()); ok {
			e.logger.Warn().Str("intent_id", u.IntentID).Str("kind", string(u.Kind)).Msg("Order update for unknown intent")
		}
		return
	}
	at := u.Time
	if at.IsZero() {
		at = e.clock.Now()
	}
	entry, err := e.journal.UpdateIntent(u.IntentID, func(en *journal.Entry) bool {
		return en.Apply(u, at.UTC())
	})
	if err != nil {
		e.logger.Error().Err(err).Str("intent_id", u.IntentID).Msg("Failed to journal order update")
		e.emit(events.TypeFault, "JOURNAL_WRITE", prev.StreamID, map[string]interface{}{
			"intent_id": u.IntentID,
			"error":     err.Error(),
		})
	}
	if entry == prev {
		return
	}
	if s, ok := e.streams[prev.StreamID]; ok && s.IntentID() == u.IntentID {
		s.OnOrderUpdate(u, entry)
	}
}

// updateQueue buffers adapter reports until the engine drains them inside
// its critical section.
type updateQueue struct {
	mu     sync.Mutex
	items  []models.OrderUpdate
	signal chan struct{}
}

func newUpdateQueue() *updateQueue {
	return &updateQueue{signal: make(chan struct{}, 1)}
}

func (q *updateQueue) push(u models.OrderUpdate) {
	q.mu.Lock()
	q.items = append(q.items, u)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *updateQueue) take() []models.OrderUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Activity records engine liveness and per-market bar arrival for the
// health monitor. It has its own lock so a stuck engine loop does not
// block health checks.
type Activity struct {
	mu       sync.RWMutex
	lastTick time.Time
	lastBar  map[string]time.Time
	windows  map[string][]models.Window
}

func newActivity() *Activity {
	return &Activity{
		lastBar: make(map[string]time.Time),
		windows: make(map[string][]models.Window),
	}
}

func (a *Activity) tick(t time.Time) {
	a.mu.Lock()
	a.lastTick = t
	a.mu.Unlock()
}

func (a *Activity) bar(canonical string, t time.Time) {
	a.mu.Lock()
	a.lastBar[canonical] = t
	a.mu.Unlock()
}

func (a *Activity) setWindows(w map[string][]models.Window) {
	a.mu.Lock()
	a.windows = w
	a.mu.Unlock()
}

// LastTick returns the time of the last completed engine tick.
func (a *Activity) LastTick() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastTick
}

// LastBar returns when a bar of market last arrived.
func (a *Activity) LastBar(market string) (time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.lastBar[market]
	return t, ok
}

// Windows returns the expected data windows per canonical market.
func (a *Activity) Windows() map[string][]models.Window {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string][]models.Window, len(a.windows))
	for m, ws := range a.windows {
		out[m] = append([]models.Window(nil), ws...)
	}
	return out
}

// Markets lists the markets that have data windows, sorted.
func (a *Activity) Markets() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.windows))
	for m := range a.windows {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
