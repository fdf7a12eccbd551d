package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"breakout-trader/internal/clock"
	"breakout-trader/internal/events"
	"breakout-trader/internal/metrics"
	"breakout-trader/internal/models"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "HEALTHY"
	HealthStatusDegraded  HealthStatus = "DEGRADED"
	HealthStatusUnhealthy HealthStatus = "UNHEALTHY"
	HealthStatusUnknown   HealthStatus = "UNKNOWN"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Latency   time.Duration          `json:"latency"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthCheck represents a health check function.
type HealthCheck func(ctx context.Context) ComponentHealth

// Activity is what the monitor reads from the engine. Implementations must
// not share the engine's critical section.
type Activity interface {
	LastTick() time.Time
	LastBar(market string) (time.Time, bool)
	Windows() map[string][]models.Window
}

// Pager delivers incident pages to a human.
type Pager interface {
	Page(ctx context.Context, alert HealthAlert) error
}

// HealthAlertType represents the kind of incident.
type HealthAlertType string

const (
	AlertDataStall          HealthAlertType = "DATA_STALL"
	AlertEngineStall        HealthAlertType = "ENGINE_STALL"
	AlertComponentUnhealthy HealthAlertType = "COMPONENT_UNHEALTHY"
)

// HealthAlert is one page, either an incident opening or its recovery.
type HealthAlert struct {
	Type      HealthAlertType `json:"type"`
	Component string          `json:"component"`
	Message   string          `json:"message"`
	Since     time.Time       `json:"since"`
	Timestamp time.Time       `json:"timestamp"`
	Recovered bool            `json:"recovered,omitempty"`
}

// HealthMonitorConfig holds health monitor configuration.
type HealthMonitorConfig struct {
	CheckInterval      time.Duration
	DataStall          time.Duration
	EngineStall        time.Duration
	PageMinInterval    time.Duration
	PageTimeout        time.Duration
	MemoryThresholdMB  uint64
	GoroutineThreshold int
}

// DefaultHealthMonitorConfig returns default configuration.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckInterval:      5 * time.Second,
		DataStall:          3 * time.Minute,
		EngineStall:        30 * time.Second,
		PageMinInterval:    10 * time.Minute,
		PageTimeout:        10 * time.Second,
		MemoryThresholdMB:  500,
		GoroutineThreshold: 1000,
	}
}

type incident struct {
	kind  HealthAlertType
	key   string
	since time.Time
	msg   string
	seen  bool // page decision made
	paged bool // page actually sent
}

// HealthMonitor watches feed and engine liveness on its own ticker so a
// stuck engine loop is still detected. Each incident pages at most once and
// a new page for the same key needs an observed recovery first.
type HealthMonitor struct {
	mu sync.RWMutex

	cfg      HealthMonitorConfig
	clock    clock.Clock
	activity Activity
	pager    Pager
	sink     events.Sink
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	startTime       time.Time
	lastCheck       time.Time
	components      map[string]HealthCheck
	componentHealth map[string]ComponentHealth
	open            map[string]*incident
	lastPage        map[string]time.Time
	overallStatus   HealthStatus

	totalChecks     int64
	totalPages      int64
	panicRecoveries int64

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewHealthMonitor creates a new health monitor. pager, sink and m may be nil.
func NewHealthMonitor(cfg HealthMonitorConfig, activity Activity, pager Pager, sink events.Sink, m *metrics.Metrics, clk clock.Clock, logger zerolog.Logger) *HealthMonitor {
	def := DefaultHealthMonitorConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.DataStall <= 0 {
		cfg.DataStall = def.DataStall
	}
	if cfg.EngineStall <= 0 {
		cfg.EngineStall = def.EngineStall
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = def.PageTimeout
	}
	if cfg.MemoryThresholdMB == 0 {
		cfg.MemoryThresholdMB = def.MemoryThresholdMB
	}
	if cfg.GoroutineThreshold <= 0 {
		cfg.GoroutineThreshold = def.GoroutineThreshold
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &HealthMonitor{
		cfg:             cfg,
		clock:           clk,
		activity:        activity,
		pager:           pager,
		sink:            sink,
		metrics:         m,
		logger:          logger.With().Str("component", "health").Logger(),
		startTime:       clk.Now(),
		components:      make(map[string]HealthCheck),
		componentHealth: make(map[string]ComponentHealth),
		open:            make(map[string]*incident),
		lastPage:        make(map[string]time.Time),
		overallStatus:   HealthStatusUnknown,
	}
}

// RegisterComponent registers a health check for a component.
func (m *HealthMonitor) RegisterComponent(name string, check HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Start runs checks every CheckInterval until Stop or ctx is done.
func (m *HealthMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Go(func() {
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	})
}

// Stop stops the monitoring loop and waits for it.
func (m *HealthMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Check runs one evaluation at the clock's current time.
func (m *HealthMonitor) Check(ctx context.Context) SystemHealth {
	now := m.clock.Now()
	comps := m.runComponentChecks(ctx, now)

	m.mu.Lock()
	m.totalChecks++
	m.lastCheck = now
	for _, c := range comps {
		m.componentHealth[c.Name] = c
	}

	seen := make(map[string]bool)
	closed := make(map[string]bool)
	engineStalled := false
	if m.activity != nil {
		ref := m.activity.LastTick()
		if ref.IsZero() {
			ref = m.startTime
		}
		if age := now.Sub(ref); age >= m.cfg.EngineStall {
			engineStalled = true
			m.raiseLocked(now, AlertEngineStall, "engine", fmt.Sprintf("no engine tick for %s", age.Round(time.Second)))
			seen[incidentKey(AlertEngineStall, "engine")] = true
		}

		// A stuck engine also stops recording bars, so data staleness is
		// not judged while the engine is stalled.
		if !engineStalled {
			for market, ws := range m.activity.Windows() {
				w, active := activeWindow(ws, now)
				if !active {
					closed[incidentKey(AlertDataStall, market)] = true
					continue
				}
				ref := w.Start
				if last, ok := m.activity.LastBar(market); ok && last.After(ref) {
					ref = last
				}
				if age := now.Sub(ref); age >= m.cfg.DataStall {
					m.raiseLocked(now, AlertDataStall, market, fmt.Sprintf("no bars for %s for %s", market, age.Round(time.Second)))
					seen[incidentKey(AlertDataStall, market)] = true
				}
			}
		}
	}
	for _, c := range comps {
		if c.Status == HealthStatusUnhealthy {
			m.raiseLocked(now, AlertComponentUnhealthy, c.Name, c.Message)
			seen[incidentKey(AlertComponentUnhealthy, c.Name)] = true
		}
	}

	var recovered []HealthAlert
	for _, key := range sortedKeys(m.open) {
		if seen[key] {
			continue
		}
		inc := m.open[key]
		// Data incidents stay open while the engine is stalled: no recovery
		// has been observed.
		if engineStalled && inc.kind == AlertDataStall {
			continue
		}
		delete(m.open, key)
		// The window ended before any bar arrived: no recovery was seen.
		if closed[key] {
			inc.msg = "closed at window end"
			m.emitLocked(now, events.TypeHealthRecovered, inc)
			m.logger.Info().Str("kind", string(inc.kind)).Str("component", inc.key).Dur("duration", now.Sub(inc.since)).Msg("Health incident closed at window end")
			continue
		}
		m.emitLocked(now, events.TypeHealthRecovered, inc)
		m.logger.Info().Str("kind", string(inc.kind)).Str("component", inc.key).Dur("duration", now.Sub(inc.since)).Msg("Health incident recovered")
		if inc.paged {
			recovered = append(recovered, HealthAlert{
				Type:      inc.kind,
				Component: inc.key,
				Message:   fmt.Sprintf("recovered after %s", now.Sub(inc.since).Round(time.Second)),
				Since:     inc.since,
				Timestamp: now,
				Recovered: true,
			})
		}
	}

	m.overallStatus = m.statusLocked()
	pages := append(recovered, m.pendingPagesLocked(now)...)
	health := m.snapshotLocked(now)
	m.mu.Unlock()

	m.deliver(ctx, pages)
	return health
}

func incidentKey(kind HealthAlertType, key string) string {
	return string(kind) + "|" + key
}

func sortedKeys(open map[string]*incident) []string {
	keys := make([]string, 0, len(open))
	for k := range open {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func activeWindow(ws []models.Window, now time.Time) (models.Window, bool) {
	for _, w := range ws {
		if w.Contains(now) {
			return w, true
		}
	}
	return models.Window{}, false
}

func (m *HealthMonitor) raiseLocked(now time.Time, kind HealthAlertType, key, msg string) {
	k := incidentKey(kind, key)
	if inc, ok := m.open[k]; ok {
		inc.msg = msg
		return
	}
	inc := &incident{kind: kind, key: key, since: now, msg: msg}
	m.open[k] = inc
	m.emitLocked(now, events.TypeHealthAlert, inc)
	m.logger.Error().Str("kind", string(kind)).Str("component", key).Msg(msg)
}

// pendingPagesLocked collects the pages due this round. An incident opened
// within PageMinInterval of the previous page for its key is recorded but
// not paged; its recovery is not paged either.
func (m *HealthMonitor) pendingPagesLocked(now time.Time) []HealthAlert {
	var out []HealthAlert
	for _, k := range sortedKeys(m.open) {
		inc := m.open[k]
		if inc.seen {
			continue
		}
		inc.seen = true
		if last, ok := m.lastPage[k]; ok && now.Sub(last) < m.cfg.PageMinInterval {
			m.logger.Warn().Str("kind", string(inc.kind)).Str("component", inc.key).Msg("Page suppressed by minimum interval")
			continue
		}
		inc.paged = true
		m.lastPage[k] = now
		m.totalPages++
		if m.metrics != nil {
			m.metrics.HealthAlerts.WithLabelValues(string(inc.kind)).Inc()
		}
		out = append(out, HealthAlert{
			Type:      inc.kind,
			Component: inc.key,
			Message:   inc.msg,
			Since:     inc.since,
			Timestamp: now,
		})
	}
	return out
}

func (m *HealthMonitor) deliver(ctx context.Context, pages []HealthAlert) {
	if m.pager == nil || len(pages) == 0 {
		return
	}
	for _, p := range pages {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.PageTimeout)
		var pc panics.Catcher
		var err error
		pc.Try(func() { err = m.pager.Page(pctx, p) })
		cancel()
		if r := pc.Recovered(); r != nil {
			err = r.AsError()
		}
		if err != nil {
			m.logger.Error().Err(err).Str("kind", string(p.Type)).Str("component", p.Component).Msg("Page delivery failed")
		}
	}
}

func (m *HealthMonitor) emitLocked(now time.Time, typ events.Type, inc *incident) {
	if m.sink == nil {
		return
	}
	details := map[string]interface{}{
		"component": inc.key,
		"since":     inc.since,
		"message":   inc.msg,
	}
	ev := events.Event{Time: now, Type: typ, Reason: string(inc.kind), Details: details}
	if inc.kind == AlertDataStall {
		ev.Instrument = inc.key
	}
	m.sink.Emit(ev)
}

func (m *HealthMonitor) statusLocked() HealthStatus {
	if len(m.open) > 0 {
		return HealthStatusUnhealthy
	}
	for _, c := range m.componentHealth {
		if c.Status == HealthStatusDegraded {
			return HealthStatusDegraded
		}
	}
	return HealthStatusHealthy
}

func (m *HealthMonitor) runComponentChecks(ctx context.Context, now time.Time) []ComponentHealth {
	m.mu.RLock()
	names := make([]string, 0, len(m.components))
	for n := range m.components {
		names = append(names, n)
	}
	checks := make(map[string]HealthCheck, len(m.components))
	for n, c := range m.components {
		checks[n] = c
	}
	m.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	results := make([]ComponentHealth, len(names)+2)
	var wg conc.WaitGroup
	for i, name := range names {
		check := checks[name]
		wg.Go(func() {
			var pc panics.Catcher
			start := time.Now()
			pc.Try(func() { results[i] = check(ctx) })
			if r := pc.Recovered(); r != nil {
				m.mu.Lock()
				m.panicRecoveries++
				m.mu.Unlock()
				results[i] = ComponentHealth{
					Status:  HealthStatusUnhealthy,
					Message: fmt.Sprintf("Panic recovered: %v", r.Value),
				}
			}
			results[i].Name = name
			results[i].LastCheck = now
			results[i].Latency = time.Since(start)
		})
	}
	wg.Go(func() { results[len(names)] = m.checkMemory(now) })
	wg.Go(func() { results[len(names)+1] = m.checkGoroutines(now) })
	wg.Wait()
	return results
}

func (m *HealthMonitor) checkMemory(now time.Time) ComponentHealth {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	health := ComponentHealth{
		Name:      "memory",
		LastCheck: now,
		Details: map[string]interface{}{
			"alloc_mb": memStats.Alloc / 1024 / 1024,
			"sys_mb":   memStats.Sys / 1024 / 1024,
			"num_gc":   memStats.NumGC,
		},
	}
	if memStats.Alloc > m.cfg.MemoryThresholdMB*1024*1024 {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("Memory usage high: %d MB", memStats.Alloc/1024/1024)
	} else {
		health.Status = HealthStatusHealthy
		health.Message = fmt.Sprintf("Memory usage: %d MB", memStats.Alloc/1024/1024)
	}
	return health
}

func (m *HealthMonitor) checkGoroutines(now time.Time) ComponentHealth {
	n := runtime.NumGoroutine()
	health := ComponentHealth{
		Name:      "goroutines",
		LastCheck: now,
		Details:   map[string]interface{}{"count": n},
	}
	if n > m.cfg.GoroutineThreshold {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("High goroutine count: %d", n)
	} else {
		health.Status = HealthStatusHealthy
		health.Message = fmt.Sprintf("Goroutine count: %d", n)
	}
	return health
}

// SystemHealth represents overall system health.
type SystemHealth struct {
	Status          HealthStatus      `json:"status"`
	Uptime          time.Duration     `json:"uptime"`
	StartTime       time.Time         `json:"start_time"`
	LastCheck       time.Time         `json:"last_check"`
	LastTick        time.Time         `json:"last_tick"`
	Incidents       []HealthAlert     `json:"incidents,omitempty"`
	Components      []ComponentHealth `json:"components"`
	TotalChecks     int64             `json:"total_checks"`
	TotalPages      int64             `json:"total_pages"`
	PanicRecoveries int64             `json:"panic_recoveries"`
}

// ToJSON returns the health status as JSON.
func (h SystemHealth) ToJSON() ([]byte, error) {
	return json.Marshal(h)
}

func (m *HealthMonitor) snapshotLocked(now time.Time) SystemHealth {
	comps := make([]ComponentHealth, 0, len(m.componentHealth))
	for _, h := range m.componentHealth {
		comps = append(comps, h)
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i].Name < comps[j].Name })

	incidents := make([]HealthAlert, 0, len(m.open))
	for _, inc := range m.open {
		incidents = append(incidents, HealthAlert{Type: inc.kind, Component: inc.key, Message: inc.msg, Since: inc.since, Timestamp: now})
	}
	sort.Slice(incidents, func(i, j int) bool {
		return incidentKey(incidents[i].Type, incidents[i].Component) < incidentKey(incidents[j].Type, incidents[j].Component)
	})

	var lastTick time.Time
	if m.activity != nil {
		lastTick = m.activity.LastTick()
	}
	return SystemHealth{
		Status:          m.overallStatus,
		Uptime:          now.Sub(m.startTime),
		StartTime:       m.startTime,
		LastCheck:       m.lastCheck,
		LastTick:        lastTick,
		Incidents:       incidents,
		Components:      comps,
		TotalChecks:     m.totalChecks,
		TotalPages:      m.totalPages,
		PanicRecoveries: m.panicRecoveries,
	}
}

// GetHealth returns the status as of the last check.
func (m *HealthMonitor) GetHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(m.clock.Now())
}

// IsHealthy reports whether no incident is open.
func (m *HealthMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.open) == 0
}

// HealthHTTPHandler serves /healthz: 503 while any incident is open.
func (m *HealthMonitor) HealthHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := m.GetHealth()
		w.Header().Set("Content-Type", "application/json")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		data, _ := health.ToJSON()
		w.Write(data)
	}
}

// LivenessHTTPHandler serves /livez. It reads the engine tick age directly
// so it answers correctly even when the monitor loop itself is stuck.
func (m *HealthMonitor) LivenessHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		now := m.clock.Now()
		ref := m.startTime
		if m.activity != nil {
			if t := m.activity.LastTick(); !t.IsZero() {
				ref = t
			}
		}
		age := now.Sub(ref)
		if age >= m.cfg.EngineStall {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"stalled","tick_age_seconds":%d}`, int64(age.Seconds()))
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"alive","tick_age_seconds":%d}`, int64(age.Seconds()))
	}
}

// AdapterHealthCheck reports an order adapter's connection and its circuit
// breaker. cb may be nil.
func AdapterHealthCheck(connected func() bool, cb *CircuitBreaker) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		health := ComponentHealth{Details: map[string]interface{}{"connected": connected()}}
		if cb != nil {
			stats := cb.Stats()
			health.Details["breaker"] = stats.State
			health.Details["failure_rate"] = stats.FailureRate()
		}
		switch {
		case !connected():
			health.Status = HealthStatusUnhealthy
			health.Message = "order adapter disconnected"
		case cb != nil && cb.State() == CircuitOpen:
			health.Status = HealthStatusDegraded
			health.Message = "circuit breaker open, order calls are refused"
		default:
			health.Status = HealthStatusHealthy
			health.Message = "order adapter connected"
		}
		return health
	}
}

// WebSocketHealthCheck creates a health check for a streaming bar feed.
func WebSocketHealthCheck(isConnected func() bool, lastMessageTime func() time.Time, now func() time.Time, maxSilence time.Duration) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		health := ComponentHealth{Details: map[string]interface{}{"connected": isConnected()}}
		last := lastMessageTime()
		if !last.IsZero() {
			health.Details["last_message"] = last
		}
		switch {
		case !isConnected():
			health.Status = HealthStatusDegraded
			health.Message = "feed disconnected, reconnecting"
		case !last.IsZero() && now().Sub(last) > maxSilence:
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("no feed frames for %s", now().Sub(last).Round(time.Second))
		default:
			health.Status = HealthStatusHealthy
			health.Message = "feed connected"
		}
		return health
	}
}

// DatabaseHealthCheck creates a health check for a bar store.
func DatabaseHealthCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: HealthStatusDegraded, Message: fmt.Sprintf("bar store unreachable: %v", err)}
		}
		return ComponentHealth{Status: HealthStatusHealthy, Message: "bar store reachable"}
	}
}
