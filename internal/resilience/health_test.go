package resilience

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"breakout-trader/internal/clock"
	"breakout-trader/internal/events"
	"breakout-trader/internal/metrics"
	"breakout-trader/internal/models"
)

var h0 = time.Date(2025, 3, 3, 7, 50, 0, 0, time.UTC)

type fakeActivity struct {
	mu       sync.Mutex
	lastTick time.Time
	lastBar  map[string]time.Time
	windows  map[string][]models.Window
}

func newFakeActivity(windows map[string][]models.Window) *fakeActivity {
	return &fakeActivity{lastBar: make(map[string]time.Time), windows: windows}
}

func (a *fakeActivity) tick(t time.Time) {
	a.mu.Lock()
	a.lastTick = t
	a.mu.Unlock()
}

func (a *fakeActivity) bar(market string, t time.Time) {
	a.mu.Lock()
	a.lastBar[market] = t
	a.mu.Unlock()
}

func (a *fakeActivity) LastTick() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTick
}

func (a *fakeActivity) LastBar(market string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.lastBar[market]
	return t, ok
}

func (a *fakeActivity) Windows() map[string][]models.Window {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.windows
}

type recordingPager struct {
	mu    sync.Mutex
	pages []HealthAlert
	err   error
}

func (p *recordingPager) Page(_ context.Context, a HealthAlert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages = append(p.pages, a)
	return p.err
}

func (p *recordingPager) all() []HealthAlert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]HealthAlert(nil), p.pages...)
}

type monitorFixture struct {
	clk     *clock.Manual
	act     *fakeActivity
	pager   *recordingPager
	sink    *events.MemorySink
	metrics *metrics.Metrics
	mon     *HealthMonitor
}

func newMonitorFixture(cfg HealthMonitorConfig, windows map[string][]models.Window) *monitorFixture {
	f := &monitorFixture{
		clk:     clock.NewManual(h0),
		act:     newFakeActivity(windows),
		pager:   &recordingPager{},
		sink:    events.NewMemorySink(),
		metrics: metrics.New(),
	}
	f.act.tick(h0)
	f.mon = NewHealthMonitor(cfg, f.act, f.pager, f.sink, f.metrics, f.clk, zerolog.Nop())
	return f
}

func testHealthConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		CheckInterval:   time.Second,
		DataStall:       3 * time.Minute,
		EngineStall:     30 * time.Second,
		PageMinInterval: 10 * time.Minute,
	}
}

func allDay() map[string][]models.Window {
	return map[string][]models.Window{"ES": {{Start: h0, End: h0.Add(24 * time.Hour)}}}
}

// step advances the clock with the engine ticking and optionally a bar.
func (f *monitorFixture) step(d time.Duration, bar bool) SystemHealth {
	now := f.clk.Advance(d)
	f.act.tick(now)
	if bar {
		f.act.bar("ES", now)
	}
	return f.mon.Check(context.Background())
}

func TestHealthMonitor_DataStallPagesOnceAndRearms(t *testing.T) {
	f := newMonitorFixture(testHealthConfig(), allDay())

	h := f.step(0, false)
	assert.Equal(t, HealthStatusHealthy, h.Status)

	h = f.step(3*time.Minute, false)
	assert.Equal(t, HealthStatusUnhealthy, h.Status)
	require.Len(t, f.pager.all(), 1)
	assert.Equal(t, AlertDataStall, f.pager.all()[0].Type)
	assert.Equal(t, "ES", f.pager.all()[0].Component)

	f.step(time.Minute, false)
	f.step(time.Minute, false)
	assert.Len(t, f.pager.all(), 1, "an open incident pages once")

	h = f.step(time.Minute, true)
	assert.Equal(t, HealthStatusHealthy, h.Status)
	pages := f.pager.all()
	require.Len(t, pages, 2)
	assert.True(t, pages[1].Recovered)
	assert.Len(t, f.sink.OfType(events.TypeHealthRecovered), 1)

	// Reopened inside the minimum interval: recorded, not paged.
	f.step(3*time.Minute, false)
	assert.Len(t, f.sink.OfType(events.TypeHealthAlert), 2)
	assert.Len(t, f.pager.all(), 2)
	f.step(time.Minute, true)
	assert.Len(t, f.pager.all(), 2, "recovery of an unpaged incident is not paged")

	f.step(10*time.Minute, false)
	pages = f.pager.all()
	require.Len(t, pages, 3)
	assert.Equal(t, AlertDataStall, pages[2].Type)
	assert.False(t, pages[2].Recovered)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.HealthAlerts.WithLabelValues("DATA_STALL")))
}

func TestHealthMonitor_QuietOutsideWindows(t *testing.T) {
	start := h0.Add(10 * time.Minute)
	f := newMonitorFixture(testHealthConfig(), map[string][]models.Window{
		"ES": {{Start: start, End: start.Add(time.Hour)}},
	})

	f.step(5*time.Minute, false)
	assert.True(t, f.mon.IsHealthy())

	// The window start counts as the last bar.
	f.step(7*time.Minute, false)
	assert.True(t, f.mon.IsHealthy())
	f.step(time.Minute, false)
	assert.False(t, f.mon.IsHealthy())
	ev := f.sink.OfType(events.TypeHealthAlert)
	require.Len(t, ev, 1)
	assert.Equal(t, "ES", ev[0].Instrument)
	assert.Equal(t, string(AlertDataStall), ev[0].Reason)

	// Leaving the window closes the incident.
	f.step(time.Hour, false)
	assert.True(t, f.mon.IsHealthy())
	assert.Len(t, f.sink.OfType(events.TypeHealthRecovered), 1)
}

func TestHealthMonitor_WindowEndClosesWithoutRecoveryPage(t *testing.T) {
	start := h0.Add(10 * time.Minute)
	f := newMonitorFixture(testHealthConfig(), map[string][]models.Window{
		"ES": {{Start: start, End: start.Add(time.Hour)}},
	})

	f.step(13*time.Minute, false)
	require.False(t, f.mon.IsHealthy())
	pages := f.pager.all()
	require.Len(t, pages, 1)
	assert.False(t, pages[0].Recovered)

	f.step(time.Hour, false)
	assert.True(t, f.mon.IsHealthy())
	assert.Len(t, f.pager.all(), 1, "no bar arrived, so nothing is paged as recovered")
	closed := f.sink.OfType(events.TypeHealthRecovered)
	require.Len(t, closed, 1)
	assert.Equal(t, "closed at window end", closed[0].Details["message"])

	// A bar inside the next window still pages the recovery of a new incident.
	next := start.Add(24 * time.Hour)
	f.act.mu.Lock()
	f.act.windows = map[string][]models.Window{"ES": {{Start: next, End: next.Add(time.Hour)}}}
	f.act.mu.Unlock()
	f.step(next.Sub(f.clk.Now())+3*time.Minute, false)
	f.step(0, false)
	require.False(t, f.mon.IsHealthy())
	f.step(time.Minute, true)
	assert.True(t, f.mon.IsHealthy())
	pages = f.pager.all()
	require.Len(t, pages, 3)
	assert.True(t, pages[2].Recovered)
}

func TestHealthMonitor_EngineStallMasksDataStall(t *testing.T) {
	f := newMonitorFixture(testHealthConfig(), allDay())
	f.act.bar("ES", h0)

	f.clk.Advance(5 * time.Minute)
	h := f.mon.Check(context.Background())
	require.Len(t, h.Incidents, 1)
	assert.Equal(t, AlertEngineStall, h.Incidents[0].Type)
	require.Len(t, f.pager.all(), 1)
	assert.Equal(t, AlertEngineStall, f.pager.all()[0].Type)

	rec := httptest.NewRecorder()
	f.mon.LivenessHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "stalled")

	rec = httptest.NewRecorder()
	f.mon.HealthHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h = f.step(time.Second, true)
	assert.Equal(t, HealthStatusHealthy, h.Status)
	pages := f.pager.all()
	require.Len(t, pages, 2)
	assert.True(t, pages[1].Recovered)

	rec = httptest.NewRecorder()
	f.mon.LivenessHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	f.mon.HealthHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthMonitor_DataIncidentSurvivesEngineStall(t *testing.T) {
	f := newMonitorFixture(testHealthConfig(), allDay())
	f.step(4*time.Minute, false)
	require.Len(t, f.sink.OfType(events.TypeHealthAlert), 1)

	f.clk.Advance(time.Minute)
	h := f.mon.Check(context.Background())
	assert.Len(t, h.Incidents, 2)
	assert.Empty(t, f.sink.OfType(events.TypeHealthRecovered))
}

func TestHealthMonitor_ComponentChecks(t *testing.T) {
	f := newMonitorFixture(testHealthConfig(), nil)
	connected := true
	f.mon.RegisterComponent("adapter", AdapterHealthCheck(func() bool { return connected }, nil))
	f.mon.RegisterComponent("broken", func(ctx context.Context) ComponentHealth { panic("boom") })

	h := f.step(time.Second, false)
	require.Len(t, h.Incidents, 1)
	assert.Equal(t, AlertComponentUnhealthy, h.Incidents[0].Type)
	assert.Equal(t, "broken", h.Incidents[0].Component)
	assert.EqualValues(t, 1, h.PanicRecoveries)

	connected = false
	h = f.step(time.Second, false)
	assert.Len(t, h.Incidents, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.HealthAlerts.WithLabelValues("COMPONENT_UNHEALTHY")))

	names := make([]string, 0, len(h.Components))
	for _, c := range h.Components {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"adapter", "broken", "goroutines", "memory"}, names)
}

func TestAdapterHealthCheck_BreakerOpen(t *testing.T) {
	cb := NewCircuitBreaker("orders", CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute}, clock.NewManual(h0))
	_ = cb.Execute(context.Background(), func() error { return errors.New("venue down") })
	require.Equal(t, CircuitOpen, cb.State())

	c := AdapterHealthCheck(func() bool { return true }, cb)(context.Background())
	assert.Equal(t, HealthStatusDegraded, c.Status)
	assert.Equal(t, CircuitOpen, c.Details["breaker"])
}

func TestHealthMonitor_PagerFailureIsContained(t *testing.T) {
	f := newMonitorFixture(testHealthConfig(), allDay())
	f.pager.err = errors.New("smtp down")

	assert.NotPanics(t, func() { f.step(3*time.Minute, false) })
	assert.Len(t, f.pager.all(), 1)
	assert.False(t, f.mon.IsHealthy())
}

func TestProperty_DataStallPagesMatchIncidents(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every opened incident pages once and recoveries alternate with openings", prop.ForAll(
		func(gaps []int, bars []bool) bool {
			cfg := testHealthConfig()
			cfg.PageMinInterval = 0
			f := newMonitorFixture(cfg, allDay())
			for i, g := range gaps {
				f.step(time.Duration(g)*time.Minute, i < len(bars) && bars[i])
			}
			opened := len(f.sink.OfType(events.TypeHealthAlert))
			recovered := len(f.sink.OfType(events.TypeHealthRecovered))
			var openPages, recoveryPages int
			for _, p := range f.pager.all() {
				if p.Recovered {
					recoveryPages++
				} else {
					openPages++
				}
			}
			diff := opened - recovered
			return openPages == opened && recoveryPages == recovered && (diff == 0 || diff == 1) &&
				diff == 1 != f.mon.IsHealthy()
		},
		gen.SliceOf(gen.IntRange(0, 5)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
