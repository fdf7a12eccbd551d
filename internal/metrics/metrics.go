// Package metrics exposes Prometheus metrics for the execution engine.
//
//   - breakout_bars_total{instrument,result}   bars accepted or rejected
//   - breakout_commits_total{reason}           stream commits by reason
//   - breakout_orders_total{event}             order lifecycle events
//   - breakout_risk_denials_total{reason}      RiskGate denials
//   - breakout_backfill_total{result}          backfill outcomes
//   - breakout_streams{phase}                  streams per phase
//   - breakout_market_lock_held{market}        1 while the market lock is held
//   - breakout_identity_ok                     1 while identity checks pass
//   - breakout_last_tick_timestamp_seconds     engine liveness
//   - breakout_health_alerts_total{kind}       pages sent
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds every collector on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	Bars         *prometheus.CounterVec
	Commits      *prometheus.CounterVec
	Orders       *prometheus.CounterVec
	RiskDenials  *prometheus.CounterVec
	Backfill     *prometheus.CounterVec
	Streams      *prometheus.GaugeVec
	LockHeld     *prometheus.GaugeVec
	IdentityOK   prometheus.Gauge
	LastTick     prometheus.Gauge
	HealthAlerts *prometheus.CounterVec
}

// New creates and registers the engine collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Bars: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breakout_bars_total",
			Help: "Bars seen by the engine split by result.",
		}, []string{"instrument", "result"}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breakout_commits_total",
			Help: "Stream commits by reason.",
		}, []string{"reason"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breakout_orders_total",
			Help: "Order lifecycle events.",
		}, []string{"event"}),
		RiskDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breakout_risk_denials_total",
			Help: "Entries vetoed by the risk gate.",
		}, []string{"reason"}),
		Backfill: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breakout_backfill_total",
			Help: "Backfill requests by outcome.",
		}, []string{"result"}),
		Streams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breakout_streams",
			Help: "Streams per phase.",
		}, []string{"phase"}),
		LockHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breakout_market_lock_held",
			Help: "1 while this instance holds the canonical market lock.",
		}, []string{"market"}),
		IdentityOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "breakout_identity_ok",
			Help: "1 while identity invariant checks pass.",
		}),
		LastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "breakout_last_tick_timestamp_seconds",
			Help: "Unix time of the last engine tick.",
		}),
		HealthAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breakout_health_alerts_total",
			Help: "Health pages sent by kind.",
		}, []string{"kind"}),
	}

	m.Registry.MustRegister(
		m.Bars, m.Commits, m.Orders, m.RiskDenials, m.Backfill,
		m.Streams, m.LockHeld, m.IdentityOK, m.LastTick, m.HealthAlerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the /metrics handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Server serves /metrics plus any extra handlers (health, liveness).
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer builds the HTTP server. extra maps paths to handlers.
func NewServer(addr string, m *Metrics, extra map[string]http.Handler, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	for path, h := range extra {
		mux.Handle(path, h)
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics_server").Logger(),
	}
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("Serving metrics")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
