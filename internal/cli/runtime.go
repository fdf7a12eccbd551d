package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"breakout-trader/internal/broker"
	"breakout-trader/internal/clock"
	"breakout-trader/internal/config"
	"breakout-trader/internal/engine"
	"breakout-trader/internal/events"
	"breakout-trader/internal/feed"
	"breakout-trader/internal/journal"
	"breakout-trader/internal/lock"
	"breakout-trader/internal/metrics"
	"breakout-trader/internal/policy"
	"breakout-trader/internal/resilience"
	"breakout-trader/internal/risk"
	"breakout-trader/internal/store"
)

// runtimeOptions override the production wiring. Zero values select the OS
// filesystem, the wall clock and the configured event log.
type runtimeOptions struct {
	fs     afero.Fs
	clock  clock.Clock
	events events.Sink
}

// runtime is one fully wired engine stack.
type runtime struct {
	cfg      *config.Config
	fs       afero.Fs
	times    *clock.TimeService
	policy   *policy.Policy
	journal  *journal.Journal
	locks    *lock.MarketLocks
	gate     *risk.Gate
	paper    *broker.PaperAdapter
	orders   *broker.Guarded
	breaker  *resilience.CircuitBreaker
	backfill broker.BackfillProvider
	db       *store.SQLiteStore // nil unless backfill.source is sqlite
	events   events.Sink        // closed by engine.Stop
	metrics  *metrics.Metrics
	engine   *engine.Engine
	logger   zerolog.Logger
}

func buildRuntime(cfg *config.Config, opts runtimeOptions, logger zerolog.Logger) (*runtime, error) {
	if opts.fs == nil {
		opts.fs = afero.NewOsFs()
	}
	if opts.clock == nil {
		opts.clock = clock.Real{}
	}
	if mode := strings.ToLower(cfg.Broker.Mode); mode != "" && mode != "paper" {
		return nil, fmt.Errorf("broker mode %q is not supported (want paper)", cfg.Broker.Mode)
	}

	pol, err := policy.Load(cfg.Paths.Policy)
	if err != nil {
		return nil, err
	}
	times, err := clock.NewTimeService(cfg.Engine.Timezone, opts.clock)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:     cfg,
		fs:      opts.fs,
		times:   times,
		policy:  pol,
		metrics: metrics.New(),
		logger:  logger,
	}
	rt.journal = journal.New(opts.fs, cfg.Paths.JournalDir, cfg.Journal.RecordLockStaleness, opts.clock, logger)
	rt.locks = lock.NewMarketLocks(opts.fs, cfg.Paths.LockDir, cfg.Lock.Staleness, opts.clock, logger)
	rt.gate = risk.NewGate(pol, cfg.Risk.KillSwitch, opts.fs, cfg.Paths.KillSwitchFile)

	rt.paper = broker.NewPaperAdapter(opts.clock, cfg.Broker.Slippage)
	rt.breaker = resilience.NewCircuitBreaker("orders", resilience.DefaultCircuitBreakerConfig(), opts.clock)
	rt.orders = broker.NewGuarded(rt.paper, rt.breaker, cfg.Engine.AdapterTimeout, logger)

	if err := rt.openBackfill(); err != nil {
		return nil, err
	}

	sink := opts.events
	if sink == nil {
		fileSink, err := events.NewFileSink(events.FileConfig{
			Path:       cfg.Events.Path,
			MaxSize:    cfg.Events.MaxSize,
			MaxBackups: cfg.Events.MaxBackups,
			MaxAge:     cfg.Events.MaxAge,
			Compress:   true,
		}, logger)
		if err != nil {
			rt.close()
			return nil, err
		}
		sink = events.MultiSink{fileSink, events.LogSink{Logger: logger}}
	}
	rt.events = sink

	rt.engine, err = engine.New(engine.Deps{
		Config:   cfg,
		Policy:   pol,
		Times:    times,
		Journal:  rt.journal,
		Locks:    rt.locks,
		Gate:     rt.gate,
		Orders:   rt.orders,
		Backfill: rt.backfill,
		Events:   sink,
		Metrics:  rt.metrics,
		Logger:   logger,
	})
	if err != nil {
		_ = sink.Close()
		rt.close()
		return nil, err
	}
	return rt, nil
}

// openBackfill selects the historical bar source.
func (rt *runtime) openBackfill() error {
	switch src := strings.ToLower(rt.cfg.Backfill.Source); src {
	case "sqlite":
		db, err := store.NewSQLiteStore(rt.cfg.Backfill.Path)
		if err != nil {
			return err
		}
		rt.db = db
		rt.backfill = db
	case feed.FormatCSV, feed.FormatParquet:
		fsrc, err := feed.NewFileSource(rt.cfg.Backfill.Path, src)
		if err != nil {
			return err
		}
		rt.backfill = fsrc
	case "", "none":
		rt.backfill = broker.NoBackfill{}
	default:
		return fmt.Errorf("unknown backfill source %q", rt.cfg.Backfill.Source)
	}
	return nil
}

// instruments lists every symbol whose bars the owned markets consume.
func (rt *runtime) instruments() []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range rt.engine.Markets() {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
		if exec, ok := rt.policy.ExecutionFor(m); ok && !seen[exec.Instrument] {
			seen[exec.Instrument] = true
			out = append(out, exec.Instrument)
		}
	}
	return out
}

// waitBackfills polls until every outstanding backfill has completed or
// timeout elapses. It reports whether the queue drained.
func (rt *runtime) waitBackfills(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for rt.engine.PendingBackfills() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
	return true
}

func (rt *runtime) close() {
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("Closing bar store failed")
		}
	}
}
