package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"breakout-trader/internal/clock"
	"breakout-trader/internal/events"
	"breakout-trader/internal/feed"
	"breakout-trader/internal/models"
	"breakout-trader/internal/plan"
	"breakout-trader/internal/policy"
)

type replayOptions struct {
	date  string
	plan  string
	speed float64
}

// replaySummary is the JSON form of a finished replay.
type replaySummary struct {
	Date     string                  `json:"date"`
	PlanHash string                  `json:"plan_hash"`
	Bars     int                     `json:"bars"`
	Streams  []models.StreamSnapshot `json:"streams"`
	Events   map[events.Type]int     `json:"events"`
}

func newReplayCmd(app *App) *cobra.Command {
	var opts replayOptions
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a stored trading day through the engine",
		Long: `Replay feeds one day of stored bars through a full engine under a simulated
clock. Orders go to the paper adapter and the journal and locks live in
memory, so a replay never touches live state.`,
		Example: `  breakout-trader replay --date 2025-03-03
  breakout-trader replay --date 2025-03-03 --plan plans/2025-03-03.json --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.plan == "" {
				opts.plan = app.Config.Paths.Plan
			}
			return runReplay(cmd, app, opts)
		},
	}
	cmd.Flags().StringVar(&opts.date, "date", "", "trading date to replay (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.plan, "plan", "", "plan file (default: paths.plan)")
	cmd.Flags().Float64Var(&opts.speed, "speed", 0, "replay speed multiplier, 0 for as fast as possible")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func runReplay(cmd *cobra.Command, app *App, opts replayOptions) error {
	output := NewOutput(cmd)
	cfg := app.Config
	if opts.date == "" {
		return fmt.Errorf("replay needs a trading date")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	p, err := plan.Load(opts.plan)
	if err != nil {
		return err
	}
	if p.TradingDate != opts.date {
		return fmt.Errorf("plan %s is for %s, not %s", opts.plan, p.TradingDate, opts.date)
	}

	clk := clock.NewManual(time.Time{})
	sink := events.NewMemorySink()
	rt, err := buildRuntime(cfg, runtimeOptions{fs: afero.NewMemMapFs(), clock: clk, events: sink}, app.Logger)
	if err != nil {
		return err
	}
	defer rt.close()

	dayStart, err := rt.times.At(opts.date, "00:00")
	if err != nil {
		return err
	}
	closeAt, err := rt.times.At(opts.date, cfg.Engine.MarketClose)
	if err != nil {
		return err
	}
	clk.Set(dayStart)

	e := rt.engine
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = e.Stop() }()

	res, err := e.ApplyPlan(p)
	if err != nil {
		return err
	}
	rt.waitBackfills(cfg.Backfill.Timeout)

	replay, err := feed.LoadReplay(ctx, rt.backfill, rt.instruments(), dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return err
	}
	replay.Clock = clk
	replay.Speed = opts.speed
	replay.OnAdvance = func(time.Time) {
		e.Tick()
		rt.waitBackfills(cfg.Backfill.Timeout)
	}
	if !output.IsJSON() {
		output.Info("Replaying %d bars for %s (plan %s)", replay.Len(), opts.date, ShortHash(res.Hash))
	}
	if err := replay.Run(ctx, e.OnBar); err != nil {
		return err
	}

	// let the close cut-off run even when the tape ends early
	if end := closeAt.Add(time.Minute); clk.Now().Before(end) {
		clk.Set(end)
		e.Tick()
	}

	summary := replaySummary{
		Date:     opts.date,
		PlanHash: res.Hash,
		Bars:     replay.Len(),
		Streams:  e.Snapshots(),
		Events:   make(map[events.Type]int),
	}
	for _, ev := range sink.Events() {
		summary.Events[ev.Type]++
	}

	if output.IsJSON() {
		return output.JSON(summary)
	}
	output.Println()
	renderSnapshots(output, summary.Streams, rt.policy, rt.times.Location())
	output.Println()
	renderEventCounts(output, summary.Events)
	return nil
}

// renderSnapshots prints one row per stream.
func renderSnapshots(output *Output, snaps []models.StreamSnapshot, pol *policy.Policy, loc *time.Location) {
	if len(snaps) == 0 {
		output.Dim("No streams")
		return
	}
	table := NewTable(output, "STREAM", "EXEC", "PHASE", "SLOT", "BARS", "RANGE", "LEVELS", "RESULT")
	for _, s := range snaps {
		tick := 0.0
		if m, ok := pol.Market(s.Canonical); ok {
			tick = m.TickSize
		}
		rng, levels := "-", "-"
		if s.Range != nil {
			rng = FormatPrice(s.Range.Low, tick) + " - " + FormatPrice(s.Range.High, tick)
		}
		if s.Levels != nil {
			levels = FormatPrice(s.Levels.Lower, tick) + " / " + FormatPrice(s.Levels.Upper, tick)
		}
		table.AddRow(
			s.StreamID,
			s.Execution,
			output.Phase(string(s.Phase)),
			FormatClock(s.SlotTime, loc),
			fmt.Sprintf("%d", s.BarCount),
			rng,
			levels,
			output.Reason(string(s.CommitReason)),
		)
	}
	table.Render()
}

func renderEventCounts(output *Output, counts map[events.Type]int) {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	output.Bold("Events")
	for _, t := range types {
		output.Printf("  %-18s %d\n", t, counts[events.Type(t)])
	}
}
