package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"breakout-trader/internal/clock"
	"breakout-trader/internal/journal"
	"breakout-trader/internal/lock"
	"breakout-trader/internal/plan"
	"breakout-trader/internal/policy"
)

func newPolicyCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Execution policy tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate the execution policy and list its markets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := app.Config.Paths.Policy
			if len(args) == 1 {
				path = args[0]
			}
			return validatePolicy(NewOutput(cmd), app, path)
		},
	})
	return cmd
}

type policyMarketView struct {
	policy.Market
	Execution string `json:"execution"`
	Quantity  int    `json:"quantity"`
	Owned     bool   `json:"owned"`
}

func validatePolicy(output *Output, app *App, path string) error {
	pol, err := policy.Load(path)
	if err != nil {
		if !output.IsJSON() {
			output.Error("Policy %s is invalid", path)
		}
		return err
	}

	owned := make(map[string]bool)
	var unknown []string
	for _, m := range app.Config.Engine.Markets {
		if _, ok := pol.Market(m); !ok {
			unknown = append(unknown, m)
		}
		owned[m] = true
	}

	views := make([]policyMarketView, 0, len(pol.Markets()))
	for _, c := range pol.Markets() {
		m, _ := pol.Market(c)
		v := policyMarketView{Market: m, Owned: owned[c]}
		if exec, ok := pol.ExecutionFor(c); ok {
			v.Execution = exec.Instrument
			v.Quantity = exec.Quantity
		}
		views = append(views, v)
	}

	if output.IsJSON() {
		return output.JSON(map[string]interface{}{
			"path":            path,
			"valid":           len(unknown) == 0,
			"max_quantity":    pol.MaxQuantity(),
			"markets":         views,
			"unknown_markets": unknown,
		})
	}

	output.Bold("Policy %s", path)
	output.Printf("  Max quantity: %d\n\n", pol.MaxQuantity())
	table := NewTable(output, "MARKET", "TICK", "OFFSET", "TARGET", "MAX STOP", "EXECUTION", "QTY", "OWNED")
	for _, v := range views {
		exec := v.Execution
		if exec == "" {
			exec = output.Red("none enabled")
		}
		ownedCell := output.DimText("no")
		if v.Owned {
			ownedCell = output.Green("yes")
		}
		table.AddRow(
			v.Canonical,
			FormatPrice(v.TickSize, v.TickSize),
			FormatPrice(v.BreakoutOffset, v.TickSize),
			FormatPrice(v.TargetPoints, v.TickSize),
			FormatPrice(v.MaxStopPoints, v.TickSize),
			exec,
			fmt.Sprintf("%d", v.Quantity),
			ownedCell,
		)
	}
	table.Render()
	output.Println()

	if len(unknown) > 0 {
		output.Error("Configured markets missing from the policy: %s", strings.Join(unknown, ", "))
		return fmt.Errorf("policy does not cover markets %v", unknown)
	}
	output.Success("Policy is valid")
	return nil
}

func newPlanCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Daily plan tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show [file]",
		Short: "Parse and display a plan file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := app.Config.Paths.Plan
			if len(args) == 1 {
				path = args[0]
			}
			return showPlan(NewOutput(cmd), app, path)
		},
	})
	return cmd
}

func showPlan(output *Output, app *App, path string) error {
	p, err := plan.Load(path)
	if err != nil {
		return err
	}
	missing := p.Missing(app.Config.Engine.Markets, app.Config.SessionNames())
	hashMismatch := p.ContentHash != "" && !strings.EqualFold(p.ContentHash, p.Hash)

	if output.IsJSON() {
		return output.JSON(map[string]interface{}{
			"path":          path,
			"trading_date":  p.TradingDate,
			"hash":          p.Hash,
			"content_hash":  p.ContentHash,
			"hash_mismatch": hashMismatch,
			"streams":       p.Streams,
			"missing":       missing,
		})
	}

	output.Bold("Plan %s", path)
	output.Printf("  Trading date: %s\n", p.TradingDate)
	output.Printf("  Hash:         %s\n", p.Hash)
	if hashMismatch {
		output.Warning("  Embedded content_hash %s does not match the file; the file hash is used", ShortHash(p.ContentHash))
	}
	output.Println()

	table := NewTable(output, "STREAM", "INSTRUMENT", "SESSION", "SLOT", "ENABLED", "REASON")
	for _, id := range p.StreamIDs() {
		e := p.Streams[id]
		enabled := output.Green("yes")
		if !e.Enabled {
			enabled = output.Yellow("no")
		}
		table.AddRow(id, e.Instrument, e.Session, e.SlotTime, enabled, TruncateString(e.Reason, 40))
	}
	table.Render()

	if len(missing) > 0 {
		output.Println()
		output.Warning("No entry for %s; those streams will not run", strings.Join(missing, ", "))
	}
	return nil
}

func newJournalCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Execution journal tools",
	}
	var date string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the journal records of a trading date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showJournal(NewOutput(cmd), app, date)
		},
	}
	show.Flags().StringVar(&date, "date", "", "trading date (default: today in exchange time)")
	cmd.AddCommand(show)
	return cmd
}

func showJournal(output *Output, app *App, date string) error {
	cfg := app.Config
	times, err := clock.NewTimeService(cfg.Engine.Timezone, clock.Real{})
	if err != nil {
		return err
	}
	if date == "" {
		date = times.Today()
	}

	j := journal.New(afero.NewOsFs(), cfg.Paths.JournalDir, cfg.Journal.RecordLockStaleness, clock.Real{}, app.Logger)
	records, readErr := j.Records(date)

	if output.IsJSON() {
		if err := output.JSON(map[string]interface{}{"date": date, "records": records}); err != nil {
			return err
		}
		return readErr
	}

	if readErr != nil {
		output.Warning("Some records could not be read: %v", readErr)
	}
	if len(records) == 0 {
		output.Dim("No journal records for %s", date)
		return readErr
	}

	pol, perr := policy.Load(cfg.Paths.Policy)
	tickOf := func(canonical string) float64 {
		if perr != nil {
			return 0
		}
		m, _ := pol.Market(canonical)
		return m.TickSize
	}

	output.Bold("Journal %s", date)
	table := NewTable(output, "STREAM", "PHASE", "RESULT", "INTENT", "SIDE", "QTY", "STATUS", "ENTRY", "FILL", "EXIT")
	for _, rec := range records {
		s := rec.Snapshot
		row := []string{rec.StreamID, output.Phase(string(s.Phase)), output.Reason(string(s.CommitReason))}
		if in := rec.Intent; in != nil {
			tick := tickOf(in.Canonical)
			row = append(row,
				ShortHash(in.IntentID),
				string(in.Direction),
				fmt.Sprintf("%d/%d", in.FilledQty, in.Quantity),
				string(in.Status),
				FormatPrice(in.EntryPrice, tick),
				optionalPrice(in.FillPrice, tick),
				optionalPrice(in.ExitPrice, tick),
			)
		} else {
			row = append(row, "-", "-", "-", "-", "-", "-", "-")
		}
		table.AddRow(row...)
	}
	table.Render()
	return readErr
}

func optionalPrice(p, tick float64) string {
	if p == 0 {
		return "-"
	}
	return FormatPrice(p, tick)
}

func newLockCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Market lock tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status [market...]",
		Short: "Show who owns each market lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			markets := args
			if len(markets) == 0 {
				markets = app.Config.Engine.Markets
			}
			return lockStatus(NewOutput(cmd), app, markets)
		},
	})
	return cmd
}

func lockStatus(output *Output, app *App, markets []string) error {
	cfg := app.Config
	locks := lock.NewMarketLocks(afero.NewOsFs(), cfg.Paths.LockDir, cfg.Lock.Staleness, clock.Real{}, app.Logger)
	sorted := append([]string(nil), markets...)
	sort.Strings(sorted)
	statuses, err := locks.Status(sorted)
	if err != nil {
		return err
	}
	if output.IsJSON() {
		return output.JSON(statuses)
	}

	table := NewTable(output, "MARKET", "STATE", "OWNER", "HOST", "PID", "ACQUIRED")
	for _, st := range statuses {
		state := string(st.State)
		switch st.State {
		case lock.StateFresh:
			state = output.Yellow(state)
		case lock.StateStale:
			state = output.Red(state)
		case lock.StateAbsent:
			state = output.DimText(state)
		}
		if st.Owner == nil {
			table.AddRow(st.Market, state, "-", "-", "-", "-")
			continue
		}
		table.AddRow(
			st.Market,
			state,
			ShortHash(st.Owner.ID),
			st.Owner.Host,
			fmt.Sprintf("%d", st.Owner.PID),
			st.Owner.AcquiredAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	table.Render()
	return nil
}
