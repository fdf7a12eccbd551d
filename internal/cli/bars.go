package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"breakout-trader/internal/config"
	"breakout-trader/internal/feed"
	"breakout-trader/internal/models"
	"breakout-trader/internal/store"
)

// importResult is the outcome of importing one bar file.
type importResult struct {
	File     string `json:"file"`
	Format   string `json:"format"`
	Rows     int    `json:"rows"`
	Written  int    `json:"written"`
	Rejected int    `json:"rejected"`
	Error    string `json:"error,omitempty"`
}

func newBarsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bars",
		Short: "Historical bar store tools",
	}

	var workers int
	importCmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Import CSV or Parquet bar files into the backfill source",
		Long: `Import one-minute bars into the configured backfill source. With the sqlite
source rows are upserted into the database; with csv or parquet sources the
per-instrument files are merged and rewritten.

The instrument of rows without one is taken from the file name
(ES.csv, ES_2025-03-03.parquet).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			results, err := importBars(cmd.Context(), app.Config, args, workers)
			if output.IsJSON() {
				if jerr := output.JSON(results); jerr != nil {
					return jerr
				}
				return err
			}
			table := NewTable(output, "FILE", "FORMAT", "ROWS", "WRITTEN", "REJECTED", "STATUS")
			for _, r := range results {
				status := output.Green("ok")
				if r.Error != "" {
					status = output.Red(TruncateString(r.Error, 60))
				} else if r.Rejected > 0 {
					status = output.Yellow("partial")
				}
				table.AddRow(filepath.Base(r.File), r.Format, fmt.Sprintf("%d", r.Rows), fmt.Sprintf("%d", r.Written), fmt.Sprintf("%d", r.Rejected), status)
			}
			table.Render()
			return err
		},
	}
	importCmd.Flags().IntVar(&workers, "workers", 4, "files imported in parallel")
	cmd.AddCommand(importCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored instruments and recent imports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listBars(cmd.Context(), NewOutput(cmd), app.Config)
		},
	})
	return cmd
}

func importBars(ctx context.Context, cfg *config.Config, files []string, workers int) ([]importResult, error) {
	if workers < 1 {
		workers = 1
	}
	var sink func(ctx context.Context, res *importResult, bars []models.Bar) error

	src := strings.ToLower(cfg.Backfill.Source)
	switch src {
	case "sqlite":
		db, err := store.NewSQLiteStore(cfg.Backfill.Path)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		sink = func(ctx context.Context, res *importResult, bars []models.Bar) error {
			n, err := db.SaveBars(ctx, bars)
			res.Written = n
			if err != nil {
				return err
			}
			return db.RecordImport(ctx, store.ImportRecord{
				Source:     res.File,
				Format:     res.Format,
				Rows:       n,
				Rejected:   res.Rejected,
				ImportedAt: time.Now().UTC(),
			})
		}
	case feed.FormatCSV, feed.FormatParquet:
		fsrc, err := feed.NewFileSource(cfg.Backfill.Path, src)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(cfg.Backfill.Path, 0755); err != nil {
			return nil, err
		}
		// one writer per instrument file
		var mu sync.Mutex
		sink = func(ctx context.Context, res *importResult, bars []models.Bar) error {
			mu.Lock()
			defer mu.Unlock()
			n, err := mergeBarFiles(fsrc, src, bars)
			res.Written = n
			return err
		}
	default:
		return nil, fmt.Errorf("backfill source %q does not accept imports", cfg.Backfill.Source)
	}

	results := make([]importResult, len(files))
	p := pool.New().WithErrors().WithMaxGoroutines(workers)
	for i, file := range files {
		i, file := i, file
		p.Go(func() error {
			res := &results[i]
			res.File = file
			format, err := feed.FormatOf(file)
			if err != nil {
				res.Error = err.Error()
				return err
			}
			res.Format = format
			bars, rejected, err := feed.ReadFile(file)
			res.Rows = len(bars) + rejected
			res.Rejected = rejected
			if err == nil {
				err = sink(ctx, res, bars)
			}
			if err != nil {
				res.Error = err.Error()
				return fmt.Errorf("%s: %w", file, err)
			}
			return nil
		})
	}
	return results, p.Wait()
}

// mergeBarFiles folds bars into the per-instrument files of a file source.
// Incoming bars replace stored bars with the same timestamp.
func mergeBarFiles(src *feed.FileSource, format string, bars []models.Bar) (int, error) {
	byInstrument := make(map[string][]models.Bar)
	for _, b := range bars {
		inst := strings.ToUpper(b.Instrument)
		byInstrument[inst] = append(byInstrument[inst], b)
	}

	written := 0
	for inst, incoming := range byInstrument {
		path := src.Path(inst)
		var existing []models.Bar
		if _, err := os.Stat(path); err == nil {
			if existing, _, err = feed.ReadFile(path); err != nil {
				return written, err
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return written, err
		}

		merged := make(map[int64]models.Bar, len(existing)+len(incoming))
		for _, b := range existing {
			merged[b.Timestamp.Unix()] = b
		}
		for _, b := range incoming {
			merged[b.Timestamp.Unix()] = b
		}
		out := make([]models.Bar, 0, len(merged))
		for _, b := range merged {
			out = append(out, b)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

		if err := writeBarFile(path, format, out); err != nil {
			return written, err
		}
		written += len(incoming)
	}
	return written, nil
}

func writeBarFile(path, format string, bars []models.Bar) error {
	tmp := path + ".tmp"
	if format == feed.FormatParquet {
		if err := feed.WriteParquetFile(tmp, bars); err != nil {
			return err
		}
		return os.Rename(tmp, path)
	}

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := feed.WriteCSV(f, bars); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

type instrumentView struct {
	Instrument string    `json:"instrument"`
	LastBar    time.Time `json:"last_bar"`
}

func listBars(ctx context.Context, output *Output, cfg *config.Config) error {
	if !strings.EqualFold(cfg.Backfill.Source, "sqlite") {
		return fmt.Errorf("bars list reads the sqlite store; backfill.source is %q", cfg.Backfill.Source)
	}
	db, err := store.NewSQLiteStore(cfg.Backfill.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	instruments, err := db.Instruments(ctx)
	if err != nil {
		return err
	}
	views := make([]instrumentView, 0, len(instruments))
	for _, inst := range instruments {
		last, err := db.Freshness(ctx, inst)
		if err != nil {
			return err
		}
		views = append(views, instrumentView{Instrument: inst, LastBar: last})
	}
	imports, err := db.Imports(ctx, 10)
	if err != nil {
		return err
	}

	if output.IsJSON() {
		return output.JSON(map[string]interface{}{"instruments": views, "imports": imports})
	}

	output.Bold("Instruments")
	table := NewTable(output, "INSTRUMENT", "LAST BAR", "AGE")
	for _, v := range views {
		age := "-"
		if !v.LastBar.IsZero() {
			age = FormatDuration(time.Since(v.LastBar))
		}
		table.AddRow(v.Instrument, v.LastBar.UTC().Format("2006-01-02 15:04"), age)
	}
	table.Render()
	output.Println()

	output.Bold("Recent imports")
	if len(imports) == 0 {
		output.Dim("none")
		return nil
	}
	it := NewTable(output, "WHEN", "SOURCE", "FORMAT", "ROWS", "REJECTED")
	for _, r := range imports {
		it.AddRow(r.ImportedAt.Local().Format("2006-01-02 15:04"), filepath.Base(r.Source), r.Format, fmt.Sprintf("%d", r.Rows), fmt.Sprintf("%d", r.Rejected))
	}
	it.Render()
	return nil
}
