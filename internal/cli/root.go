package cli

import (
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"breakout-trader/internal/config"
	"breakout-trader/internal/logging"
	"breakout-trader/internal/security"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2025-03-01"
)

// skipConfig marks commands that run without a loaded configuration.
const skipConfig = "skip-config"

// App holds the application dependencies shared by all commands.
type App struct {
	ConfigDir string
	Config    *config.Config
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI. Configuration is loaded
// lazily so --config can point at a different directory.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.New(os.Stderr).With().Timestamp().Logger()}

	rootCmd := &cobra.Command{
		Use:   "breakout-trader",
		Short: "Intraday range breakout execution engine",
		Long: `breakout-trader runs one stream per (market, session) from the daily plan,
builds the opening range, arms a single breakout bracket at the slot time and
records every transition in an append-only event log.

Use 'breakout-trader <command> --help' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfig] == "true" {
				return nil
			}
			return app.load(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&app.ConfigDir, "config", "", "config directory (default: ~/.config/breakout-trader)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newReplayCmd(app))
	rootCmd.AddCommand(newPolicyCmd(app))
	rootCmd.AddCommand(newPlanCmd(app))
	rootCmd.AddCommand(newJournalCmd(app))
	rootCmd.AddCommand(newLockCmd(app))
	rootCmd.AddCommand(newBarsCmd(app))

	return rootCmd
}

func (a *App) load(cmd *cobra.Command) error {
	dir := a.ConfigDir
	if dir == "" {
		dir = config.DefaultConfigDir()
	}
	cfg, err := config.Load(dir)
	if err != nil {
		if errors.Is(err, config.ErrTemplateWritten) {
			NewOutput(cmd).Warning("%v", err)
		}
		return err
	}
	a.ConfigDir = dir
	a.Config = cfg

	lc := logging.LogConfig{
		Level:      cfg.Logging.Level,
		Console:    cfg.Logging.Console,
		File:       cfg.Logging.File,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		lc.Level = "debug"
	}
	a.Logger = logging.NewLoggerWithConfig(lc)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
				return
			}
			output.Printf("breakout-trader v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg := security.Redact(app.Config)
			if output.IsJSON() {
				return output.JSON(cfg)
			}
			showConfig(output, cfg)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration directory path",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			dir := app.ConfigDir
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": dir})
				return
			}
			output.Println(dir)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Engine")
	output.Printf("  Timezone:        %s\n", cfg.Engine.Timezone)
	output.Printf("  Markets:         %v\n", cfg.Engine.Markets)
	output.Printf("  Market close:    %s\n", cfg.Engine.MarketClose)
	for _, name := range cfg.SessionNames() {
		output.Printf("  Session %-8s range start %s\n", name+":", cfg.Engine.Sessions[name].RangeStart)
	}
	output.Printf("  Tick interval:   %s\n", cfg.Engine.TickInterval)
	output.Printf("  Heartbeat:       %s\n", cfg.Engine.HeartbeatInterval)
	output.Println()

	output.Bold("Paths")
	output.Printf("  Plan:            %s\n", cfg.Paths.Plan)
	output.Printf("  Policy:          %s\n", cfg.Paths.Policy)
	output.Printf("  Journal:         %s\n", cfg.Paths.JournalDir)
	output.Printf("  Locks:           %s\n", cfg.Paths.LockDir)
	output.Printf("  Kill switch:     %s\n", cfg.Paths.KillSwitchFile)
	output.Println()

	output.Bold("Data")
	output.Printf("  Feed:            %s %s\n", cfg.Feed.Kind, cfg.Feed.URL)
	output.Printf("  Backfill:        %s %s\n", cfg.Backfill.Source, cfg.Backfill.Path)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:         %v\n", cfg.Notifications.Enabled)
	output.Printf("  Level:           %s\n", cfg.Notifications.Level)
	output.Printf("  Webhook:         %v %s\n", cfg.Notifications.Webhook.Enabled, cfg.Notifications.Webhook.URL)
	output.Printf("  Telegram:        %v\n", cfg.Notifications.Telegram.Enabled)
	output.Printf("  Email:           %v\n", cfg.Notifications.Email.Enabled)
}
