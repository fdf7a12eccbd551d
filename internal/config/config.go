// Package config provides configuration management for the execution engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "breakout-trader/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Engine        EngineConfig       `mapstructure:"engine"`
	Paths         PathsConfig        `mapstructure:"paths"`
	Lock          LockConfig         `mapstructure:"lock"`
	Journal       JournalConfig      `mapstructure:"journal"`
	Backfill      BackfillConfig     `mapstructure:"backfill"`
	Feed          FeedConfig         `mapstructure:"feed"`
	Health        HealthConfig       `mapstructure:"health"`
	Risk          RiskConfig         `mapstructure:"risk"`
	Broker        BrokerConfig       `mapstructure:"broker"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Events        EventsConfig       `mapstructure:"events"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
	Notifications NotificationConfig `mapstructure:"notifications"`
}

// EngineConfig holds stream timing and coordinator settings.
type EngineConfig struct {
	Timezone              string                   `mapstructure:"timezone"`
	Markets               []string                 `mapstructure:"markets"` // canonical markets owned by this instance
	MarketClose           string                   `mapstructure:"market_close"`
	Sessions              map[string]SessionConfig `mapstructure:"sessions"`
	TickInterval          time.Duration            `mapstructure:"tick_interval"`
	HeartbeatInterval     time.Duration            `mapstructure:"heartbeat_interval"`
	IdentityCheckInterval time.Duration            `mapstructure:"identity_check_interval"`
	PlanReloadInterval    time.Duration            `mapstructure:"plan_reload_interval"`
	HydrationGrace        time.Duration            `mapstructure:"hydration_grace"`
	LockGrace             time.Duration            `mapstructure:"lock_grace"`
	MinBarAge             time.Duration            `mapstructure:"min_bar_age"`
	MinRestartCoveragePct float64                  `mapstructure:"min_restart_coverage_pct"`
	AdapterTimeout        time.Duration            `mapstructure:"adapter_timeout"`
	Gaps                  GapConfig                `mapstructure:"gaps"`
}

// SessionConfig describes one trading session.
type SessionConfig struct {
	RangeStart string `mapstructure:"range_start"` // HH:MM exchange time
}

// GapConfig holds the per-stream gap tolerance budget.
type GapConfig struct {
	MaxSingleGap   time.Duration `mapstructure:"max_single_gap"`
	MaxTotalGap    time.Duration `mapstructure:"max_total_gap"`
	TrailingWindow time.Duration `mapstructure:"trailing_window"`
	MaxTrailingGap time.Duration `mapstructure:"max_trailing_gap"`
}

// PathsConfig holds file locations.
type PathsConfig struct {
	Plan           string `mapstructure:"plan"`
	Policy         string `mapstructure:"policy"`
	JournalDir     string `mapstructure:"journal_dir"`
	LockDir        string `mapstructure:"lock_dir"`
	KillSwitchFile string `mapstructure:"kill_switch_file"`
}

// LockConfig holds canonical market lock settings.
type LockConfig struct {
	Staleness time.Duration `mapstructure:"staleness"`
}

// JournalConfig holds execution journal settings.
type JournalConfig struct {
	RecordLockStaleness time.Duration `mapstructure:"record_lock_staleness"`
}

// BackfillConfig selects the historical bar source.
type BackfillConfig struct {
	Source    string        `mapstructure:"source"` // sqlite, parquet, csv, none
	Path      string        `mapstructure:"path"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
}

// FeedConfig selects the live bar feed.
type FeedConfig struct {
	Kind             string        `mapstructure:"kind"` // websocket, replay
	URL              string        `mapstructure:"url"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
	ReplaySpeed      float64       `mapstructure:"replay_speed"` // 0 = as fast as possible
	ReplayDate       string        `mapstructure:"replay_date"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// HealthConfig holds staleness detection settings.
type HealthConfig struct {
	CheckInterval   time.Duration `mapstructure:"check_interval"`
	DataStall       time.Duration `mapstructure:"data_stall"`
	EngineStall     time.Duration `mapstructure:"engine_stall"`
	PreRoll         time.Duration `mapstructure:"pre_roll"`
	PageMinInterval time.Duration `mapstructure:"page_min_interval"`
}

// RiskConfig holds pre-trade gate settings.
type RiskConfig struct {
	KillSwitch bool `mapstructure:"kill_switch"`
}

// BrokerConfig selects the order adapter.
type BrokerConfig struct {
	Mode     string  `mapstructure:"mode"` // paper
	Slippage float64 `mapstructure:"slippage"`
}

// LoggingConfig holds operational log settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// EventsConfig holds the append-only event log settings.
type EventsConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// MetricsConfig holds the metrics/health HTTP endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// NotificationConfig holds paging configuration.
type NotificationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Level    string         `mapstructure:"level"` // all, errors_only
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Email    EmailConfig    `mapstructure:"email"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// EmailConfig holds email notification configuration.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/breakout-trader"
	}
	return filepath.Join(home, ".config", "breakout-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, createTemplateConfig(configDir)
		}
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration holding only default values rooted at dir.
func Default(dir string) *Config {
	v := viper.New()
	setDefaults(v, dir)
	cfg, err := unmarshal(v)
	if err != nil {
		// defaults are static; failure here is a programming error
		panic(err)
	}
	return cfg
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	// viper lower-cases map keys; session names are upper case everywhere else
	sessions := make(map[string]SessionConfig, len(cfg.Engine.Sessions))
	for name, s := range cfg.Engine.Sessions {
		sessions[strings.ToUpper(name)] = s
	}
	cfg.Engine.Sessions = sessions
	for i, m := range cfg.Engine.Markets {
		cfg.Engine.Markets[i] = strings.ToUpper(strings.TrimSpace(m))
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("engine.timezone", "America/Chicago")
	v.SetDefault("engine.markets", []string{"ES"})
	v.SetDefault("engine.market_close", "16:00")
	v.SetDefault("engine.sessions", map[string]interface{}{
		"S1": map[string]interface{}{"range_start": "02:00"},
		"S2": map[string]interface{}{"range_start": "08:00"},
	})
	v.SetDefault("engine.tick_interval", "1s")
	v.SetDefault("engine.heartbeat_interval", "30s")
	v.SetDefault("engine.identity_check_interval", "60s")
	v.SetDefault("engine.plan_reload_interval", "30s")
	v.SetDefault("engine.hydration_grace", "5m")
	v.SetDefault("engine.lock_grace", "5s")
	v.SetDefault("engine.min_bar_age", "1m")
	v.SetDefault("engine.min_restart_coverage_pct", 80.0)
	v.SetDefault("engine.adapter_timeout", "5s")
	v.SetDefault("engine.gaps.max_single_gap", "3m")
	v.SetDefault("engine.gaps.max_total_gap", "6m")
	v.SetDefault("engine.gaps.trailing_window", "30m")
	v.SetDefault("engine.gaps.max_trailing_gap", "4m")

	v.SetDefault("paths.plan", filepath.Join(dir, "plan", "timetable_current.json"))
	v.SetDefault("paths.policy", filepath.Join(dir, "policy.toml"))
	v.SetDefault("paths.journal_dir", filepath.Join(dir, "journal"))
	v.SetDefault("paths.lock_dir", filepath.Join(dir, "locks"))
	v.SetDefault("paths.kill_switch_file", filepath.Join(dir, "KILL_SWITCH"))

	v.SetDefault("lock.staleness", "14h")
	v.SetDefault("journal.record_lock_staleness", "30s")

	v.SetDefault("backfill.source", "sqlite")
	v.SetDefault("backfill.path", filepath.Join(dir, "bars.db"))
	v.SetDefault("backfill.timeout", "20s")
	v.SetDefault("backfill.workers", 4)
	v.SetDefault("backfill.queue_size", 64)

	v.SetDefault("feed.kind", "websocket")
	v.SetDefault("feed.url", "ws://127.0.0.1:8765/bars")
	v.SetDefault("feed.reconnect_delay", "2s")
	v.SetDefault("feed.max_reconnects", 30)
	v.SetDefault("feed.replay_speed", 0.0)
	v.SetDefault("feed.handshake_timeout", "10s")

	v.SetDefault("health.check_interval", "10s")
	v.SetDefault("health.data_stall", "2m")
	v.SetDefault("health.engine_stall", "30s")
	v.SetDefault("health.pre_roll", "5m")
	v.SetDefault("health.page_min_interval", "10m")

	v.SetDefault("risk.kill_switch", false)
	v.SetDefault("broker.mode", "paper")
	v.SetDefault("broker.slippage", 0.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(dir, "logs", "engine.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)

	v.SetDefault("events.path", filepath.Join(dir, "events", "events.jsonl"))
	v.SetDefault("events.max_size", 200)
	v.SetDefault("events.max_backups", 30)
	v.SetDefault("events.max_age", 90)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "127.0.0.1:9108")

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", "all")
	v.SetDefault("notifications.email.smtp_port", 587)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BREAKOUT_KILL_SWITCH"); v == "1" || strings.EqualFold(v, "true") {
		cfg.Risk.KillSwitch = true
	}
	if v := os.Getenv("BREAKOUT_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("BREAKOUT_PLAN"); v != "" {
		cfg.Paths.Plan = v
	}
	if v := os.Getenv("BREAKOUT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BREAKOUT_WEBHOOK_URL"); v != "" {
		cfg.Notifications.Webhook.URL = v
		cfg.Notifications.Webhook.Enabled = true
	}
}

// Validate validates the configuration. All problems are reported together.
func (c *Config) Validate() error {
	var err error

	if _, lerr := time.LoadLocation(c.Engine.Timezone); lerr != nil {
		err = apperrors.Append(err, apperrors.NewValidationError("engine.timezone", c.Engine.Timezone, lerr.Error()))
	}
	if len(c.Engine.Markets) == 0 {
		err = apperrors.Append(err, apperrors.NewValidationError("engine.markets", c.Engine.Markets, "at least one canonical market is required"))
	}
	if _, perr := ParseClock(c.Engine.MarketClose); perr != nil {
		err = apperrors.Append(err, apperrors.NewValidationError("engine.market_close", c.Engine.MarketClose, perr.Error()))
	}
	if len(c.Engine.Sessions) == 0 {
		err = apperrors.Append(err, apperrors.NewValidationError("engine.sessions", nil, "at least one session is required"))
	}
	for _, name := range c.SessionNames() {
		if _, perr := ParseClock(c.Engine.Sessions[name].RangeStart); perr != nil {
			err = apperrors.Append(err, apperrors.NewValidationError("engine.sessions."+name+".range_start", c.Engine.Sessions[name].RangeStart, perr.Error()))
		}
	}

	positive := map[string]time.Duration{
		"engine.tick_interval":           c.Engine.TickInterval,
		"engine.heartbeat_interval":      c.Engine.HeartbeatInterval,
		"engine.identity_check_interval": c.Engine.IdentityCheckInterval,
		"engine.hydration_grace":         c.Engine.HydrationGrace,
		"engine.adapter_timeout":         c.Engine.AdapterTimeout,
		"engine.gaps.max_single_gap":     c.Engine.Gaps.MaxSingleGap,
		"engine.gaps.max_total_gap":      c.Engine.Gaps.MaxTotalGap,
		"lock.staleness":                 c.Lock.Staleness,
		"backfill.timeout":               c.Backfill.Timeout,
		"health.check_interval":          c.Health.CheckInterval,
		"health.data_stall":              c.Health.DataStall,
		"health.engine_stall":            c.Health.EngineStall,
	}
	keys := make([]string, 0, len(positive))
	for k := range positive {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if positive[k] <= 0 {
			err = apperrors.Append(err, apperrors.NewValidationError(k, positive[k], "must be positive"))
		}
	}

	if c.Engine.MinRestartCoveragePct < 0 || c.Engine.MinRestartCoveragePct > 100 {
		err = apperrors.Append(err, apperrors.NewValidationError("engine.min_restart_coverage_pct", c.Engine.MinRestartCoveragePct, "must be between 0 and 100"))
	}
	if c.Engine.Gaps.MaxTotalGap < c.Engine.Gaps.MaxSingleGap {
		err = apperrors.Append(err, apperrors.NewValidationError("engine.gaps.max_total_gap", c.Engine.Gaps.MaxTotalGap, "must not be below max_single_gap"))
	}

	switch c.Backfill.Source {
	case "sqlite", "parquet", "csv", "none":
	default:
		err = apperrors.Append(err, apperrors.NewValidationError("backfill.source", c.Backfill.Source, "must be sqlite, parquet, csv or none"))
	}
	if c.Backfill.Workers < 1 {
		err = apperrors.Append(err, apperrors.NewValidationError("backfill.workers", c.Backfill.Workers, "must be at least 1"))
	}

	switch c.Feed.Kind {
	case "websocket", "replay":
	default:
		err = apperrors.Append(err, apperrors.NewValidationError("feed.kind", c.Feed.Kind, "must be websocket or replay"))
	}

	if c.Broker.Mode != "paper" {
		err = apperrors.Append(err, apperrors.NewValidationError("broker.mode", c.Broker.Mode, "only the paper adapter is built in; live adapters are injected"))
	}

	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrConfigInvalid, err)
	}
	return nil
}

// SessionNames returns the configured sessions in sorted order.
func (c *Config) SessionNames() []string {
	names := make([]string, 0, len(c.Engine.Sessions))
	for name := range c.Engine.Sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Location loads the exchange timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Engine.Timezone)
}

// ParseClock parses an "HH:MM" wall-clock string into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid HH:MM time %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
