package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Breakout Trader Configuration

[engine]
# Exchange timezone used for every HH:MM value below
timezone = "America/Chicago"
# Canonical markets owned by this instance (one market lock each)
markets = ["ES"]
market_close = "16:00"
tick_interval = "1s"
heartbeat_interval = "30s"
identity_check_interval = "60s"
plan_reload_interval = "30s"
# Hard backfill timeout measured from range start
hydration_grace = "5m"
# Extra wait after slot time before a tick locks the range
lock_grace = "5s"
# Bars younger than this (from bar open) are still forming
min_bar_age = "1m"
# Below this window coverage a failed restore suspends the stream
min_restart_coverage_pct = 80.0
adapter_timeout = "5s"

[engine.sessions.S1]
range_start = "02:00"

[engine.sessions.S2]
range_start = "08:00"

[engine.gaps]
max_single_gap = "3m"
max_total_gap = "6m"
trailing_window = "30m"
max_trailing_gap = "4m"

[paths]
# plan = "/var/lib/breakout/timetable_current.json"
# policy = "/etc/breakout/policy.toml"
# journal_dir = "/var/lib/breakout/journal"
# lock_dir = "/var/lib/breakout/locks"
# kill_switch_file = "/var/lib/breakout/KILL_SWITCH"

[lock]
# A lock older than this is considered abandoned and may be reclaimed
staleness = "14h"

[journal]
record_lock_staleness = "30s"

[backfill]
# sqlite, parquet, csv or none
source = "sqlite"
# path = "/var/lib/breakout/bars.db"
timeout = "20s"
workers = 4
queue_size = 64

[feed]
# websocket or replay
kind = "websocket"
url = "ws://127.0.0.1:8765/bars"
reconnect_delay = "2s"
max_reconnects = 30

[health]
check_interval = "10s"
data_stall = "2m"
engine_stall = "30s"
pre_roll = "5m"
page_min_interval = "10m"

[risk]
kill_switch = false

[broker]
mode = "paper"
slippage = 0.0

[logging]
level = "info"
console = true
file = true

[events]
max_size = 200
max_backups = 30
max_age = 90

[metrics]
enabled = true
listen = "127.0.0.1:9108"

[notifications]
enabled = false
# "all" or "errors_only"
level = "all"

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = ""

[notifications.email]
enabled = false
smtp_host = ""
smtp_port = 587
username = ""
password = ""
from = ""
to = ""
`

const policyTemplate = `# Breakout Trader Execution Policy
# Exactly one execution identity may be enabled per canonical market.

[markets.ES]
tick_size = 0.25
breakout_offset = 0.25
target_points = 10.0
max_stop_points = 6.0

[markets.ES.executions.ES]
enabled = false
quantity = 1

[markets.ES.executions.MES]
enabled = true
quantity = 2
`

// ErrTemplateWritten is returned by Load when no config.toml existed and a
// template was written in its place.
var ErrTemplateWritten = errors.New("config file not found, created template")

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	policyPath := filepath.Join(configDir, "policy.toml")
	if _, err := os.Stat(policyPath); os.IsNotExist(err) {
		if err := os.WriteFile(policyPath, []byte(policyTemplate), 0644); err != nil {
			return fmt.Errorf("writing policy template: %w", err)
		}
	}

	return fmt.Errorf("%w at %s", ErrTemplateWritten, path)
}
