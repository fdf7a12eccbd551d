package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"breakout-trader/internal/models"
)

// SQLiteStore implements BarStore using SQLite. It also serves as the
// engine's historical backfill provider.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the bar database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Backfill workers read concurrently with imports
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One-minute bars, timestamp is the UTC bar open in unix seconds
	CREATE TABLE IF NOT EXISTS bars (
		instrument TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (instrument, timestamp)
	);

	-- Bulk import history
	CREATE TABLE IF NOT EXISTS imports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL,
		format TEXT NOT NULL,
		rows INTEGER NOT NULL,
		rejected INTEGER NOT NULL,
		imported_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_imports_time ON imports(imported_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================================
// Bars Methods
// ============================================================================

// SaveBars upserts bars and returns how many were written. Invalid bars are
// skipped.
func (s *SQLiteStore) SaveBars(ctx context.Context, bars []models.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars (instrument, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, b := range bars {
		if b.Validate() != nil || b.Instrument == "" {
			continue
		}
		b = b.Normalized()
		_, err := stmt.ExecContext(ctx, strings.ToUpper(b.Instrument), b.Timestamp.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			return 0, fmt.Errorf("failed to insert bar: %w", err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return written, nil
}

// Bars returns bars of instrument with from <= timestamp < to, oldest first,
// tagged as historical.
func (s *SQLiteStore) Bars(ctx context.Context, instrument string, from, to time.Time) ([]models.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument, timestamp, open, high, low, close, volume
		FROM bars
		WHERE instrument = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC
	`, strings.ToUpper(instrument), from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []models.Bar
	for rows.Next() {
		var b models.Bar
		var ts int64
		if err := rows.Scan(&b.Instrument, &ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		b.Timestamp = time.Unix(ts, 0).UTC()
		b.SourceTime = b.Timestamp
		b.Source = models.BarSourceHistorical
		bars = append(bars, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}
	return bars, nil
}

// Freshness returns the open time of the most recent bar of instrument.
func (s *SQLiteStore) Freshness(ctx context.Context, instrument string) (time.Time, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM bars WHERE instrument = ?
	`, strings.ToUpper(instrument)).Scan(&ts)
	if err != nil && err != sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("failed to get bars freshness: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// Instruments lists every instrument that has bars.
func (s *SQLiteStore) Instruments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT instrument FROM bars ORDER BY instrument`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var inst string
		if err := rows.Scan(&inst); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ============================================================================
// Import Methods
// ============================================================================

// RecordImport appends an import history row.
func (s *SQLiteStore) RecordImport(ctx context.Context, rec ImportRecord) error {
	if rec.ImportedAt.IsZero() {
		rec.ImportedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO imports (source, format, rows, rejected, imported_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Source, rec.Format, rec.Rows, rec.Rejected, rec.ImportedAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to record import: %w", err)
	}
	return nil
}

// Imports returns the most recent imports, newest first.
func (s *SQLiteStore) Imports(ctx context.Context, limit int) ([]ImportRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, format, rows, rejected, imported_at
		FROM imports
		ORDER BY imported_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query imports: %w", err)
	}
	defer rows.Close()

	var out []ImportRecord
	for rows.Next() {
		var rec ImportRecord
		var ts int64
		if err := rows.Scan(&rec.Source, &rec.Format, &rec.Rows, &rec.Rejected, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan import: %w", err)
		}
		rec.ImportedAt = time.Unix(ts, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
