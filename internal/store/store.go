// Package store provides persistence for historical bars.
package store

import (
	"context"
	"time"

	"breakout-trader/internal/models"
)

// BarStore persists one-minute bars keyed by (instrument, timestamp).
type BarStore interface {
	// Bars
	SaveBars(ctx context.Context, bars []models.Bar) (int, error)
	Bars(ctx context.Context, instrument string, from, to time.Time) ([]models.Bar, error)
	Freshness(ctx context.Context, instrument string) (time.Time, error)
	Instruments(ctx context.Context) ([]string, error)

	// Imports
	RecordImport(ctx context.Context, rec ImportRecord) error
	Imports(ctx context.Context, limit int) ([]ImportRecord, error)

	// Lifecycle
	Close() error
}

// ImportRecord describes one bulk load into the store.
type ImportRecord struct {
	Source     string    `json:"source"`
	Format     string    `json:"format"`
	Rows       int       `json:"rows"`
	Rejected   int       `json:"rejected"`
	ImportedAt time.Time `json:"imported_at"`
}
