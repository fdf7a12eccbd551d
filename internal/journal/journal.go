// Package journal is the durable per-stream execution ledger. It doubles as
// the idempotency guard for order submission across restarts.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"breakout-trader/internal/clock"
	apperrors "breakout-trader/internal/errors"
	"breakout-trader/internal/lock"
	"breakout-trader/internal/models"
	"breakout-trader/pkg/utils"
)

// Journal stores one JSON record per (date, stream) under <dir>/<date>/<stream>.json.
type Journal struct {
	fs            afero.Fs
	dir           string
	lockStaleness time.Duration
	ownerID       string
	clock         clock.Clock
	logger        zerolog.Logger
	retry         utils.RetryConfig

	mu       sync.RWMutex
	date     string
	byIntent map[string]*Entry
	byStream map[string]*Record
	corrupt  map[string]error
}

// New creates a journal rooted at dir.
func New(fs afero.Fs, dir string, lockStaleness time.Duration, clk clock.Clock, logger zerolog.Logger) *Journal {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Journal{
		fs:            fs,
		dir:           dir,
		lockStaleness: lockStaleness,
		ownerID:       uuid.NewString(),
		clock:         clk,
		logger:        logger.With().Str("component", "journal").Logger(),
		retry: utils.RetryConfig{
			MaxAttempts:   5,
			InitialDelay:  20 * time.Millisecond,
			MaxDelay:      200 * time.Millisecond,
			BackoffFactor: 2,
			Retryable:     lock.IsHeld,
		},
		byIntent: make(map[string]*Entry),
		byStream: make(map[string]*Record),
		corrupt:  make(map[string]error),
	}
}

// Path returns the record file of a stream on a date.
func (j *Journal) Path(date, streamID string) string {
	return filepath.Join(j.dir, date, strings.ToUpper(streamID)+".json")
}

// WarmStart loads every record of date into the in-memory index, replacing
// any previous index. Corrupt files are skipped and remembered per stream.
func (j *Journal) WarmStart(date string) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.date = date
	j.byIntent = make(map[string]*Entry)
	j.byStream = make(map[string]*Record)
	j.corrupt = make(map[string]error)

	dayDir := filepath.Join(j.dir, date)
	infos, err := afero.ReadDir(j.fs, dayDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, apperrors.NewDataError("journal", "", "listing "+dayDir, err)
	}

	var errs error
	loaded := 0
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		streamID := strings.TrimSuffix(name, ".json")
		rec, err := j.read(filepath.Join(dayDir, name))
		if err == nil && (rec.StreamID != streamID || rec.TradingDate != date) {
			err = fmt.Errorf("%w: record identity %s@%s in %s", apperrors.ErrJournalCorrupt, rec.StreamID, rec.TradingDate, name)
		}
		if err != nil {
			j.corrupt[streamID] = err
			errs = apperrors.Append(errs, err)
			j.logger.Error().Err(err).Str("stream", streamID).Msg("Skipping unreadable journal record")
			continue
		}
		j.index(rec)
		loaded++
	}

	j.logger.Info().Str("date", date).Int("records", loaded).Int("intents", len(j.byIntent)).Msg("Journal warm start")
	return loaded, errs
}

func (j *Journal) read(path string) (*Record, error) {
	data, err := afero.ReadFile(j.fs, path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrJournalCorrupt, filepath.Base(path), err)
	}
	return &rec, nil
}

func (j *Journal) index(rec *Record) {
	j.byStream[rec.StreamID] = rec
	if rec.Intent != nil {
		j.byIntent[rec.Intent.IntentID] = rec.Intent
	}
}

// Date returns the trading date of the current index.
func (j *Journal) Date() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.date
}

// HasActiveIntent reports whether a non-failed entry exists for id.
func (j *Journal) HasActiveIntent(id string) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.byIntent[id]
	return ok && e.Active()
}

// Entry returns a copy of the entry for id.
func (j *Journal) Entry(id string) (Entry, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	e, ok := j.byIntent[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Record returns a copy of the indexed record of a stream.
func (j *Journal) Record(streamID string) (Record, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	rec, ok := j.byStream[strings.ToUpper(streamID)]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// CorruptError returns the load error of a stream whose record could not be read.
func (j *Journal) CorruptError(streamID string) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.corrupt[strings.ToUpper(streamID)]
}

// SaveRecord writes a record atomically and indexes it.
func (j *Journal) SaveRecord(rec Record) error {
	rec.StreamID = strings.ToUpper(rec.StreamID)
	rec.UpdatedAt = j.clock.Now().UTC()

	if err := j.write(rec); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if rec.TradingDate != j.date {
		return nil
	}
	stored := rec.clone()
	delete(j.corrupt, stored.StreamID)
	j.index(&stored)
	return nil
}

// PutIntent stores a new or replaced intent entry on its stream record.
// A still-active entry for the same intent is never overwritten.
func (j *Journal) PutIntent(e Entry) error {
	rec, _ := j.Record(e.StreamID)
	if rec.Intent != nil && rec.Intent.IntentID == e.IntentID && rec.Intent.Active() && e.Status == models.OrderPending {
		return apperrors.Wrapf(apperrors.ErrIntentExists, "intent %s", e.IntentID)
	}
	if rec.StreamID == "" {
		rec = Record{TradingDate: e.TradingDate, StreamID: e.StreamID}
	}
	now := j.clock.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	rec.Intent = &e
	return j.SaveRecord(rec)
}

// UpdateIntent applies fn to an indexed entry and persists the result.
func (j *Journal) UpdateIntent(id string, fn func(*Entry) bool) (Entry, error) {
	j.mu.RLock()
	e, ok := j.byIntent[id]
	var streamID string
	if ok {
		streamID = e.StreamID
	}
	j.mu.RUnlock()
	if !ok {
		return Entry{}, apperrors.Wrapf(apperrors.ErrUnknownOrder, "intent %s not journaled", id)
	}

	rec, _ := j.Record(streamID)
	if rec.Intent == nil || rec.Intent.IntentID != id {
		return Entry{}, apperrors.Wrapf(apperrors.ErrUnknownOrder, "intent %s not on stream %s", id, streamID)
	}
	updated := *rec.Intent
	if !fn(&updated) {
		return updated, nil
	}
	updated.UpdatedAt = j.clock.Now().UTC()
	rec.Intent = &updated
	if err := j.SaveRecord(rec); err != nil {
		return updated, err
	}
	return updated, nil
}

// Records reads every record of a date directly from disk.
func (j *Journal) Records(date string) ([]Record, error) {
	dayDir := filepath.Join(j.dir, date)
	infos, err := afero.ReadDir(j.fs, dayDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Record
	var errs error
	for _, info := range infos {
		if info.IsDir() || filepath.Ext(info.Name()) != ".json" {
			continue
		}
		rec, err := j.read(filepath.Join(dayDir, info.Name()))
		if err != nil {
			errs = apperrors.Append(errs, err)
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StreamID < out[b].StreamID })
	return out, errs
}

// write persists rec with temp file + rename under the record's file lock.
func (j *Journal) write(rec Record) error {
	path := j.Path(rec.TradingDate, rec.StreamID)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := j.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return apperrors.NewDataError("journal", rec.StreamID, "creating directory", err)
	}

	fl := lock.NewFileLock(j.fs, path+".lock", j.ownerID, j.lockStaleness, j.clock)
	err = utils.Retry(context.Background(), j.retry, func() error {
		_, _, err := fl.TryAcquire()
		return err
	})
	if err != nil {
		return apperrors.NewDataError("journal", rec.StreamID, "locking record", err)
	}
	defer func() {
		if rerr := fl.Release(); rerr != nil {
			j.logger.Warn().Err(rerr).Str("path", path).Msg("Releasing journal record lock")
		}
	}()

	tmp, err := afero.TempFile(j.fs, filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return apperrors.NewDataError("journal", rec.StreamID, "creating temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = j.fs.Remove(tmpName)
		return apperrors.NewDataError("journal", rec.StreamID, "writing temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = j.fs.Remove(tmpName)
		return apperrors.NewDataError("journal", rec.StreamID, "syncing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = j.fs.Remove(tmpName)
		return apperrors.NewDataError("journal", rec.StreamID, "closing temp file", err)
	}
	if err := j.fs.Rename(tmpName, path); err != nil {
		_ = j.fs.Remove(tmpName)
		return apperrors.NewDataError("journal", rec.StreamID, "renaming record", err)
	}
	return nil
}
