// Package feed provides bar sources: historical files, a live websocket
// feed and a replay feed that plays stored bars through the engine.
package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/parquet-go/parquet-go"

	apperrors "breakout-trader/internal/errors"
	"breakout-trader/internal/models"
)

// Supported historical file formats.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// barRow is the on-disk layout shared by CSV and Parquet bar files.
// Timestamp is the bar open in unix milliseconds.
type barRow struct {
	Instrument string  `csv:"instrument" parquet:"instrument"`
	Timestamp  int64   `csv:"t" parquet:"t"`
	Open       float64 `csv:"o" parquet:"o"`
	High       float64 `csv:"h" parquet:"h"`
	Low        float64 `csv:"l" parquet:"l"`
	Close      float64 `csv:"c" parquet:"c"`
	Volume     int64   `csv:"v" parquet:"v"`
}

func (r barRow) bar(instrument string) models.Bar {
	if r.Instrument != "" {
		instrument = r.Instrument
	}
	ts := time.UnixMilli(r.Timestamp).UTC()
	return models.Bar{
		Instrument: strings.ToUpper(instrument),
		Timestamp:  ts,
		SourceTime: ts,
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
		Source:     models.BarSourceHistorical,
	}
}

func rowOf(b models.Bar) barRow {
	return barRow{
		Instrument: b.Instrument,
		Timestamp:  b.Timestamp.UnixMilli(),
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
	}
}

// convert turns rows into validated bars sorted by timestamp. Invalid rows
// are counted, not returned.
func convert(rows []barRow, instrument string) ([]models.Bar, int) {
	bars := make([]models.Bar, 0, len(rows))
	rejected := 0
	for _, r := range rows {
		b := r.bar(instrument).Normalized()
		if b.Validate() != nil || b.Instrument == "" {
			rejected++
			continue
		}
		bars = append(bars, b)
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, rejected
}

// ReadCSV parses bar rows with header instrument,t,o,h,l,c,v. Rows with an
// empty instrument take the given default.
func ReadCSV(r io.Reader, instrument string) ([]models.Bar, int, error) {
	var rows []barRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, 0, apperrors.NewDataError("csv", instrument, "failed to parse bars", err)
	}
	bars, rejected := convert(rows, instrument)
	return bars, rejected, nil
}

// WriteCSV writes bars in the CSV layout read by ReadCSV.
func WriteCSV(w io.Writer, bars []models.Bar) error {
	rows := make([]barRow, len(bars))
	for i, b := range bars {
		rows[i] = rowOf(b)
	}
	return gocsv.Marshal(&rows, w)
}

// ReadParquetFile loads bars from a Parquet file.
func ReadParquetFile(path, instrument string) ([]models.Bar, int, error) {
	rows, err := parquet.ReadFile[barRow](path)
	if err != nil {
		return nil, 0, apperrors.NewDataError("parquet", instrument, "failed to read "+path, err)
	}
	bars, rejected := convert(rows, instrument)
	return bars, rejected, nil
}

// WriteParquetFile writes bars to a Parquet file.
func WriteParquetFile(path string, bars []models.Bar) error {
	rows := make([]barRow, len(bars))
	for i, b := range bars {
		rows[i] = rowOf(b)
	}
	return parquet.WriteFile(path, rows)
}

// FormatOf infers the file format from the extension.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".parquet", ".pq":
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported bar file %q (want .csv or .parquet)", path)
	}
}

// ReadFile loads a CSV or Parquet bar file. The default instrument is taken
// from the file name (ES.csv, ES_2025-03-03.parquet) when rows carry none.
func ReadFile(path string) ([]models.Bar, int, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, 0, err
	}
	instrument := instrumentFromName(path)
	if format == FormatParquet {
		return ReadParquetFile(path, instrument)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, apperrors.NewDataError("csv", instrument, "failed to read "+path, err)
	}
	return ReadCSV(bytes.NewReader(data), instrument)
}

func instrumentFromName(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.IndexByte(base, '_'); i > 0 {
		base = base[:i]
	}
	return strings.ToUpper(base)
}

type cachedFile struct {
	modTime time.Time
	bars    []models.Bar
}

// FileSource serves historical bars from a directory holding one file per
// instrument, <dir>/<INSTRUMENT>.<format>. Files are re-read when modified.
type FileSource struct {
	dir    string
	format string

	mu    sync.Mutex
	cache map[string]cachedFile
}

// NewFileSource creates a file-backed backfill provider.
func NewFileSource(dir, format string) (*FileSource, error) {
	if format != FormatCSV && format != FormatParquet {
		return nil, fmt.Errorf("unsupported bar file format %q", format)
	}
	return &FileSource{dir: dir, format: format, cache: make(map[string]cachedFile)}, nil
}

// Path returns the file consulted for instrument.
func (s *FileSource) Path(instrument string) string {
	return filepath.Join(s.dir, strings.ToUpper(instrument)+"."+s.format)
}

// Bars returns bars with from <= timestamp < to. A missing file yields no
// bars and no error.
func (s *FileSource) Bars(ctx context.Context, instrument string, from, to time.Time) ([]models.Bar, error) {
	all, err := s.load(instrument)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lo := sort.Search(len(all), func(i int) bool { return !all[i].Timestamp.Before(from) })
	hi := sort.Search(len(all), func(i int) bool { return !all[i].Timestamp.Before(to) })
	if lo >= hi {
		return nil, nil
	}
	out := make([]models.Bar, hi-lo)
	copy(out, all[lo:hi])
	return out, nil
}

func (s *FileSource) load(instrument string) ([]models.Bar, error) {
	path := s.Path(instrument)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDataError(s.format, instrument, "failed to stat "+path, err)
	}

	key := strings.ToUpper(instrument)
	s.mu.Lock()
	c, ok := s.cache[key]
	s.mu.Unlock()
	if ok && c.modTime.Equal(info.ModTime()) {
		return c.bars, nil
	}

	var bars []models.Bar
	if s.format == FormatParquet {
		bars, _, err = ReadParquetFile(path, key)
	} else {
		bars, _, err = ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = cachedFile{modTime: info.ModTime(), bars: bars}
	s.mu.Unlock()
	return bars, nil
}
