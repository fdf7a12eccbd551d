// Package models provides domain models for the breakout execution core.
package models

import (
	"fmt"
	"time"
)

// BarSource tags where a bar came from.
type BarSource string

const (
	BarSourceHistorical BarSource = "historical"
	BarSourceLive       BarSource = "live"
	BarSourceReplay     BarSource = "replay"
)

// Precedence ranks sources when two bars share a timestamp.
// A higher value replaces a lower one in the stream buffer.
func (s BarSource) Precedence() int {
	switch s {
	case BarSourceLive:
		return 3
	case BarSourceHistorical:
		return 2
	case BarSourceReplay:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the source tag is known.
func (s BarSource) Valid() bool {
	return s.Precedence() > 0
}

// BarPeriod is the fixed bar granularity of every feed.
const BarPeriod = time.Minute

// Bar represents one OHLCV bar. Timestamp is the normalized UTC bar open time
// and is the ordering key; SourceTime keeps the feed's local timestamp.
type Bar struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	SourceTime time.Time `json:"source_time,omitempty"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`
	Source     BarSource `json:"source"`
}

// Validate checks OHLC consistency.
func (b Bar) Validate() error {
	if b.Timestamp.IsZero() {
		return fmt.Errorf("bar has zero timestamp")
	}
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return fmt.Errorf("bar has non-positive price")
	}
	if b.High < b.Low {
		return fmt.Errorf("bar high %.4f below low %.4f", b.High, b.Low)
	}
	if b.Open > b.High || b.Open < b.Low || b.Close > b.High || b.Close < b.Low {
		return fmt.Errorf("bar open/close outside high-low")
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar has negative volume")
	}
	return nil
}

// Normalized returns a copy with Timestamp in UTC, truncated to the bar period.
func (b Bar) Normalized() Bar {
	if b.SourceTime.IsZero() {
		b.SourceTime = b.Timestamp
	}
	b.Timestamp = b.Timestamp.UTC().Truncate(BarPeriod)
	return b
}

// EndTime returns the instant the bar closes.
func (b Bar) EndTime() time.Time {
	return b.Timestamp.Add(BarPeriod)
}

// Direction is the side of a breakout.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}
