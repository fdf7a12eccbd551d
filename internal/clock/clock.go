// Package clock provides wall-clock access and exchange timezone conversion.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DateLayout is the trading date format used in plans and journal paths.
const DateLayout = "2006-01-02"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Real is the system clock.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a settable clock for tests and replay.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t.UTC()}
}

// Now returns the clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t. Moving backwards is ignored.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.now) {
		m.now = t.UTC()
	}
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	return m.now
}

// TimeService converts exchange wall-clock times into UTC instants.
type TimeService struct {
	location *time.Location
	clock    Clock
}

// NewTimeService creates a time service for the named timezone.
func NewTimeService(timezone string, c Clock) (*TimeService, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", timezone, err)
	}
	if c == nil {
		c = Real{}
	}
	return &TimeService{location: loc, clock: c}, nil
}

// Location returns the exchange timezone.
func (s *TimeService) Location() *time.Location {
	return s.location
}

// Now returns the current UTC time.
func (s *TimeService) Now() time.Time {
	return s.clock.Now().UTC()
}

// Clock returns the underlying clock.
func (s *TimeService) Clock() Clock {
	return s.clock
}

// TradingDate returns the exchange-local date of t.
func (s *TimeService) TradingDate(t time.Time) string {
	return t.In(s.location).Format(DateLayout)
}

// Today returns the current exchange-local trading date.
func (s *TimeService) Today() string {
	return s.TradingDate(s.Now())
}

// At converts an "HH:MM" exchange time on a trading date to UTC.
// DST transitions are resolved by time.Date.
func (s *TimeService) At(date, hhmm string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, date, s.location)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid trading date %q: %w", date, err)
	}
	hour, minute, err := parseHHMM(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	local := time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, s.location)
	return local.UTC(), nil
}

func parseHHMM(s string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid HH:MM time %q", s)
	}
	return t.Hour(), t.Minute(), nil
}
