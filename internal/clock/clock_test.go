package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeService_At(t *testing.T) {
	ts, err := NewTimeService("America/Chicago", NewManual(time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	got, err := ts.At("2025-03-03", "08:00")
	require.NoError(t, err)
	// CST is UTC-6 before the March DST switch.
	assert.Equal(t, time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC), got)

	got, err = ts.At("2025-07-01", "08:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 1, 13, 0, 0, 0, time.UTC), got)

	_, err = ts.At("2025-07-01", "8am")
	assert.Error(t, err)
	_, err = ts.At("07/01/2025", "08:00")
	assert.Error(t, err)
}

func TestTimeService_TradingDate(t *testing.T) {
	ts, err := NewTimeService("America/Chicago", nil)
	require.NoError(t, err)

	// 03:00 UTC is still the previous evening in Chicago.
	assert.Equal(t, "2025-03-02", ts.TradingDate(time.Date(2025, 3, 3, 3, 0, 0, 0, time.UTC)))
}

func TestNewTimeService_BadZone(t *testing.T) {
	_, err := NewTimeService("Mars/Olympus", nil)
	assert.Error(t, err)
}

func TestManual(t *testing.T) {
	start := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	c := NewManual(start)
	assert.Equal(t, start, c.Now())

	c.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), c.Now())

	c.Set(start)
	assert.Equal(t, start.Add(time.Minute), c.Now(), "manual clock must not go backwards")

	c.Set(start.Add(time.Hour))
	assert.Equal(t, start.Add(time.Hour), c.Now())
}
