package feed

import (
	"context"
	"sort"
	"time"

	"breakout-trader/internal/broker"
	"breakout-trader/internal/clock"
	"breakout-trader/internal/models"
)

// ReplayFeed plays stored bars in timestamp order, tagged as replay. When a
// manual clock is attached, time jumps to each bar's close (plus Lag) before
// the bar is delivered and OnAdvance runs so periodic work can catch up.
type ReplayFeed struct {
	bars []models.Bar

	// Speed scales real time between bars; 0 replays as fast as possible.
	Speed float64
	// Lag is how long after a bar's close it is delivered.
	Lag       time.Duration
	Clock     *clock.Manual
	OnAdvance func(now time.Time)
}

// NewReplayFeed builds a replay over bars.
func NewReplayFeed(bars []models.Bar) *ReplayFeed {
	sorted := make([]models.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	return &ReplayFeed{bars: sorted}
}

// LoadReplay fetches bars of every instrument for [from, to) from a
// historical provider.
func LoadReplay(ctx context.Context, src broker.BackfillProvider, instruments []string, from, to time.Time) (*ReplayFeed, error) {
	var all []models.Bar
	for _, inst := range instruments {
		bars, err := src.Bars(ctx, inst, from, to)
		if err != nil {
			return nil, err
		}
		all = append(all, bars...)
	}
	return NewReplayFeed(all), nil
}

// Len returns the number of bars to replay.
func (r *ReplayFeed) Len() int {
	return len(r.bars)
}

// Run delivers every bar and returns nil when the replay is exhausted.
func (r *ReplayFeed) Run(ctx context.Context, deliver func(models.Bar)) error {
	var prev time.Time
	for _, b := range r.bars {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if r.Speed > 0 && !prev.IsZero() {
			if wait := time.Duration(float64(b.Timestamp.Sub(prev)) / r.Speed); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil
				case <-t.C:
				}
			}
		}
		prev = b.Timestamp

		if r.Clock != nil {
			r.Clock.Set(b.EndTime().Add(r.Lag))
			if r.OnAdvance != nil {
				r.OnAdvance(r.Clock.Now())
			}
		}
		b.Source = models.BarSourceReplay
		deliver(b)
	}
	return nil
}
