package stream

import (
	"fmt"
	"time"

	"breakout-trader/internal/models"
)

// GapBudget bounds missing data inside the range window. A gap is the time
// between two consecutive in-window bars beyond one bar period. Zero limits
// are disabled.
type GapBudget struct {
	MaxSingle      time.Duration
	MaxTotal       time.Duration
	TrailingWindow time.Duration
	MaxTrailing    time.Duration
}

type gap struct {
	start time.Time // first missing bar
	end   time.Time // open of the bar after the gap
}

func (g gap) size() time.Duration {
	return g.end.Sub(g.start)
}

// GapStats summarizes the gaps of a bar sequence.
type GapStats struct {
	Largest     time.Duration
	Total       time.Duration
	MaxTrailing time.Duration
	Count       int
}

// findGaps returns the gaps between consecutive bars of a sorted sequence.
func findGaps(bars []models.Bar) []gap {
	var gaps []gap
	for i := 1; i < len(bars); i++ {
		start := bars[i-1].Timestamp.Add(models.BarPeriod)
		if bars[i].Timestamp.After(start) {
			gaps = append(gaps, gap{start: start, end: bars[i].Timestamp})
		}
	}
	return gaps
}

// measure computes gap statistics, including the worst amount of missing
// time inside any trailing window that ends at a gap's end.
func (b GapBudget) measure(bars []models.Bar) GapStats {
	gaps := findGaps(bars)
	var st GapStats
	st.Count = len(gaps)
	for i, g := range gaps {
		sz := g.size()
		st.Total += sz
		if sz > st.Largest {
			st.Largest = sz
		}
		if b.TrailingWindow <= 0 {
			continue
		}
		from := g.end.Add(-b.TrailingWindow)
		var inWindow time.Duration
		for _, h := range gaps[:i+1] {
			s := h.start
			if s.Before(from) {
				s = from
			}
			if h.end.After(s) {
				inWindow += h.end.Sub(s)
			}
		}
		if inWindow > st.MaxTrailing {
			st.MaxTrailing = inWindow
		}
	}
	return st
}

// Check returns a violation description, or "" when the budget holds.
func (b GapBudget) Check(bars []models.Bar) string {
	st := b.measure(bars)
	switch {
	case b.MaxSingle > 0 && st.Largest > b.MaxSingle:
		return fmt.Sprintf("single gap %s exceeds %s", st.Largest, b.MaxSingle)
	case b.MaxTotal > 0 && st.Total > b.MaxTotal:
		return fmt.Sprintf("cumulative gaps %s exceed %s", st.Total, b.MaxTotal)
	case b.TrailingWindow > 0 && b.MaxTrailing > 0 && st.MaxTrailing > b.MaxTrailing:
		return fmt.Sprintf("gaps of %s within trailing %s exceed %s", st.MaxTrailing, b.TrailingWindow, b.MaxTrailing)
	}
	return ""
}
