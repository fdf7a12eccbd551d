package cli

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// FormatPrice formats a price on the market's tick grid. A tick size of zero
// falls back to two decimals.
func FormatPrice(price, tick float64) string {
	if math.IsNaN(price) {
		return "-"
	}
	return fmt.Sprintf("%.*f", tickDecimals(tick), price)
}

// tickDecimals is the number of decimals needed to print multiples of tick.
func tickDecimals(tick float64) int {
	if tick <= 0 {
		return 2
	}
	for d := 0; d <= 6; d++ {
		scaled := tick * math.Pow10(d)
		if math.Abs(scaled-math.Round(scaled)) < 1e-9 {
			return d
		}
	}
	return 6
}

// FormatClock formats a time as exchange wall-clock.
func FormatClock(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("15:04:05")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "-" + FormatDuration(-d)
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// ShortHash shortens a content hash for display.
func ShortHash(h string) string {
	return TruncateString(h, 12)
}

// TruncateString truncates a string to maxLen runes, adding an ellipsis.
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

// PadRight pads a string to the right.
func PadRight(s string, length int) string {
	if len(s) >= length {
		return s
	}
	return s + strings.Repeat(" ", length-len(s))
}
