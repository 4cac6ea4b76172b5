// Package cli provides formatting and rendering utilities for terminal output.
package cli

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/theirongolddev/tally/internal/model"
)

// FormatTokens formats a token count with human-readable suffixes.
// e.g., 1234 -> "1.2K", 1234567 -> "1.2M", 1234567890 -> "1.2B"
func FormatTokens(n int64) string {
	abs := n
	if abs < 0 {
		abs = -abs
	}

	switch {
	case abs >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1_000_000_000)
	case abs >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case abs >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return strconv.FormatInt(n, 10)
	}
}

// FormatCost formats an amount in dollars, with more precision for small
// amounts so sub-cent spend stays visible.
func FormatCost(m model.Money) string {
	usd := m.USD()
	switch {
	case usd >= 1000:
		return "$" + humanize.Comma(int64(math.Round(usd)))
	case usd >= 100:
		return fmt.Sprintf("$%.0f", usd)
	case usd >= 10:
		return fmt.Sprintf("$%.1f", usd)
	case usd >= 0.01 || usd == 0:
		return fmt.Sprintf("$%.2f", usd)
	default:
		return fmt.Sprintf("$%.4f", usd)
	}
}

// FormatNumber adds comma separators to an integer.
func FormatNumber(n int64) string {
	return humanize.Comma(n)
}

// FormatBytes formats a byte count, e.g. 1536 -> "1.5 kB".
func FormatBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.Bytes(uint64(-n))
	}
	return humanize.Bytes(uint64(n))
}

// FormatDuration formats a duration compactly.
// e.g., 1h2m5s -> "1h 2m", 125s -> "2m", 45s -> "45s", 300ms -> "300ms"
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}

	secs := int64(d / time.Second)
	hours := secs / 3600
	mins := (secs % 3600) / 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%ds", secs)
}

// FormatAgo formats a past time relative to now, e.g. "3 hours ago".
// The zero time renders as "never".
func FormatAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

// FormatTime formats a timestamp in local time, or "-" when unknown.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// FormatChange formats a signed metric change, e.g. "+1.5" or "-3".
func FormatChange(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if v > 0 {
		return "+" + s
	}
	return s
}

// FormatPercent formats a 0-1 float as a percentage string.
func FormatPercent(f float64) string {
	return fmt.Sprintf("%.1f%%", f*100)
}

// Truncate shortens s to n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n || n < 1 {
		return s
	}
	return string(r[:n-1]) + "…"
}
