// human readable representations of values shown to operators
package model

import (
	"fmt"
	"time"
)

// FormatDuration renders d truncated to whole seconds as 1h02m03s, 2m03s or 3s.
// Negative durations render as 0s.
func FormatDuration(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
