package config

import "time"

// IsQuiet reports whether t falls inside the configured quiet-hours
// window, evaluated in the configured timezone. The window may wrap
// midnight: quietStart=23, quietEnd=8 covers 23:00..07:59. The end
// hour itself is outside the window.
func (c *Config) IsQuiet(t time.Time) bool {
	if !c.QuietHoursConfigured() {
		return false
	}
	h := t.In(c.Location).Hour()
	start, end := c.QuietStart, c.QuietEnd
	if start == end {
		// Degenerate window: quiet hours cover the whole day.
		return true
	}
	if start < end {
		return h >= start && h < end
	}
	// Wrap-around window.
	return h >= start || h < end
}
