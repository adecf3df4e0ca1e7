package utils

import (
	"fmt"
	"time"
)

// Age renders a duration as a short relative age for display, "3 h" or
// "2 d". Negative durations happen when a provider timestamp runs ahead
// of the local clock and render as "now".
func Age(duration time.Duration) string {
	if duration < 0 {
		return "now"
	}

	steps := []struct {
		unit  time.Duration
		label string
	}{
		{365 * 24 * time.Hour, "y"},
		{30 * 24 * time.Hour, "mo"},
		{7 * 24 * time.Hour, "w"},
		{24 * time.Hour, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
	}

	for _, step := range steps {
		if duration >= step.unit {
			return fmt.Sprintf("%d %s", duration/step.unit, step.label)
		}
	}

	return fmt.Sprintf("%d s", duration/time.Second)
}
