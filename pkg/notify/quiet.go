package notify

import (
	"time"

	"github.com/evetactical/gatewatch/pkg/config"
)

// quietActive reports whether now falls inside the profile's quiet window.
//
// The comparison is on the wall clock in the profile's zone, which gives the
// required transition behavior for free: on spring-forward days the skipped
// local times never appear on the clock, so a window opening at a nonexistent
// time begins at the next instant the clock shows a time inside the window;
// on fall-back days the repeated hour reads as quiet on both passes, starting
// from the first (pre-transition) occurrence.
func quietActive(q *config.QuietHours, now time.Time) bool {
	if q == nil || !q.Enabled {
		return false
	}
	// An unresolved window (loader bug) reads as disabled rather than
	// panicking on the nil location.
	if q.Location() == nil {
		return false
	}
	local := now.In(q.Location())
	minute := local.Hour()*60 + local.Minute()

	start, end := q.StartMinutes(), q.EndMinutes()
	if start == end {
		return false
	}
	if start < end {
		return minute >= start && minute < end
	}
	// Window spans midnight.
	return minute >= start || minute < end
}
