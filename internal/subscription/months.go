package subscription

import "time"

// AddMonth returns t moved one calendar month forward, clamped to the last
// day of the target month (Jan 31 becomes Feb 28 or 29).
func AddMonth(t time.Time) time.Time {
	y, m, d := t.Date()
	firstOfNext := time.Date(y, m+1, 1, 0, 0, 0, 0, t.Location())
	ny, nm, _ := firstOfNext.Date()

	if last := time.Date(ny, nm+1, 0, 0, 0, 0, 0, t.Location()).Day(); d > last {
		d = last
	}
	return time.Date(ny, nm, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
