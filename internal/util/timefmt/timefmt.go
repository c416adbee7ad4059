package timefmt

import "time"

// ISO8601 is the ISO-8601 format used for timestamp serialization.
// Second resolution only: session and queue timestamps are stored as
// unix seconds, so sub-second digits would be noise.
const ISO8601 = "2006-01-02T15:04:05Z"

// Format formats a time.Time to the standard string representation.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// FromUnix converts a stored unix-seconds value to a UTC time.Time.
func FromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
