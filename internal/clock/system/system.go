// Package system provides the wall clock used to stamp cached chapters and
// fiction refreshes.
package system

import "time"

// Clock implements fiction.Clock using time.Now. Readings are UTC and
// truncated to microseconds so they round-trip through Postgres timestamps.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Fixed is a clock frozen at one instant.
type Fixed time.Time

// Now returns the frozen instant.
func (f Fixed) Now() time.Time {
	return time.Time(f)
}
