// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements pipeline.Clock.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds, the precision
// checkpoint timestamps keep across a round trip through Postgres. Truncating
// here means a NotBefore written and read back compares equal.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
