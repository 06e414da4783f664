// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock satisfies scrape.Clock. Every instant it returns is in UTC so cache
// expiries, attempt records and freshness ages compare without zone noise.
type Clock struct{}

// New returns a wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
