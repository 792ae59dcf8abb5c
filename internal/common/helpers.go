// Package common contains small utilities used across the project:
// credit formatting, pluralization and time helpers.
package common

import (
	"fmt"
	"time"
)

// Pluralize returns singular for n == 1 or -1 and plural otherwise.
//
// Examples:
//
//	Pluralize(1, "credit", "credits")  → "credit"
//	Pluralize(25, "credit", "credits") → "credits"
func Pluralize(n int64, singular, plural string) string {
	if n == 1 || n == -1 {
		return singular
	}
	return plural
}

// FormatCredits formats a balance for display.
// Example: FormatCredits(75) → "75 credits"
func FormatCredits(n int64) string {
	return fmt.Sprintf("%d %s", n, Pluralize(n, "credit", "credits"))
}

// FormatVotes formats a vote count for display.
func FormatVotes(n int64) string {
	return fmt.Sprintf("%d %s", n, Pluralize(n, "vote", "votes"))
}

// LoadLocation resolves a timezone name, falling back to UTC.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FormatDateTime formats a timestamp as "02.01.2006 15:04" in the given location.
// Used for transaction history lines.
func FormatDateTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("02.01.2006 15:04")
}

// Now returns the current UTC time truncated to microseconds, the precision
// both storage backends keep.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
