// Package utils provides utility functions for the application.
package utils

import (
	"time"
)

// UTCNow returns the current time in UTC
func UTCNow() time.Time {
	return time.Now().UTC()
}

// UTCNowPtr returns a pointer to the current time in UTC
func UTCNowPtr() *time.Time {
	now := UTCNow()
	return &now
}

// Millis converts a millisecond count stored in the database into a duration
func Millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// IsStale reports whether t is nil or older than maxAge relative to now
func IsStale(t *time.Time, now time.Time, maxAge time.Duration) bool {
	if t == nil {
		return true
	}
	return now.Sub(*t) >= maxAge
}
