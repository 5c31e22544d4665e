// Package clock defines the time source used for poll scheduling and search windows.
package clock

import "time"

// Clock returns the current time and schedules waits (useful for testing).
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}
