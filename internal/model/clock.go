package model

import "time"

// Clock supplies wall-clock time for expiry and throttling decisions.
// Ordering never depends on it; see PendingMutation.Seq.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }
