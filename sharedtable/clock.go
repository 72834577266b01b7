package sharedtable

import "time"

// Clock is the injectable time source used by the scan soft time limit and
// the mapping cache TTL.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}
