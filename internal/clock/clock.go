package clock

import "time"

// Clock is the time source used by jobs and the audit chain.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always returns the same instant. Tests use it to pin hashes and
// "today" boundaries.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time {
	return f.T
}
