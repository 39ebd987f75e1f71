package station

import "time"

// Clock supplies the current time. Progress integration and billing windows
// are driven through it so tests can run deterministic scenarios.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
