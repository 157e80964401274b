package client

import (
	"time"

	"github.com/juju/clock"
)

// Clock creates the timers behind reconnect backoff and the idle check.
// clock.WallClock satisfies it.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clock.Timer
}
