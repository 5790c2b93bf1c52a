package channel

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a Connection.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// DefaultBackoff is the reconnect delay schedule. The first retry after
// a drop is immediate; later retries clamp at the last entry.
var DefaultBackoff = []time.Duration{
	0,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// Backoff returns the delay before retry number n (0-based). Values past
// the end of schedule clamp to the last entry. An empty schedule means
// no delay.
func Backoff(schedule []time.Duration, n int) time.Duration {
	if len(schedule) == 0 {
		return 0
	}

	if n < 0 {
		n = 0
	}

	if n >= len(schedule) {
		n = len(schedule) - 1
	}

	return schedule[n]
}
