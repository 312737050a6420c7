package realtime

import "fmt"

type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateActive
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StateObserver is called after every transition, outside the controller lock.
type StateObserver func(prev, next SessionState)
