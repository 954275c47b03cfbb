package transport

import "fmt"

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connection is a point-in-time copy of a Manager's connection record.
type Connection struct {
	State     State
	Attempts  int
	LastError error
}

func (c Connection) Live() bool {
	return c.State == StateConnected
}
