package client

// State is the connection state of a Consumer.
type State int

const (
	Closed State = iota
	Connecting
	Open
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}
