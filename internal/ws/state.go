package ws

// State is the lifecycle position of a trip's channel.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Live reports whether the state blocks a new connection attempt.
func (s State) Live() bool {
	return s == Connecting || s == Open
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
