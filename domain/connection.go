package domain

// GroupID identifies an encrypted group. The server never sees group state,
// only the id used for fan-out.
type GroupID string

// ConnectionState is the lifecycle of a client session.
// Connecting -> Open -> Closing -> Closed, and any state may jump straight
// to Closed on error or timeout. Closed is terminal.
type ConnectionState int

const (
	Connecting ConnectionState = iota
	Open
	Closing
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Open:
		return "Open"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	}
	return "Unknown"
}

// CanTransitionTo reports whether moving from s to next is a legal step.
func (s ConnectionState) CanTransitionTo(next ConnectionState) bool {
	if s == Closed {
		return false
	}
	if next == Closed {
		return true
	}
	switch s {
	case Connecting:
		return next == Open
	case Open:
		return next == Closing
	default:
		return false
	}
}
