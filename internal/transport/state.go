package transport

// State is the lifecycle of a Conn. Connecting resolves to Open or falls
// back to Disconnected.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// StateChange describes a transition reported to the Handler.
//
// Reconnected is set on transitions made by the automatic reconnect path.
// Final marks a Disconnected state that no automatic reconnect will follow,
// either because Disconnect was called, the server closed cleanly, or the
// attempts were exhausted (Exhausted).
type StateChange struct {
	State       State
	Reconnected bool
	Final       bool
	Exhausted   bool
}
