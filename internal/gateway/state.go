package gateway

// State is the connection manager's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateOpen
	StateClosing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateChange is the data of a connection.state bus event.
type StateChange struct {
	From      State  `json:"from"`
	To        State  `json:"to"`
	SessionID string `json:"session_id,omitempty"`
}
