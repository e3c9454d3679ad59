package relay

// State is the backend socket state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

// States lists every state, for metrics.
var States = []string{"idle", "connecting", "open", "closed"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(States) {
		return States[s]
	}
	return "unknown"
}

// canConnect reports whether no socket exists in state s.
func (s State) canConnect() bool {
	return s == StateIdle || s == StateClosed
}
