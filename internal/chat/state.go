package chat

// State is a step of the request lifecycle. Failed is reachable from every other state.
type State int

const (
	StateResolveModel State = iota
	StateSelectKey
	StateDispatch
	StateAccount
	StateSettle
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateResolveModel: "resolve_model",
	StateSelectKey:    "select_key",
	StateDispatch:     "dispatch",
	StateAccount:      "account",
	StateSettle:       "settle",
	StateDone:         "done",
	StateFailed:       "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
