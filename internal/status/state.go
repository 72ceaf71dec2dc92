package status

// State is a supervisor lifecycle state as reported to readers.
type State string

const (
	StateInitializing State = "initializing"
	StateCloning      State = "cloning"
	StateRunning      State = "running"
	StateUpdating     State = "updating"
	StateCrashed      State = "crashed"
	StateFailed       State = "failed"
)

func (s State) String() string { return string(s) }

// Terminal reports whether the supervisor instance is finished in this state.
func (s State) Terminal() bool { return s == StateFailed }
