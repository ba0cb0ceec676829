package orchestrator

// State is a step of an operation's lifecycle.
type State int

const (
	Idle State = iota
	Preparing
	ServicesStopping
	Executing
	ServicesStarting
	Done
	Failed
)

var stateNames = [...]string{
	Idle:             "idle",
	Preparing:        "preparing",
	ServicesStopping: "services-stopping",
	Executing:        "executing",
	ServicesStarting: "services-starting",
	Done:             "done",
	Failed:           "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Result describes how an operation ended.
type Result struct {
	State State
	// Trace lists every state entered, in order, starting after Idle.
	Trace []State
	// Warnings are problems that did not stop the operation.
	Warnings []error
	// Output is the backup tool's stdout for operations run in-process.
	Output string
}
