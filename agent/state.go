package agent

// State is the execution state of an agent.
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateSuspended
	StateCompleted
	StateTrapped
	StateCancelled
	StateClosed
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StateRunning:   "running",
	StateSuspended: "suspended",
	StateCompleted: "completed",
	StateTrapped:   "trapped",
	StateCancelled: "cancelled",
	StateClosed:    "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// acceptsCall reports whether a new top-level call may start in s.
func (s State) acceptsCall() bool {
	switch s {
	case StateIdle, StateCompleted, StateTrapped, StateCancelled:
		return true
	}
	return false
}

// Statistics are the counters maintained by an agent.
type Statistics struct {
	InstructionsExecuted uint64
	FuelConsumed         uint64
	FunctionCalls        uint64
	HostCalls            uint64
	ResourcesAllocated   uint64
	ResourcesDropped     uint64
	BorrowsReleased      uint64
	AsyncSuspensions     uint64
	AsyncResumptions     uint64
	AsyncCancellations   uint64
	CFIChecks            uint64
	CFIViolations        uint64
	StacklessFrames      uint64
	Traps                uint64
	MaxStackDepth        int
}

// StepStatus tells whether a run finished or suspended again.
type StepStatus uint8

const (
	StepCompleted StepStatus = iota
	StepSuspended
)

func (s StepStatus) String() string {
	if s == StepSuspended {
		return "suspended"
	}
	return "completed"
}
