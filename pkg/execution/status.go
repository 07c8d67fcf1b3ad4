package execution

// Status is the run-time state of a node execution.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
	StatusExpired   Status = "EXPIRED"
)

var transitions = map[Status][]Status{
	StatusCreated: {StatusRunning, StatusSkipped, StatusFailed, StatusExpired},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusSkipped, StatusExpired},
}

// IsTerminal reports whether no further transition is legal.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusExpired:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	return s == StatusCreated || s == StatusRunning || s.IsTerminal()
}

// CanTransitionTo reports whether s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsSuccessful reports whether s lets the chain continue.
func (s Status) IsSuccessful() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

// Mode is how a node execution is carried out.
type Mode string

const (
	ModeSync     Mode = "SYNC"
	ModeAsync    Mode = "ASYNC"
	ModeChild    Mode = "CHILD"
	ModeChildren Mode = "CHILDREN"
	ModeSkip     Mode = "SKIP"
)
