package orchestrator

import "fmt"

// BusyError is returned when a caller submits a task while another task is
// already RUNNING or still queued.
type BusyError struct{}

func (e *BusyError) Error() string { return "orchestrator is busy running a task" }

// NotRunningError is returned by pause/resume/steer when no task is active,
// and by resume when the running task is not paused.
type NotRunningError struct{}

func (e *NotRunningError) Error() string { return "no task is currently running" }

// stepError wraps the error reason attached to a terminal task state.
type stepError struct {
	Reason string
}

func (e *stepError) Error() string { return fmt.Sprintf("%s", e.Reason) }
