package tasks

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task or session id is unknown.
	ErrNotFound = errors.New("task not found")
	// ErrAlreadyTerminal is returned when a status update targets a task
	// that already reached completed, error, or cancelled. Terminal states
	// accept no further transitions; Resume is the one sanctioned way back.
	ErrAlreadyTerminal = errors.New("task already in a terminal status")
)

// CapacityError reports a refused launch with the counts that refused it.
type CapacityError struct {
	Running int
	Queued  int
	Limit   int
	// QueueOnly marks refusal by the stricter queued-only ceiling rather
	// than the tasks-in-flight ceiling.
	QueueOnly bool
}

func (e *CapacityError) Error() string {
	if e.QueueOnly {
		return fmt.Sprintf("task queue full: %d queued (limit %d)", e.Queued, e.Limit)
	}
	return fmt.Sprintf("task capacity reached: %d running, %d queued (limit %d)", e.Running, e.Queued, e.Limit)
}
