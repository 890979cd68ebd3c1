// Package loop provides the main execution state machine for Ralph.
package loop

import (
	"github.com/prpkit/ralph/internal/advisor"
	"github.com/prpkit/ralph/internal/checks"
)

// EventType represents the type of a loop event.
type EventType string

const (
	// EventStarted is emitted when the loop starts.
	EventStarted EventType = "started"
	// EventIterationStart is emitted at the start of each iteration.
	EventIterationStart EventType = "iteration_start"
	// EventAdvisory is emitted with the advisor's pre-work findings.
	EventAdvisory EventType = "advisory"
	// EventWorkStart is emitted when the worker begins an iteration's work.
	EventWorkStart EventType = "work_start"
	// EventWorkEnd is emitted when the worker finishes.
	EventWorkEnd EventType = "work_end"
	// EventChecksComplete is emitted with the full validation result set.
	EventChecksComplete EventType = "checks_complete"
	// EventRecorded is emitted after the outcome is written to memory.
	EventRecorded EventType = "recorded"
	// EventIterationEnd is emitted at the end of each iteration.
	EventIterationEnd EventType = "iteration_end"
	// EventComplete is emitted on the COMPLETE transition.
	EventComplete EventType = "complete"
	// EventAborted is emitted on the ABORTED transition.
	EventAborted EventType = "aborted"
	// EventError is emitted when an iteration fails with an error.
	EventError EventType = "error"
)

// Event represents an event emitted by the loop.
type Event struct {
	Type      EventType
	Iteration int
	MaxIter   int
	Message   string
	Advisory  *advisor.Advisory // For EventAdvisory events
	Results   []checks.Result   // For EventChecksComplete events
	Error     error
}

// NewEvent creates a new loop event with the given type and message.
func NewEvent(t EventType, iter, maxIter int, msg string) Event {
	return Event{
		Type:      t,
		Iteration: iter,
		MaxIter:   maxIter,
		Message:   msg,
	}
}

// NewErrorEvent creates a new error event.
func NewErrorEvent(iter, maxIter int, err error) Event {
	return Event{
		Type:      EventError,
		Iteration: iter,
		MaxIter:   maxIter,
		Error:     err,
		Message:   err.Error(),
	}
}

// NewAdvisoryEvent creates an event carrying the advisor's findings.
func NewAdvisoryEvent(iter, maxIter int, adv advisor.Advisory) Event {
	return Event{
		Type:      EventAdvisory,
		Iteration: iter,
		MaxIter:   maxIter,
		Advisory:  &adv,
		Message:   "Advisory compiled",
	}
}

// NewChecksEvent creates an event carrying the full validation results.
func NewChecksEvent(iter, maxIter int, results []checks.Result) Event {
	return Event{
		Type:      EventChecksComplete,
		Iteration: iter,
		MaxIter:   maxIter,
		Results:   results,
		Message:   "Validation checks finished",
	}
}
