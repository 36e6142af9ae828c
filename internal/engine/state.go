package engine

import "fmt"

// BatchEvent drives the batch state machine.
type BatchEvent string

const (
	EventStart  BatchEvent = "start"
	EventFinish BatchEvent = "finish"
	EventCancel BatchEvent = "cancel"
	EventFault  BatchEvent = "fault"
)

var stateTransitions = map[BatchState]map[BatchEvent]BatchState{
	StateCreated: {
		EventStart:  StateRunning,
		EventCancel: StateCancelled,
		EventFault:  StateFailed,
	},
	StateRunning: {
		EventFinish: StateCompleted,
		EventCancel: StateCancelled,
	},
	StateCompleted: {},
	StateCancelled: {},
	StateFailed:    {},
}

func advanceState(current BatchState, event BatchEvent) (BatchState, error) {
	nextByEvent, ok := stateTransitions[current]
	if !ok {
		return current, fmt.Errorf("unknown state %q", current)
	}
	next, ok := nextByEvent[event]
	if !ok {
		return current, fmt.Errorf("%w: state %q does not allow event %q", ErrInvalidTransition, current, event)
	}
	return next, nil
}
