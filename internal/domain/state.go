package domain

import (
	"fmt"
	"strings"
	"time"
)

// State is the derived lifecycle state of one operation slot. It is never
// persisted: it is rebuilt from the record's field values on every call.
type State string

const (
	StatePending    State = "PENDING"
	StateInProgress State = "IN_PROGRESS"
	StatePaused     State = "PAUSED"
	StateCompleted  State = "COMPLETED"
)

// Event drives a transition of the per-operation state machine
type Event string

const (
	EventBegin  Event = "begin"
	EventResume Event = "resume"
	EventPause  Event = "pause"
	EventFinish Event = "finish"
)

// Snapshot is the minimal field set hydration reads
type Snapshot struct {
	Occupant       string
	AssignedWorker string
	CompletedAt    *time.Time
}

// Hydration is the result of deriving a state from a Snapshot
type Hydration struct {
	State State
	// Torn is set when the occupant is present without an assigned worker,
	// i.e. a previous BEGIN was cut off between its field writes.
	Torn bool
}

// Hydrate derives the state of an operation slot. Precedence:
// completion, then paused, then in progress, then the torn-write recovery
// case, then pending.
func Hydrate(s Snapshot) Hydration {
	occupied := s.Occupant != ""
	assigned := s.AssignedWorker != ""

	switch {
	case s.CompletedAt != nil:
		return Hydration{State: StateCompleted}
	case assigned && !occupied:
		return Hydration{State: StatePaused}
	case assigned && occupied:
		return Hydration{State: StateInProgress}
	case occupied:
		return Hydration{State: StateInProgress, Torn: true}
	default:
		return Hydration{State: StatePending}
	}
}

type transitionKey struct {
	from  State
	event Event
}

var transitions = map[transitionKey]State{
	{StatePending, EventBegin}:     StateInProgress,
	{StatePaused, EventResume}:     StateInProgress,
	{StateInProgress, EventPause}:  StatePaused,
	{StateInProgress, EventFinish}: StateCompleted,
}

// StateMachine is a throwaway, in-memory machine for one operation slot.
type StateMachine struct {
	operation OperationType
	current   State
	torn      bool
}

// NewStateMachine builds a machine positioned at the hydrated state.
func NewStateMachine(op OperationType, h Hydration) *StateMachine {
	return &StateMachine{operation: op, current: h.State, torn: h.Torn}
}

// Current returns the machine's state.
func (m *StateMachine) Current() State {
	return m.current
}

// Torn reports whether the machine was hydrated through the recovery path.
func (m *StateMachine) Torn() bool {
	return m.torn
}

// Can reports whether event is valid from the current state.
func (m *StateMachine) Can(event Event) bool {
	_, ok := transitions[transitionKey{m.current, event}]
	return ok
}

// Fire applies event and returns the new state.
func (m *StateMachine) Fire(event Event) (State, error) {
	next, ok := transitions[transitionKey{m.current, event}]
	if !ok {
		return m.current, &InvalidTransitionError{Operation: m.operation, From: m.current, Event: event}
	}
	// Pausing a torn slot has no assigned worker to keep, so it lands on pending.
	if m.torn && event == EventPause {
		next = StatePending
	}
	m.current = next
	m.torn = false
	return next, nil
}

// StartEvent picks the event a BEGIN call fires from the given state.
func StartEvent(s State) Event {
	if s == StatePaused {
		return EventResume
	}
	return EventBegin
}

// StatusLabel renders the free-text, display-only status of a slot.
func StatusLabel(op OperationType, s State, workerID string) string {
	name := strings.ToUpper(string(op))
	switch s {
	case StateInProgress:
		return fmt.Sprintf("%s IN PROGRESS (%s)", name, workerID)
	case StatePaused:
		return fmt.Sprintf("%s PAUSED", name)
	case StateCompleted:
		return fmt.Sprintf("%s COMPLETED (%s)", name, workerID)
	default:
		return fmt.Sprintf("%s PENDING", name)
	}
}
