package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the occupation core unwraps to exactly
// one of these.
var (
	ErrAlreadyOccupied    = errors.New("work unit already occupied")
	ErrNotAuthorized      = errors.New("worker does not hold the lock")
	ErrLockExpired        = errors.New("no lock held for work unit")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrVersionConflict    = errors.New("version conflict")
	ErrPrerequisiteNotMet = errors.New("prerequisite not met")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrWorkUnitNotFound   = errors.New("work unit not found")
	ErrUnknownOperation   = errors.New("unknown operation")
)

// AlreadyOccupiedError is returned when another worker holds the lock
type AlreadyOccupiedError struct {
	WorkUnitID   string
	CurrentOwner string
}

func (e *AlreadyOccupiedError) Error() string {
	if e.CurrentOwner == "" {
		return fmt.Sprintf("work unit %s already occupied", e.WorkUnitID)
	}
	return fmt.Sprintf("work unit %s already occupied by %s", e.WorkUnitID, e.CurrentOwner)
}

func (e *AlreadyOccupiedError) Unwrap() error { return ErrAlreadyOccupied }

// VersionConflictError describes a conditional write that lost the race
type VersionConflictError struct {
	WorkUnitID string
	Expected   string
	Actual     string
	Operation  string
	RetryCount int
	MaxRetries int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s during %s: expected %q, found %q (attempt %d/%d)",
		e.WorkUnitID, e.Operation, e.Expected, e.Actual, e.RetryCount, e.MaxRetries)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// InvalidTransitionError is returned when the state machine rejects an event
type InvalidTransitionError struct {
	Operation OperationType
	From      State
	Event     Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s from state %s", e.Event, e.Operation, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// PrerequisiteError names the upstream dependency that is missing
type PrerequisiteError struct {
	WorkUnitID string
	Operation  OperationType
	Missing    string
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("cannot start %s on %s: %s", e.Operation, e.WorkUnitID, e.Missing)
}

func (e *PrerequisiteError) Unwrap() error { return ErrPrerequisiteNotMet }

// Unavailable wraps a transient I/O failure from an external store.
func Unavailable(store string, err error) error {
	return fmt.Errorf("%s: %w: %w", store, ErrStoreUnavailable, err)
}

// IsConflict reports whether err is a retryable, conflict-class error.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyOccupied) || errors.Is(err, ErrVersionConflict)
}
