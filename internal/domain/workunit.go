package domain

import (
	"time"
)

// OperationType identifies an operation slot on a work unit
type OperationType string

const (
	OperationAssembly OperationType = "assembly"
	OperationWeld     OperationType = "weld"
)

// WorkUnit is the record the external store owns. It is only ever
// read-modified-written; this service never holds it across calls.
type WorkUnit struct {
	ID               string                           `bson:"workUnitId" json:"workUnitId"`
	Version          string                           `bson:"version" json:"version"`
	Occupant         *string                          `bson:"occupant,omitempty" json:"occupant,omitempty"`
	OccupiedAt       *time.Time                       `bson:"occupiedAt,omitempty" json:"occupiedAt,omitempty"`
	MaterialsReadyAt *time.Time                       `bson:"materialsReadyAt,omitempty" json:"materialsReadyAt,omitempty"`
	Operations       map[OperationType]*OperationSlot `bson:"operations,omitempty" json:"operations,omitempty"`
}

// OperationSlot holds the per-operation fields of a work unit
type OperationSlot struct {
	AssignedWorker *string    `bson:"assignedWorker,omitempty" json:"assignedWorker,omitempty"`
	StartedAt      *time.Time `bson:"startedAt,omitempty" json:"startedAt,omitempty"`
	CompletedAt    *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
	StatusLabel    string     `bson:"statusLabel,omitempty" json:"statusLabel,omitempty"`
}

// Slot returns the slot for op, or an empty slot if none has been written yet.
func (w *WorkUnit) Slot(op OperationType) OperationSlot {
	if w.Operations == nil {
		return OperationSlot{}
	}
	if s, ok := w.Operations[op]; ok && s != nil {
		return *s
	}
	return OperationSlot{}
}

// OccupantID returns the occupant or "" when the unit is free.
func (w *WorkUnit) OccupantID() string {
	if w.Occupant == nil {
		return ""
	}
	return *w.Occupant
}

// Snapshot extracts the fields hydration depends on for op.
func (w *WorkUnit) Snapshot(op OperationType) Snapshot {
	slot := w.Slot(op)
	return Snapshot{
		Occupant:       w.OccupantID(),
		AssignedWorker: deref(slot.AssignedWorker),
		CompletedAt:    slot.CompletedAt,
	}
}

// Clone returns a deep copy so callers can mutate freely.
func (w *WorkUnit) Clone() *WorkUnit {
	if w == nil {
		return nil
	}
	out := *w
	out.Occupant = cloneString(w.Occupant)
	out.OccupiedAt = cloneTime(w.OccupiedAt)
	out.MaterialsReadyAt = cloneTime(w.MaterialsReadyAt)
	if w.Operations != nil {
		out.Operations = make(map[OperationType]*OperationSlot, len(w.Operations))
		for op, s := range w.Operations {
			if s == nil {
				continue
			}
			cp := *s
			cp.AssignedWorker = cloneString(s.AssignedWorker)
			cp.StartedAt = cloneTime(s.StartedAt)
			cp.CompletedAt = cloneTime(s.CompletedAt)
			out.Operations[op] = &cp
		}
	}
	return &out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
