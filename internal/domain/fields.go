package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Field paths understood by every record store. Slot fields are addressed
// as "operations.<op>.<field>".
const (
	FieldOccupant         = "occupant"
	FieldOccupiedAt       = "occupiedAt"
	FieldMaterialsReadyAt = "materialsReadyAt"

	slotAssignedWorker = "assignedWorker"
	slotStartedAt      = "startedAt"
	slotCompletedAt    = "completedAt"
	slotStatusLabel    = "statusLabel"
)

// SlotField returns the dotted path of a slot field.
func SlotField(op OperationType, field string) string {
	return "operations." + string(op) + "." + field
}

// FieldDeltas is a set of intended field writes. A nil value clears the field.
type FieldDeltas map[string]any

// Set records a write of value to field.
func (d FieldDeltas) Set(field string, value any) FieldDeltas {
	d[field] = value
	return d
}

// Clear records that field must be emptied.
func (d FieldDeltas) Clear(field string) FieldDeltas {
	d[field] = nil
	return d
}

// Fields returns the touched field paths in a stable order.
func (d FieldDeltas) Fields() []string {
	out := make([]string, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// OccupyDeltas sets the occupant fields.
func OccupyDeltas(workerID string, at time.Time) FieldDeltas {
	return FieldDeltas{}.
		Set(FieldOccupant, workerID).
		Set(FieldOccupiedAt, at)
}

// VacateDeltas clears the occupant fields.
func VacateDeltas() FieldDeltas {
	return FieldDeltas{}.
		Clear(FieldOccupant).
		Clear(FieldOccupiedAt)
}

// ApplyDeltas mutates w according to d. Unknown fields are rejected so that
// a typo never silently drops a write.
func ApplyDeltas(w *WorkUnit, d FieldDeltas) error {
	for _, field := range d.Fields() {
		if err := applyField(w, field, d[field]); err != nil {
			return err
		}
	}
	return nil
}

func applyField(w *WorkUnit, field string, value any) error {
	switch field {
	case FieldOccupant:
		s, err := asString(field, value)
		if err != nil {
			return err
		}
		w.Occupant = s
		return nil
	case FieldOccupiedAt:
		t, err := asTime(field, value)
		if err != nil {
			return err
		}
		w.OccupiedAt = t
		return nil
	case FieldMaterialsReadyAt:
		t, err := asTime(field, value)
		if err != nil {
			return err
		}
		w.MaterialsReadyAt = t
		return nil
	}

	parts := strings.Split(field, ".")
	if len(parts) != 3 || parts[0] != "operations" {
		return fmt.Errorf("unknown field %q", field)
	}
	op := OperationType(parts[1])
	if w.Operations == nil {
		w.Operations = make(map[OperationType]*OperationSlot)
	}
	slot, ok := w.Operations[op]
	if !ok || slot == nil {
		slot = &OperationSlot{}
		w.Operations[op] = slot
	}

	var err error
	switch parts[2] {
	case slotAssignedWorker:
		slot.AssignedWorker, err = asString(field, value)
	case slotStartedAt:
		slot.StartedAt, err = asTime(field, value)
	case slotCompletedAt:
		slot.CompletedAt, err = asTime(field, value)
	case slotStatusLabel:
		var s *string
		s, err = asString(field, value)
		slot.StatusLabel = deref(s)
	default:
		err = fmt.Errorf("unknown field %q", field)
	}
	return err
}

func asString(field string, value any) (*string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return &v, nil
	case *string:
		return cloneString(v), nil
	default:
		return nil, fmt.Errorf("field %q: expected string, got %T", field, value)
	}
}

func asTime(field string, value any) (*time.Time, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return &v, nil
	case *time.Time:
		return cloneTime(v), nil
	default:
		return nil, fmt.Errorf("field %q: expected time, got %T", field, value)
	}
}
