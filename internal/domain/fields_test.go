package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDeltas(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)
	w := &WorkUnit{ID: "WU-1", Version: "v1"}

	deltas := OccupyDeltas("W-1", now).
		Set(SlotField(OperationAssembly, "assignedWorker"), "W-1").
		Set(SlotField(OperationAssembly, "startedAt"), now).
		Set(SlotField(OperationAssembly, "statusLabel"), "ASSEMBLY IN PROGRESS (W-1)")

	require.NoError(t, ApplyDeltas(w, deltas))
	assert.Equal(t, "W-1", w.OccupantID())
	assert.Equal(t, now, *w.OccupiedAt)

	slot := w.Slot(OperationAssembly)
	require.NotNil(t, slot.AssignedWorker)
	assert.Equal(t, "W-1", *slot.AssignedWorker)
	assert.Equal(t, "ASSEMBLY IN PROGRESS (W-1)", slot.StatusLabel)

	require.NoError(t, ApplyDeltas(w, VacateDeltas()))
	assert.Nil(t, w.Occupant)
	assert.Nil(t, w.OccupiedAt)
	assert.Equal(t, StatePaused, Hydrate(w.Snapshot(OperationAssembly)).State)
}

func TestApplyDeltas_RejectsUnknownFields(t *testing.T) {
	w := &WorkUnit{ID: "WU-1"}

	assert.Error(t, ApplyDeltas(w, FieldDeltas{"ocupant": "W-1"}))
	assert.Error(t, ApplyDeltas(w, FieldDeltas{SlotField(OperationWeld, "welder"): "W-1"}))
	assert.Error(t, ApplyDeltas(w, FieldDeltas{FieldOccupiedAt: "yesterday"}))
}

func TestWorkUnit_CloneIsDeep(t *testing.T) {
	worker := "W-1"
	w := &WorkUnit{
		ID:       "WU-1",
		Occupant: &worker,
		Operations: map[OperationType]*OperationSlot{
			OperationAssembly: {AssignedWorker: &worker},
		},
	}

	cp := w.Clone()
	*cp.Occupant = "W-2"
	*cp.Operations[OperationAssembly].AssignedWorker = "W-2"

	assert.Equal(t, "W-1", w.OccupantID())
	assert.Equal(t, "W-1", *w.Operations[OperationAssembly].AssignedWorker)
}

func TestCatalog_CheckPrerequisite(t *testing.T) {
	catalog := DefaultCatalog()
	ready := time.Now()

	w := &WorkUnit{ID: "WU-1"}
	err := catalog.CheckPrerequisite(w, OperationAssembly)
	assert.ErrorIs(t, err, ErrPrerequisiteNotMet)

	w.MaterialsReadyAt = &ready
	assert.NoError(t, catalog.CheckPrerequisite(w, OperationAssembly))
	assert.ErrorIs(t, catalog.CheckPrerequisite(w, OperationWeld), ErrPrerequisiteNotMet)

	w.Operations = map[OperationType]*OperationSlot{OperationAssembly: {CompletedAt: &ready}}
	assert.NoError(t, catalog.CheckPrerequisite(w, OperationWeld))

	assert.ErrorIs(t, catalog.CheckPrerequisite(w, "paint"), ErrUnknownOperation)
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(&AlreadyOccupiedError{WorkUnitID: "WU-1", CurrentOwner: "W-1"}))
	assert.True(t, IsConflict(&VersionConflictError{WorkUnitID: "WU-1"}))
	assert.False(t, IsConflict(ErrNotAuthorized))
	assert.False(t, IsConflict(&InvalidTransitionError{}))
	assert.False(t, IsConflict(Unavailable("mongodb", assert.AnError)))
	assert.ErrorIs(t, Unavailable("mongodb", assert.AnError), ErrStoreUnavailable)
}
