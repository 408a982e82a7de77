package application

import (
	"errors"

	"github.com/wms-platform/occupation-service/internal/domain"
	"github.com/wms-platform/occupation-service/internal/lock"
)

// ToLockDTO converts a lock to LockDTO, dropping the token
func ToLockDTO(lk *lock.Lock) *LockDTO {
	if lk == nil {
		return nil
	}
	return &LockDTO{
		WorkUnitID: lk.WorkUnitID,
		Owner:      lk.Owner,
		AcquiredAt: lk.AcquiredAt,
	}
}

// ToWorkUnitStatusDTO converts a work unit and its hydrated slots to WorkUnitStatusDTO
func ToWorkUnitStatusDTO(
	w *domain.WorkUnit,
	lk *lock.Lock,
	catalog domain.Catalog,
	ops []domain.OperationType,
	hydrations map[domain.OperationType]domain.Hydration,
) *WorkUnitStatusDTO {
	if w == nil {
		return nil
	}

	dto := &WorkUnitStatusDTO{
		WorkUnitID:       w.ID,
		Version:          w.Version,
		Occupant:         w.OccupantID(),
		OccupiedAt:       w.OccupiedAt,
		MaterialsReadyAt: w.MaterialsReadyAt,
		Lock:             ToLockDTO(lk),
		Operations:       make([]OperationStatusDTO, 0, len(ops)),
	}

	for _, op := range ops {
		dto.Operations = append(dto.Operations, ToOperationStatusDTO(w, op, hydrations[op], catalog))
	}
	return dto
}

// ToOperationStatusDTO converts one slot to OperationStatusDTO
func ToOperationStatusDTO(w *domain.WorkUnit, op domain.OperationType, h domain.Hydration, catalog domain.Catalog) OperationStatusDTO {
	slot := w.Slot(op)
	out := OperationStatusDTO{
		Operation:   string(op),
		State:       string(h.State),
		StartedAt:   slot.StartedAt,
		CompletedAt: slot.CompletedAt,
		StatusLabel: slot.StatusLabel,
		Torn:        h.Torn,
		Ready:       true,
		Events:      []string{},
	}
	sm := domain.NewStateMachine(op, h)
	for _, e := range []domain.Event{domain.EventBegin, domain.EventResume, domain.EventPause, domain.EventFinish} {
		if sm.Can(e) {
			out.Events = append(out.Events, string(e))
		}
	}
	if slot.AssignedWorker != nil {
		out.AssignedWorker = *slot.AssignedWorker
	}

	if err := catalog.CheckPrerequisite(w, op); err != nil {
		out.Ready = false
		var prereq *domain.PrerequisiteError
		if errors.As(err, &prereq) {
			out.Blocker = prereq.Missing
		} else {
			out.Blocker = err.Error()
		}
	}
	return out
}
