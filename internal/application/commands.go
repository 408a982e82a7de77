package application

import "github.com/wms-platform/occupation-service/internal/domain"

// BeginCommand takes a work unit for an operation, or resumes a paused one
type BeginCommand struct {
	WorkUnitID string
	Operation  domain.OperationType
	WorkerID   string
}

// SuspendCommand pauses an in-progress operation and releases the unit
type SuspendCommand struct {
	WorkUnitID string
	Operation  domain.OperationType
	WorkerID   string
}

// FinishCommand completes an in-progress operation and releases the unit
type FinishCommand struct {
	WorkUnitID string
	Operation  domain.OperationType
	WorkerID   string
}

// HeartbeatCommand renews the caller's leased lock on a work unit
type HeartbeatCommand struct {
	WorkUnitID string
	WorkerID   string
}

// GetStatusQuery retrieves the hydrated state of every operation slot
type GetStatusQuery struct {
	WorkUnitID string
}

// GetLockQuery retrieves the current lock holder
type GetLockQuery struct {
	WorkUnitID string
}

type verbInput struct {
	verb       string
	workUnitID string
	operation  domain.OperationType
	workerID   string
}

func (c BeginCommand) input() verbInput {
	return verbInput{verb: "begin", workUnitID: c.WorkUnitID, operation: c.Operation, workerID: c.WorkerID}
}

func (c SuspendCommand) input() verbInput {
	return verbInput{verb: "suspend", workUnitID: c.WorkUnitID, operation: c.Operation, workerID: c.WorkerID}
}

func (c FinishCommand) input() verbInput {
	return verbInput{verb: "finish", workUnitID: c.WorkUnitID, operation: c.Operation, workerID: c.WorkerID}
}
