package application

import (
	"time"

	"github.com/wms-platform/occupation-service/internal/conflict"
)

// OccupationDTO is the result of a BEGIN, SUSPEND or FINISH call
type OccupationDTO struct {
	WorkUnitID    string `json:"workUnitId"`
	Operation     string `json:"operation"`
	PreviousState string `json:"previousState"`
	State         string `json:"state"`
	Occupant      string `json:"occupant,omitempty"`
	Version       string `json:"version"`
	StatusLabel   string `json:"statusLabel"`
	LockToken     string `json:"lockToken,omitempty"`
	Recovered     bool   `json:"recovered,omitempty"`
	LockReleased  bool   `json:"lockReleased,omitempty"`
}

// WorkUnitStatusDTO is the hydrated view of a work unit
type WorkUnitStatusDTO struct {
	WorkUnitID       string               `json:"workUnitId"`
	Version          string               `json:"version"`
	Occupant         string               `json:"occupant,omitempty"`
	OccupiedAt       *time.Time           `json:"occupiedAt,omitempty"`
	MaterialsReadyAt *time.Time           `json:"materialsReadyAt,omitempty"`
	Lock             *LockDTO             `json:"lock,omitempty"`
	Operations       []OperationStatusDTO `json:"operations"`
}

// OperationStatusDTO is one hydrated operation slot
type OperationStatusDTO struct {
	Operation      string     `json:"operation"`
	State          string     `json:"state"`
	AssignedWorker string     `json:"assignedWorker,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	StatusLabel    string     `json:"statusLabel,omitempty"`
	Torn           bool       `json:"torn,omitempty"`
	Ready          bool       `json:"ready"`
	Blocker        string     `json:"blocker,omitempty"`
	// Events lists the transitions the slot accepts in its current state.
	Events []string `json:"events"`
}

// LockDTO is the public view of a lock. The token is never exposed here.
type LockDTO struct {
	WorkUnitID string     `json:"workUnitId"`
	Owner      string     `json:"owner"`
	AcquiredAt time.Time  `json:"acquiredAt"`
	// ExpiresAt is set for leased locks only.
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// HotSpotsDTO combines the process-lifetime ledger with a sample analysis
type HotSpotsDTO struct {
	Threshold int                        `json:"threshold"`
	HotSpots  []conflict.ConflictMetrics `json:"hotSpots"`
	Sample    conflict.HotSpotReport     `json:"sample"`
}
