package domain

import "time"

// DomainEvent is the interface for all domain events
type DomainEvent interface {
	EventType() string
	OccurredAt() time.Time
	WorkUnit() string
}

// OccupationStartedEvent is published when a worker begins a pending operation
type OccupationStartedEvent struct {
	WorkUnitID string    `json:"workUnitId"`
	Operation  string    `json:"operation"`
	WorkerID   string    `json:"workerId"`
	Version    string    `json:"version"`
	StartedAt  time.Time `json:"startedAt"`
}

func (e *OccupationStartedEvent) EventType() string     { return "wms.occupation.started" }
func (e *OccupationStartedEvent) OccurredAt() time.Time { return e.StartedAt }
func (e *OccupationStartedEvent) WorkUnit() string      { return e.WorkUnitID }

// OccupationResumedEvent is published when a paused operation is taken again
type OccupationResumedEvent struct {
	WorkUnitID string    `json:"workUnitId"`
	Operation  string    `json:"operation"`
	WorkerID   string    `json:"workerId"`
	Version    string    `json:"version"`
	ResumedAt  time.Time `json:"resumedAt"`
}

func (e *OccupationResumedEvent) EventType() string     { return "wms.occupation.resumed" }
func (e *OccupationResumedEvent) OccurredAt() time.Time { return e.ResumedAt }
func (e *OccupationResumedEvent) WorkUnit() string      { return e.WorkUnitID }

// OccupationPausedEvent is published when a worker suspends an operation
type OccupationPausedEvent struct {
	WorkUnitID string    `json:"workUnitId"`
	Operation  string    `json:"operation"`
	WorkerID   string    `json:"workerId"`
	Version    string    `json:"version"`
	Recovered  bool      `json:"recovered,omitempty"`
	PausedAt   time.Time `json:"pausedAt"`
}

func (e *OccupationPausedEvent) EventType() string     { return "wms.occupation.paused" }
func (e *OccupationPausedEvent) OccurredAt() time.Time { return e.PausedAt }
func (e *OccupationPausedEvent) WorkUnit() string      { return e.WorkUnitID }

// OccupationCompletedEvent is published when a worker finishes an operation
type OccupationCompletedEvent struct {
	WorkUnitID  string    `json:"workUnitId"`
	Operation   string    `json:"operation"`
	WorkerID    string    `json:"workerId"`
	Version     string    `json:"version"`
	CompletedAt time.Time `json:"completedAt"`
}

func (e *OccupationCompletedEvent) EventType() string     { return "wms.occupation.completed" }
func (e *OccupationCompletedEvent) OccurredAt() time.Time { return e.CompletedAt }
func (e *OccupationCompletedEvent) WorkUnit() string      { return e.WorkUnitID }
