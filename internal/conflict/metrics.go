package conflict

import (
	"sort"
	"sync"
	"time"

	"github.com/wms-platform/occupation-service/internal/domain"
)

// HotSpotThreshold is the conflict count above which a work unit is hot
const HotSpotThreshold = 5

const maxRecentConflicts = 500

// ConflictMetrics aggregates the conflict history of one work unit
type ConflictMetrics struct {
	WorkUnitID        string    `json:"workUnitId"`
	TotalConflicts    int       `json:"totalConflicts"`
	RetriesSucceeded  int       `json:"retriesSucceeded"`
	RetriesFailed     int       `json:"retriesFailed"`
	AverageRetryCount float64   `json:"averageRetryCount"`
	LastConflictAt    time.Time `json:"lastConflictAt"`
}

// IsHotSpot reports whether the unit crossed HotSpotThreshold.
func (m ConflictMetrics) IsHotSpot() bool {
	return m.TotalConflicts > HotSpotThreshold
}

// Metrics is the per-process conflict ledger. It is append-only for the
// life of the instance, except for Reset. Safe for concurrent use.
type Metrics struct {
	mu     sync.RWMutex
	byUnit map[string]*ConflictMetrics
	recent []domain.VersionConflictError
	now    func() time.Time
}

// NewMetrics creates an empty ledger
func NewMetrics() *Metrics {
	return &Metrics{byUnit: make(map[string]*ConflictMetrics), now: time.Now}
}

func (m *Metrics) entry(workUnitID string) *ConflictMetrics {
	e, ok := m.byUnit[workUnitID]
	if !ok {
		e = &ConflictMetrics{WorkUnitID: workUnitID}
		m.byUnit[workUnitID] = e
	}
	return e
}

// RecordConflict counts one failed conditional write.
func (m *Metrics) RecordConflict(c domain.VersionConflictError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(c.WorkUnitID)
	e.TotalConflicts++
	e.LastConflictAt = m.now()

	m.recent = append(m.recent, c)
	if len(m.recent) > maxRecentConflicts {
		m.recent = m.recent[len(m.recent)-maxRecentConflicts:]
	}
}

// RecordOutcome closes a retried update, successful or not, and folds its
// retry count into the running average.
func (m *Metrics) RecordOutcome(workUnitID string, retries int, succeeded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(workUnitID)
	if succeeded {
		e.RetriesSucceeded++
	} else {
		e.RetriesFailed++
	}
	n := float64(e.RetriesSucceeded + e.RetriesFailed)
	e.AverageRetryCount += (float64(retries) - e.AverageRetryCount) / n
}

// Snapshot returns a copy of the metrics for workUnitID.
func (m *Metrics) Snapshot(workUnitID string) (ConflictMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byUnit[workUnitID]
	if !ok {
		return ConflictMetrics{WorkUnitID: workUnitID}, false
	}
	return *e, true
}

// All returns a copy of every entry ordered by work unit id.
func (m *Metrics) All() []ConflictMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ConflictMetrics, 0, len(m.byUnit))
	for _, e := range m.byUnit {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkUnitID < out[j].WorkUnitID })
	return out
}

// HotSpots returns the units above HotSpotThreshold, most conflicted first.
func (m *Metrics) HotSpots() []ConflictMetrics {
	var out []ConflictMetrics
	for _, e := range m.All() {
		if e.IsHotSpot() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TotalConflicts > out[j].TotalConflicts })
	return out
}

// Recent returns the retained conflict sample, oldest first.
func (m *Metrics) Recent() []domain.VersionConflictError {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.VersionConflictError, len(m.recent))
	copy(out, m.recent)
	return out
}

// Reset clears the ledger.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byUnit = make(map[string]*ConflictMetrics)
	m.recent = nil
}
