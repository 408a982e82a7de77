package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/wms-platform/occupation-service/internal/domain"
)

// RecordStore keeps work units in process memory with plain read and
// overwrite semantics, the way a spreadsheet-backed API behaves. It does not
// implement domain.VersionedWriter.
type RecordStore struct {
	mu    sync.RWMutex
	units map[string]*domain.WorkUnit
}

// NewRecordStore creates an empty store
func NewRecordStore() *RecordStore {
	return &RecordStore{units: make(map[string]*domain.WorkUnit)}
}

// Put inserts or replaces a work unit.
func (s *RecordStore) Put(w *domain.WorkUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[w.ID] = w.Clone()
}

// Read returns a copy of the work unit.
func (s *RecordStore) Read(_ context.Context, workUnitID string) (*domain.WorkUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.units[workUnitID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkUnitNotFound, workUnitID)
	}
	return w.Clone(), nil
}

// Write applies deltas and stamps newVersion. Either every delta lands or none.
func (s *RecordStore) Write(_ context.Context, workUnitID string, deltas domain.FieldDeltas, newVersion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(workUnitID, deltas, newVersion)
}

func (s *RecordStore) writeLocked(workUnitID string, deltas domain.FieldDeltas, newVersion string) error {
	w, ok := s.units[workUnitID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrWorkUnitNotFound, workUnitID)
	}
	next := w.Clone()
	if err := domain.ApplyDeltas(next, deltas); err != nil {
		return err
	}
	next.Version = newVersion
	s.units[workUnitID] = next
	return nil
}

// CurrentOccupant returns the occupant of workUnitID, or "" if it is free or unknown.
func (s *RecordStore) CurrentOccupant(_ context.Context, workUnitID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.units[workUnitID]
	if !ok {
		return "", nil
	}
	return w.OccupantID(), nil
}

// AtomicRecordStore is a RecordStore with a native compare-and-swap.
type AtomicRecordStore struct {
	*RecordStore
}

// NewAtomicRecordStore creates an empty store that implements domain.VersionedWriter
func NewAtomicRecordStore() *AtomicRecordStore {
	return &AtomicRecordStore{RecordStore: NewRecordStore()}
}

// WriteIfVersionMatches applies deltas only if the stored version equals expectedVersion.
func (s *AtomicRecordStore) WriteIfVersionMatches(_ context.Context, workUnitID string, deltas domain.FieldDeltas, expectedVersion, newVersion string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.units[workUnitID]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrWorkUnitNotFound, workUnitID)
	}
	if w.Version != expectedVersion {
		return false, nil
	}
	if err := s.writeLocked(workUnitID, deltas, newVersion); err != nil {
		return false, err
	}
	return true, nil
}
