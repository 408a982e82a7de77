package domain

import "context"

// RecordStore is the external, mutable store that owns work units. It offers
// plain read and overwrite; Write must apply all deltas or none and stamp
// newVersion on the record.
type RecordStore interface {
	Read(ctx context.Context, workUnitID string) (*WorkUnit, error)
	Write(ctx context.Context, workUnitID string, deltas FieldDeltas, newVersion string) error
}

// VersionedWriter is implemented by stores with a native compare-and-swap.
// It returns false, with no error, when expectedVersion is no longer current.
type VersionedWriter interface {
	WriteIfVersionMatches(ctx context.Context, workUnitID string, deltas FieldDeltas, expectedVersion, newVersion string) (bool, error)
}

// NotificationSink receives best-effort notifications of occupation changes
type NotificationSink interface {
	Publish(ctx context.Context, event DomainEvent) error
}
