package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wms-platform/occupation-service/internal/domain"
	"github.com/wms-platform/occupation-service/pkg/logging"
	"github.com/wms-platform/occupation-service/pkg/resilience"
	"github.com/wms-platform/occupation-service/pkg/tracing"
)

const collectionName = "work_units"

// StoreObserver records the latency and outcome of store round trips
type StoreObserver interface {
	RecordStoreOperation(store, operation string, success bool, duration time.Duration)
}

// BreakerObserver is implemented by observers that also track the
// circuit breaker guarding the store.
type BreakerObserver interface {
	SetCircuitBreakerState(name string, state int)
	RecordCircuitBreakerTrip(name string)
}

// RecordStore keeps work units in MongoDB. Conditional writes filter on the
// version field, so WriteIfVersionMatches is a native compare-and-swap.
type RecordStore struct {
	collection *mongo.Collection
	breaker    *resilience.CircuitBreaker
	tracer     trace.Tracer
	logger     *logging.Logger
	observer   StoreObserver
}

var (
	_ domain.RecordStore     = (*RecordStore)(nil)
	_ domain.VersionedWriter = (*RecordStore)(nil)
)

// NewRecordStore creates a RecordStore on db. Business outcomes such as a
// missing work unit do not count against the circuit breaker.
func NewRecordStore(db *mongo.Database, logger *logging.Logger, observer StoreObserver) *RecordStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg := resilience.DefaultCircuitBreakerConfig("mongodb-records")
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, domain.ErrWorkUnitNotFound)
	}
	if bo, ok := observer.(BreakerObserver); ok {
		cfg.OnStateChange = func(name string, _, to gobreaker.State) {
			bo.SetCircuitBreakerState(name, int(to))
			if to == gobreaker.StateOpen {
				bo.RecordCircuitBreakerTrip(name)
			}
		}
	}
	return &RecordStore{
		collection: db.Collection(collectionName),
		breaker:    resilience.NewCircuitBreaker(cfg, logger.Logger),
		tracer:     otel.Tracer("occupation-service/mongodb"),
		logger:     logger.WithComponent("mongodb-record-store"),
		observer:   observer,
	}
}

// EnsureIndexes creates the unique work unit index.
func (s *RecordStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "workUnitId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *RecordStore) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "mongodb."+operation)
	defer span.End()
	span.SetAttributes(tracing.DatabaseSpanAttributes("mongodb", s.collection.Database().Name(), operation, collectionName)...)

	start := time.Now()
	_, err := s.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, fn(ctx)
	})
	err = classify(err)

	d := time.Since(start)
	failed := err != nil && !errors.Is(err, domain.ErrWorkUnitNotFound)
	if s.observer != nil {
		s.observer.RecordStoreOperation("mongodb", operation, !failed, d)
	}
	var logged error
	if failed {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logged = err
	}
	s.logger.StoreCall(ctx, "mongodb", operation, d, logged)
	return err
}

// classify maps driver failures that a retry may cure to ErrStoreUnavailable.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrWorkUnitNotFound):
		return err
	case errors.Is(err, resilience.ErrCircuitOpen),
		mongo.IsNetworkError(err),
		mongo.IsTimeout(err),
		errors.Is(err, mongo.ErrClientDisconnected):
		return domain.Unavailable("mongodb", err)
	}
	return err
}

// Read implements domain.RecordStore.
func (s *RecordStore) Read(ctx context.Context, workUnitID string) (*domain.WorkUnit, error) {
	var w domain.WorkUnit
	err := s.call(ctx, "find", func(ctx context.Context) error {
		err := s.collection.FindOne(ctx, bson.M{"workUnitId": workUnitID}).Decode(&w)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%s: %w", workUnitID, domain.ErrWorkUnitNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Write implements domain.RecordStore. One UpdateOne applies every delta.
func (s *RecordStore) Write(ctx context.Context, workUnitID string, deltas domain.FieldDeltas, newVersion string) error {
	update, err := updateDocument(deltas, newVersion)
	if err != nil {
		return err
	}
	return s.call(ctx, "update", func(ctx context.Context) error {
		res, err := s.collection.UpdateOne(ctx, bson.M{"workUnitId": workUnitID}, update)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("%s: %w", workUnitID, domain.ErrWorkUnitNotFound)
		}
		return nil
	})
}

// WriteIfVersionMatches implements domain.VersionedWriter.
func (s *RecordStore) WriteIfVersionMatches(ctx context.Context, workUnitID string, deltas domain.FieldDeltas, expectedVersion, newVersion string) (bool, error) {
	update, err := updateDocument(deltas, newVersion)
	if err != nil {
		return false, err
	}

	matched := false
	err = s.call(ctx, "update_if_version", func(ctx context.Context) error {
		res, err := s.collection.UpdateOne(ctx, bson.M{"workUnitId": workUnitID, "version": expectedVersion}, update)
		if err != nil {
			return err
		}
		matched = res.MatchedCount == 1
		if matched {
			return nil
		}
		err = s.collection.FindOne(ctx, bson.M{"workUnitId": workUnitID},
			options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%s: %w", workUnitID, domain.ErrWorkUnitNotFound)
		}
		return err
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

// CurrentOccupant returns the occupant of workUnitID, "" when free or unknown.
func (s *RecordStore) CurrentOccupant(ctx context.Context, workUnitID string) (string, error) {
	var doc struct {
		Occupant *string `bson:"occupant"`
	}
	err := s.call(ctx, "find_occupant", func(ctx context.Context) error {
		err := s.collection.FindOne(ctx, bson.M{"workUnitId": workUnitID},
			options.FindOne().SetProjection(bson.M{"occupant": 1})).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		return err
	})
	if err != nil || doc.Occupant == nil {
		return "", err
	}
	return *doc.Occupant, nil
}

// Upsert stores w as is. It is meant for seeding and administration, not
// for the occupation verbs.
func (s *RecordStore) Upsert(ctx context.Context, w *domain.WorkUnit) error {
	return s.call(ctx, "upsert", func(ctx context.Context) error {
		_, err := s.collection.ReplaceOne(ctx, bson.M{"workUnitId": w.ID}, w, options.Replace().SetUpsert(true))
		return err
	})
}

// HealthCheck pings the primary.
func (s *RecordStore) HealthCheck(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, nil)
}

// updateDocument translates deltas to a $set/$unset update. Deltas are
// validated against the domain model first so unknown fields never reach
// the database.
func updateDocument(deltas domain.FieldDeltas, newVersion string) (bson.M, error) {
	if err := domain.ApplyDeltas(&domain.WorkUnit{}, deltas); err != nil {
		return nil, err
	}

	set := bson.M{"version": newVersion}
	unset := bson.M{}
	for _, field := range deltas.Fields() {
		value := deltas[field]
		if value == nil {
			unset[field] = ""
			continue
		}
		set[field] = value
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update, nil
}
