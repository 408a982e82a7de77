package conflict

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wms-platform/occupation-service/internal/domain"
	"github.com/wms-platform/occupation-service/internal/infrastructure/memory"
)

// hookedStore runs hooks around calls to a memory store
type hookedStore struct {
	*memory.RecordStore
	afterRead func(n int)
	readErr   func(n int) error
	reads     int
}

func (s *hookedStore) Read(ctx context.Context, id string) (*domain.WorkUnit, error) {
	s.reads++
	if s.readErr != nil {
		if err := s.readErr(s.reads); err != nil {
			return nil, err
		}
	}
	w, err := s.RecordStore.Read(ctx, id)
	if s.afterRead != nil {
		s.afterRead(s.reads)
	}
	return w, err
}

// hookedAtomicStore is hookedStore with a native compare-and-swap
type hookedAtomicStore struct {
	*memory.AtomicRecordStore
	afterRead func(n int)
	reads     int
}

func (s *hookedAtomicStore) Read(ctx context.Context, id string) (*domain.WorkUnit, error) {
	s.reads++
	w, err := s.AtomicRecordStore.Read(ctx, id)
	if s.afterRead != nil {
		s.afterRead(s.reads)
	}
	return w, err
}

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func sequence(versions ...string) func() string {
	i := 0
	return func() string {
		v := versions[i%len(versions)]
		i++
		return v
	}
}

func seed(s interface{ Put(*domain.WorkUnit) }, version string) {
	s.Put(&domain.WorkUnit{ID: "WU-1", Version: version})
}

func occupy(worker string) domain.FieldDeltas {
	return domain.OccupyDeltas(worker, time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
}

func TestUpdateWithRetry_SecondWriterRetriesAgainstNewVersion(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRecordStore()
	seed(store, "v1")

	// Writer X commits first.
	require.NoError(t, store.Write(ctx, "WU-1", occupy("W-X"), "v2"))

	sleeper := &recordingSleeper{}
	metrics := NewMetrics()
	r := NewResolver(store, DefaultRetryPolicy(), metrics, nil,
		WithSleeper(sleeper.sleep),
		WithVersionFunc(sequence("v3")),
	)
	assert.False(t, r.Atomic())

	// Writer Y read v1 before X committed.
	version, err := r.UpdateWithRetry(ctx, "WU-1", occupy("W-Y"),
		ForOperation("begin"),
		ExpectingVersion("v1"),
	)
	require.NoError(t, err)
	assert.Equal(t, "v3", version)
	assert.Len(t, sleeper.delays, 1)

	w, err := store.Read(ctx, "WU-1")
	require.NoError(t, err)
	assert.Equal(t, "v3", w.Version)
	assert.Equal(t, "W-Y", w.OccupantID())

	m, ok := metrics.Snapshot("WU-1")
	require.True(t, ok)
	assert.Equal(t, 1, m.TotalConflicts)
	assert.Equal(t, 1, m.RetriesSucceeded)
	assert.InDelta(t, 1.0, m.AverageRetryCount, 0.001)

	recent := metrics.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, "v1", recent[0].Expected)
	assert.Equal(t, "v2", recent[0].Actual)
	assert.Equal(t, "begin", recent[0].Operation)
}

func TestUpdateWithRetry_CompareAndSwapDetectsInterleavedWriter(t *testing.T) {
	ctx := context.Background()
	store := &hookedAtomicStore{AtomicRecordStore: memory.NewAtomicRecordStore()}
	seed(store, "v1")

	store.afterRead = func(n int) {
		if n == 1 {
			require.NoError(t, store.Write(ctx, "WU-1", occupy("W-X"), "v2"))
		}
	}

	sleeper := &recordingSleeper{}
	r := NewResolver(store, DefaultRetryPolicy(), nil, nil,
		WithSleeper(sleeper.sleep),
		WithVersionFunc(sequence("v-lost", "v3")),
	)
	require.True(t, r.Atomic())

	version, err := r.UpdateWithRetry(ctx, "WU-1", occupy("W-Y"))
	require.NoError(t, err)
	assert.Equal(t, "v3", version)

	recent := r.Metrics().Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, "v1", recent[0].Expected)
	assert.Equal(t, "v2", recent[0].Actual)
}

func TestUpdateWithRetry_ExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	store := &hookedStore{RecordStore: memory.NewRecordStore()}
	seed(store, "v0")

	// Every verify read sees a version bumped by another writer.
	store.afterRead = func(n int) {
		if n%2 == 1 {
			require.NoError(t, store.RecordStore.Write(ctx, "WU-1", domain.FieldDeltas{}, fmt.Sprintf("other-%d", n)))
		}
	}

	sleeper := &recordingSleeper{}
	metrics := NewMetrics()
	r := NewResolver(store, DefaultRetryPolicy(), metrics, nil, WithSleeper(sleeper.sleep))

	_, err := r.UpdateWithRetry(ctx, "WU-1", occupy("W-Y"), ForOperation("finish"))
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	var conflict *domain.VersionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 3, conflict.RetryCount)
	assert.Equal(t, 3, conflict.MaxRetries)
	assert.Equal(t, "finish", conflict.Operation)
	assert.True(t, domain.IsConflict(err))

	assert.Len(t, sleeper.delays, 2)

	m, _ := metrics.Snapshot("WU-1")
	assert.Equal(t, 3, m.TotalConflicts)
	assert.Equal(t, 1, m.RetriesFailed)
	assert.Equal(t, 0, m.RetriesSucceeded)
}

func TestUpdateWithRetry_MaxAttemptsOverride(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRecordStore()
	seed(store, "v2")

	sleeper := &recordingSleeper{}
	r := NewResolver(store, DefaultRetryPolicy(), nil, nil, WithSleeper(sleeper.sleep))

	_, err := r.UpdateWithRetry(ctx, "WU-1", occupy("W-Y"), ExpectingVersion("v1"), MaxAttempts(1))
	require.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Empty(t, sleeper.delays)
}

func TestUpdateWithRetry_GuardStopsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRecordStore()
	seed(store, "v1")

	sleeper := &recordingSleeper{}
	r := NewResolver(store, DefaultRetryPolicy(), nil, nil, WithSleeper(sleeper.sleep))

	guardErr := &domain.InvalidTransitionError{Operation: domain.OperationAssembly, From: domain.StateCompleted, Event: domain.EventBegin}
	_, err := r.UpdateWithRetry(ctx, "WU-1", occupy("W-Y"), WithGuard(func(*domain.WorkUnit) error { return guardErr }))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, sleeper.delays)

	w, err := store.Read(ctx, "WU-1")
	require.NoError(t, err)
	assert.Equal(t, "v1", w.Version)
}

func TestUpdateWithRetry_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	policy := DefaultRetryPolicy()
	policy.StoreRetryDelay = time.Millisecond
	policy.StoreRetryMaxDelay = 2 * time.Millisecond

	t.Run("transient outage is absorbed", func(t *testing.T) {
		store := &hookedStore{RecordStore: memory.NewRecordStore()}
		seed(store, "v1")
		store.readErr = func(n int) error {
			if n <= 2 {
				return domain.Unavailable("memory", errors.New("socket closed"))
			}
			return nil
		}

		r := NewResolver(store, policy, nil, nil)
		_, err := r.UpdateWithRetry(ctx, "WU-1", occupy("W-A"))
		require.NoError(t, err)
	})

	t.Run("budget is bounded", func(t *testing.T) {
		store := &hookedStore{RecordStore: memory.NewRecordStore()}
		seed(store, "v1")
		store.readErr = func(int) error {
			return domain.Unavailable("memory", errors.New("socket closed"))
		}

		r := NewResolver(store, policy, nil, nil)
		_, err := r.UpdateWithRetry(ctx, "WU-1", occupy("W-A"))
		require.ErrorIs(t, err, domain.ErrStoreUnavailable)
		assert.Equal(t, 1+policy.StoreRetries, store.reads)
	})

	t.Run("not found is not retried", func(t *testing.T) {
		store := &hookedStore{RecordStore: memory.NewRecordStore()}
		r := NewResolver(store, policy, nil, nil)

		_, err := r.UpdateWithRetry(ctx, "WU-404", occupy("W-A"))
		require.ErrorIs(t, err, domain.ErrWorkUnitNotFound)
		assert.Equal(t, 1, store.reads)
	})
}

func TestUpdateWithRetry_CancelledDuringBackoff(t *testing.T) {
	store := memory.NewRecordStore()
	seed(store, "v2")

	ctx, cancel := context.WithCancel(context.Background())
	r := NewResolver(store, DefaultRetryPolicy(), nil, nil, WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := r.UpdateWithRetry(ctx, "WU-1", occupy("W-A"), ExpectingVersion("v1"))
	require.ErrorIs(t, err, context.Canceled)

	w, err := store.Read(context.Background(), "WU-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", w.Version, "cancelled update must not write")
	assert.Nil(t, w.Occupant)
}

type countingObserver struct {
	conflicts int
	outcomes  map[string]int
}

func (o *countingObserver) ObserveConflict(string) { o.conflicts++ }

func (o *countingObserver) ObserveRetryOutcome(outcome string, _ int) {
	if o.outcomes == nil {
		o.outcomes = map[string]int{}
	}
	o.outcomes[outcome]++
}

func TestUpdateWithRetry_NotifiesObserver(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRecordStore()
	seed(store, "v2")

	obs := &countingObserver{}
	sleeper := &recordingSleeper{}
	r := NewResolver(store, DefaultRetryPolicy(), nil, nil, WithObserver(obs), WithSleeper(sleeper.sleep))

	_, err := r.UpdateWithRetry(ctx, "WU-1", occupy("W-A"), ExpectingVersion("v1"))
	require.NoError(t, err)
	assert.Equal(t, 1, obs.conflicts)
	assert.Equal(t, 1, obs.outcomes["succeeded"])
}
