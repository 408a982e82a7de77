package conflict

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/wms-platform/occupation-service/internal/domain"
	"github.com/wms-platform/occupation-service/pkg/logging"
	"github.com/wms-platform/occupation-service/pkg/resilience"
)

// Observer mirrors resolver outcomes into an external metrics system
type Observer interface {
	ObserveConflict(operation string)
	ObserveRetryOutcome(outcome string, retries int)
}

type nopObserver struct{}

func (nopObserver) ObserveConflict(string)          {}
func (nopObserver) ObserveRetryOutcome(string, int) {}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures a Resolver
type Option func(*Resolver)

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(r *Resolver) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithSleeper replaces the backoff wait.
func WithSleeper(s Sleeper) Option {
	return func(r *Resolver) {
		if s != nil {
			r.sleep = s
		}
	}
}

// WithVersionFunc replaces the version token generator.
func WithVersionFunc(f func() string) Option {
	return func(r *Resolver) {
		if f != nil {
			r.newVersion = f
		}
	}
}

// Resolver commits field deltas with optimistic concurrency against a
// RecordStore. When the store implements domain.VersionedWriter the
// conditional write is atomic. Otherwise it is a read-verify-write and a
// concurrent writer landing between the verify and the write goes undetected.
type Resolver struct {
	store      domain.RecordStore
	versioned  domain.VersionedWriter
	policy     RetryPolicy
	metrics    *Metrics
	logger     *logging.Logger
	observer   Observer
	sleep      Sleeper
	random     func() float64
	newVersion func() string
}

// NewResolver creates a resolver. metrics is owned by the caller so that it
// can be shared with read paths and reset in tests.
func NewResolver(store domain.RecordStore, policy RetryPolicy, metrics *Metrics, logger *logging.Logger, opts ...Option) *Resolver {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Resolver{
		store:      store,
		policy:     policy.withDefaults(),
		metrics:    metrics,
		logger:     logger.WithComponent("conflict-resolver"),
		observer:   nopObserver{},
		sleep:      sleepContext,
		random:     rand.Float64,
		newVersion: uuid.NewString,
	}
	if vw, ok := store.(domain.VersionedWriter); ok {
		r.versioned = vw
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the effective retry policy.
func (r *Resolver) Policy() RetryPolicy {
	return r.policy
}

// Metrics returns the conflict ledger.
func (r *Resolver) Metrics() *Metrics {
	return r.metrics
}

// Atomic reports whether writes go through a native compare-and-swap.
func (r *Resolver) Atomic() bool {
	return r.versioned != nil
}

// Guard validates the freshly read record before each write attempt.
type Guard func(current *domain.WorkUnit) error

type updateOptions struct {
	operation       string
	maxAttempts     int
	expectedVersion string
	guard           Guard
}

// UpdateOption configures one UpdateWithRetry call
type UpdateOption func(*updateOptions)

// ForOperation names the operation in conflict records and logs.
func ForOperation(name string) UpdateOption {
	return func(o *updateOptions) { o.operation = name }
}

// MaxAttempts overrides the policy's attempt limit.
func MaxAttempts(n int) UpdateOption {
	return func(o *updateOptions) { o.maxAttempts = n }
}

// ExpectingVersion makes the first attempt conditional on a version the
// caller already read.
func ExpectingVersion(v string) UpdateOption {
	return func(o *updateOptions) { o.expectedVersion = v }
}

// WithGuard runs g against every fresh read before writing. A guard error
// aborts the update without retrying.
func WithGuard(g Guard) UpdateOption {
	return func(o *updateOptions) { o.guard = g }
}

// budget bounds both retry loops of a single update
type budget struct {
	conflicts   int
	storeErrors int
}

// UpdateWithRetry applies deltas to workUnitID as one conditional write and
// returns the new version. Version mismatches are retried with jittered
// exponential backoff; after the last attempt a *domain.VersionConflictError
// is returned. StoreUnavailable failures are retried on a separate short
// schedule that shares the same per-call budget.
func (r *Resolver) UpdateWithRetry(ctx context.Context, workUnitID string, deltas domain.FieldDeltas, opts ...UpdateOption) (string, error) {
	o := &updateOptions{operation: "update", maxAttempts: r.policy.MaxAttempts}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = r.policy.MaxAttempts
	}

	b := &budget{conflicts: o.maxAttempts, storeErrors: r.policy.StoreRetries}
	expected := o.expectedVersion
	retries := 0

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		version, conflict, err := r.tryOnce(ctx, workUnitID, deltas, o, expected, b)
		if err != nil {
			if retries > 0 {
				r.metrics.RecordOutcome(workUnitID, retries, false)
				r.observer.ObserveRetryOutcome("failed", retries)
			}
			return "", err
		}

		if conflict == nil {
			if retries > 0 {
				r.metrics.RecordOutcome(workUnitID, retries, true)
				r.observer.ObserveRetryOutcome("succeeded", retries)
				r.logger.Info("Conflicted write committed after retry",
					"workUnitId", workUnitID,
					"operation", o.operation,
					"retries", retries,
				)
			}
			return version, nil
		}

		b.conflicts--
		conflict.RetryCount = retries + 1
		conflict.MaxRetries = o.maxAttempts
		r.metrics.RecordConflict(*conflict)
		r.observer.ObserveConflict(o.operation)

		if b.conflicts <= 0 {
			r.metrics.RecordOutcome(workUnitID, retries, false)
			r.observer.ObserveRetryOutcome("exhausted", retries)
			r.logger.Warn("Version conflict retries exhausted",
				"workUnitId", workUnitID,
				"operation", o.operation,
				"expected", conflict.Expected,
				"actual", conflict.Actual,
				"attempts", conflict.RetryCount,
			)
			return "", conflict
		}

		delay := r.policy.calculateDelay(retries, r.random)
		r.logger.Debug("Version conflict, backing off",
			"workUnitId", workUnitID,
			"operation", o.operation,
			"attempt", conflict.RetryCount,
			"delay", delay.String(),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return "", err
		}
		retries++
		expected = ""
	}
}

// tryOnce performs one read, verify and write cycle. A non-nil conflict means
// the version moved; err is reserved for everything that must not be retried
// as a conflict.
func (r *Resolver) tryOnce(ctx context.Context, workUnitID string, deltas domain.FieldDeltas, o *updateOptions, expected string, b *budget) (string, *domain.VersionConflictError, error) {
	current, err := withStoreRetry(ctx, r, b, func() (*domain.WorkUnit, error) {
		return r.store.Read(ctx, workUnitID)
	})
	if err != nil {
		return "", nil, err
	}

	if expected != "" && current.Version != expected {
		return "", r.conflictFor(workUnitID, o, expected, current.Version), nil
	}

	if o.guard != nil {
		if err := o.guard(current); err != nil {
			return "", nil, err
		}
	}

	next := r.newVersion()

	if r.versioned != nil {
		ok, err := withStoreRetry(ctx, r, b, func() (bool, error) {
			return r.versioned.WriteIfVersionMatches(ctx, workUnitID, deltas, current.Version, next)
		})
		if err != nil {
			return "", nil, err
		}
		if !ok {
			actual := ""
			if latest, err := r.store.Read(ctx, workUnitID); err == nil {
				actual = latest.Version
			}
			return "", r.conflictFor(workUnitID, o, current.Version, actual), nil
		}
		return next, nil, nil
	}

	verified, err := withStoreRetry(ctx, r, b, func() (*domain.WorkUnit, error) {
		return r.store.Read(ctx, workUnitID)
	})
	if err != nil {
		return "", nil, err
	}
	if verified.Version != current.Version {
		return "", r.conflictFor(workUnitID, o, current.Version, verified.Version), nil
	}

	// A writer landing here is not detected.
	_, err = withStoreRetry(ctx, r, b, func() (struct{}, error) {
		return struct{}{}, r.store.Write(ctx, workUnitID, deltas, next)
	})
	if err != nil {
		return "", nil, err
	}
	return next, nil, nil
}

func (r *Resolver) conflictFor(workUnitID string, o *updateOptions, expected, actual string) *domain.VersionConflictError {
	return &domain.VersionConflictError{
		WorkUnitID: workUnitID,
		Expected:   expected,
		Actual:     actual,
		Operation:  o.operation,
	}
}

// withStoreRetry retries fn while it fails with ErrStoreUnavailable and the
// shared budget allows, then charges the extra calls to the budget.
func withStoreRetry[T any](ctx context.Context, r *Resolver, b *budget, fn func() (T, error)) (T, error) {
	calls := 0
	cfg := &resilience.RetryConfig{
		MaxAttempts:   1 + max(b.storeErrors, 0),
		InitialDelay:  r.policy.StoreRetryDelay,
		MaxDelay:      r.policy.StoreRetryMaxDelay,
		BackoffFactor: 2.0,
		RetryableErrors: func(err error) bool {
			return errors.Is(err, domain.ErrStoreUnavailable)
		},
	}
	out, err := resilience.RetryWithResult(ctx, cfg, func() (T, error) {
		calls++
		return fn()
	})
	if calls > 1 {
		b.storeErrors -= calls - 1
	}
	if err != nil && calls > 1 {
		r.logger.Warn("Store still unavailable after retries", "calls", calls, "error", err.Error())
	}
	return out, err
}
