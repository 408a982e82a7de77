package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wms-platform/occupation-service/internal/domain"
	"github.com/wms-platform/occupation-service/pkg/logging"
)

// Mode selects how lock expiry is handled
type Mode string

const (
	// ModeLeased locks expire after LeaseTTL unless extended.
	ModeLeased Mode = "leased"
	// ModePersistent locks are created with SafetyTTL and made permanent
	// once creation is confirmed. Only the owner or the sweep removes them.
	ModePersistent Mode = "persistent"
)

var (
	// ErrAcquisitionIncomplete means the key vanished under its safety TTL
	// before it could be persisted. The caller should retry.
	ErrAcquisitionIncomplete = errors.New("lock vanished before it could be made permanent")
	// ErrExtendUnsupported is returned by Extend for persistent locks.
	ErrExtendUnsupported = errors.New("extend is only supported for leased locks")
)

// Config holds lock manager settings
type Config struct {
	Mode           Mode
	LeaseTTL       time.Duration
	SafetyTTL      time.Duration
	KeyPrefix      string
	AbandonedAfter time.Duration
	SweepBatch     int64
}

// DefaultConfig returns persistent-mode defaults
func DefaultConfig() Config {
	return Config{
		Mode:           ModePersistent,
		LeaseTTL:       time.Hour,
		SafetyTTL:      10 * time.Second,
		KeyPrefix:      "occupation:lock:",
		AbandonedAfter: 24 * time.Hour,
		SweepBatch:     10,
	}
}

// Lock is a granted occupancy token
type Lock struct {
	WorkUnitID string    `json:"workUnitId"`
	Owner      string    `json:"owner"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// OccupantLookup reports who the record store currently lists as occupant.
// It returns "" when the unit is free or unknown.
type OccupantLookup interface {
	CurrentOccupant(ctx context.Context, workUnitID string) (string, error)
}

// OccupantLookupFunc adapts a function to OccupantLookup
type OccupantLookupFunc func(ctx context.Context, workUnitID string) (string, error)

func (f OccupantLookupFunc) CurrentOccupant(ctx context.Context, workUnitID string) (string, error) {
	return f(ctx, workUnitID)
}

// Observer receives lock outcomes for metrics
type Observer interface {
	ObserveLock(operation, outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveLock(string, string) {}

// Manager grants and revokes exclusive occupancy of work units
type Manager struct {
	store     Store
	occupants OccupantLookup
	cfg       Config
	logger    *logging.Logger
	observer  Observer
	now       func() time.Time
}

// NewManager creates a lock manager over an explicitly constructed store.
func NewManager(store Store, occupants OccupantLookup, cfg Config, logger *logging.Logger) *Manager {
	defaults := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = defaults.Mode
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaults.LeaseTTL
	}
	if cfg.SafetyTTL <= 0 {
		cfg.SafetyTTL = defaults.SafetyTTL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaults.KeyPrefix
	}
	if cfg.AbandonedAfter <= 0 {
		cfg.AbandonedAfter = defaults.AbandonedAfter
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = defaults.SweepBatch
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Manager{
		store:     store,
		occupants: occupants,
		cfg:       cfg,
		logger:    logger.WithComponent("lock-manager"),
		observer:  nopObserver{},
		now:       time.Now,
	}
}

// WithObserver attaches a metrics observer.
func (m *Manager) WithObserver(o Observer) *Manager {
	if o != nil {
		m.observer = o
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) key(workUnitID string) string {
	return m.cfg.KeyPrefix + workUnitID
}

// Acquire creates the lock for workUnitID only if none exists.
func (m *Manager) Acquire(ctx context.Context, workUnitID, owner string) (*Lock, error) {
	rec := Record{Owner: owner, Token: uuid.NewString(), AcquiredAt: m.now().UTC()}
	value, err := rec.Encode()
	if err != nil {
		return nil, err
	}

	key := m.key(workUnitID)
	ttl := m.cfg.LeaseTTL
	if m.cfg.Mode == ModePersistent {
		ttl = m.cfg.SafetyTTL
	}

	created, err := m.store.SetIfAbsent(ctx, key, value, ttl)
	if err != nil {
		m.observer.ObserveLock("acquire", "error")
		return nil, domain.Unavailable("lock store", err)
	}
	if !created {
		m.observer.ObserveLock("acquire", "occupied")
		current, err := m.Owner(ctx, workUnitID)
		if err != nil {
			return nil, err
		}
		holder := ""
		if current != nil {
			holder = current.Owner
		}
		return nil, &domain.AlreadyOccupiedError{WorkUnitID: workUnitID, CurrentOwner: holder}
	}

	if m.cfg.Mode == ModePersistent {
		persisted, err := m.store.Persist(ctx, key)
		if err != nil || !persisted {
			// The key may still be ours; drop it rather than wait out the safety TTL.
			if _, delErr := m.store.DeleteIfTokenMatches(ctx, key, rec.Token); delErr != nil {
				m.logger.WithError(delErr).Warn("Failed to clean up unpersisted lock", "workUnitId", workUnitID)
			}
			m.observer.ObserveLock("acquire", "incomplete")
			if err != nil {
				return nil, domain.Unavailable("lock store", fmt.Errorf("%w: %w", ErrAcquisitionIncomplete, err))
			}
			return nil, domain.Unavailable("lock store", ErrAcquisitionIncomplete)
		}
	}

	m.observer.ObserveLock("acquire", "granted")
	m.logger.Debug("Lock acquired", "workUnitId", workUnitID, "owner", owner, "mode", string(m.cfg.Mode))

	return &Lock{
		WorkUnitID: workUnitID,
		Owner:      owner,
		Token:      rec.Token,
		AcquiredAt: rec.AcquiredAt,
	}, nil
}

// Release deletes the lock only if token matches the stored one. It returns
// false, without error, when the lock is already gone or belongs to someone else.
func (m *Manager) Release(ctx context.Context, workUnitID, owner, token string) (bool, error) {
	released, err := m.store.DeleteIfTokenMatches(ctx, m.key(workUnitID), token)
	if err != nil {
		m.observer.ObserveLock("release", "error")
		return false, domain.Unavailable("lock store", err)
	}
	if !released {
		m.observer.ObserveLock("release", "not_held")
		m.logger.Debug("Release skipped, token does not match", "workUnitId", workUnitID, "owner", owner)
		return false, nil
	}
	m.observer.ObserveLock("release", "released")
	return true, nil
}

// Owner returns the current lock, or nil when the work unit is free.
func (m *Manager) Owner(ctx context.Context, workUnitID string) (*Lock, error) {
	value, err := m.store.Get(ctx, m.key(workUnitID))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Unavailable("lock store", err)
	}

	rec, err := DecodeRecord(value)
	if err != nil {
		return nil, err
	}
	return &Lock{WorkUnitID: workUnitID, Owner: rec.Owner, Token: rec.Token, AcquiredAt: rec.AcquiredAt}, nil
}

// Verify returns the lock held by workerID on workUnitID. It fails with
// ErrLockExpired when no lock exists and ErrNotAuthorized when another
// worker holds it.
func (m *Manager) Verify(ctx context.Context, workUnitID, workerID string) (*Lock, error) {
	current, err := m.Owner(ctx, workUnitID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("work unit %s: %w", workUnitID, domain.ErrLockExpired)
	}
	if current.Owner != workerID {
		return nil, fmt.Errorf("work unit %s is held by another worker: %w", workUnitID, domain.ErrNotAuthorized)
	}
	return current, nil
}

// Extend adds extra to a leased lock after checking token ownership.
func (m *Manager) Extend(ctx context.Context, workUnitID, token string, extra time.Duration) (bool, error) {
	if m.cfg.Mode != ModeLeased {
		return false, ErrExtendUnsupported
	}
	extended, err := m.store.ExtendIfTokenMatches(ctx, m.key(workUnitID), token, extra)
	if err != nil {
		return false, domain.Unavailable("lock store", err)
	}
	return extended, nil
}

// Remaining returns how long the lock on workUnitID has left. It is zero
// for a permanent or missing lock.
func (m *Manager) Remaining(ctx context.Context, workUnitID string) (time.Duration, error) {
	ttl, err := m.store.TTL(ctx, m.key(workUnitID))
	if err != nil {
		return 0, domain.Unavailable("lock store", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Renew tops a leased lock back up to LeaseTTL and returns its new remaining
// lifetime. It fails with ErrLockExpired when token no longer holds the key.
func (m *Manager) Renew(ctx context.Context, workUnitID, token string) (time.Duration, error) {
	if m.cfg.Mode != ModeLeased {
		return 0, ErrExtendUnsupported
	}
	remaining, err := m.Remaining(ctx, workUnitID)
	if err != nil {
		return 0, err
	}

	extra := m.cfg.LeaseTTL - remaining
	if extra <= 0 {
		return remaining, nil
	}
	extended, err := m.Extend(ctx, workUnitID, token, extra)
	if err != nil {
		m.observer.ObserveLock("renew", "error")
		return 0, err
	}
	if !extended {
		m.observer.ObserveLock("renew", "lost")
		return 0, fmt.Errorf("work unit %s: %w", workUnitID, domain.ErrLockExpired)
	}
	m.observer.ObserveLock("renew", "renewed")
	return remaining + extra, nil
}

// SweepResult describes what a single sweep call looked at
type SweepResult struct {
	Inspected string        `json:"inspected,omitempty"`
	Age       time.Duration `json:"age,omitempty"`
	Removed   bool          `json:"removed"`
	Reason    string        `json:"reason,omitempty"`
}

// SweepOneAbandoned inspects the first lock of a bounded scan and removes it
// when it is older than AbandonedAfter and the record store no longer lists
// its owner as occupant. It touches at most one key per call.
func (m *Manager) SweepOneAbandoned(ctx context.Context) (SweepResult, error) {
	keys, err := m.store.Scan(ctx, m.cfg.KeyPrefix+"*", m.cfg.SweepBatch)
	if err != nil {
		return SweepResult{}, domain.Unavailable("lock store", err)
	}
	if len(keys) == 0 {
		return SweepResult{Reason: "no locks"}, nil
	}

	key := keys[0]
	result := SweepResult{Inspected: key}

	value, err := m.store.Get(ctx, key)
	if errors.Is(err, ErrKeyNotFound) {
		result.Reason = "already gone"
		return result, nil
	}
	if err != nil {
		return result, domain.Unavailable("lock store", err)
	}

	rec, err := DecodeRecord(value)
	if err != nil {
		m.logger.WithError(err).Warn("Unreadable lock value left in place", "key", key)
		result.Reason = "unreadable"
		return result, nil
	}

	result.Age = m.now().Sub(rec.AcquiredAt)
	if result.Age <= m.cfg.AbandonedAfter {
		result.Reason = "fresh"
		return result, nil
	}

	workUnitID := strings.TrimPrefix(key, m.cfg.KeyPrefix)
	occupant, err := m.occupants.CurrentOccupant(ctx, workUnitID)
	if err != nil {
		return result, err
	}
	if occupant == rec.Owner {
		result.Reason = "occupant matches"
		return result, nil
	}

	removed, err := m.store.DeleteIfTokenMatches(ctx, key, rec.Token)
	if err != nil {
		return result, domain.Unavailable("lock store", err)
	}
	result.Removed = removed
	if removed {
		result.Reason = "abandoned"
		m.observer.ObserveLock("sweep", "removed")
		m.logger.Info("Abandoned lock removed",
			"workUnitId", workUnitID,
			"owner", rec.Owner,
			"ageHours", int(result.Age.Hours()),
		)
	} else {
		result.Reason = "replaced"
	}
	return result, nil
}

// RecordOccupants reads occupants straight from a record store. Unknown work
// units report no occupant.
func RecordOccupants(records domain.RecordStore) OccupantLookup {
	return OccupantLookupFunc(func(ctx context.Context, workUnitID string) (string, error) {
		w, err := records.Read(ctx, workUnitID)
		if errors.Is(err, domain.ErrWorkUnitNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return w.OccupantID(), nil
	})
}
