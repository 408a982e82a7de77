package application

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wms-platform/occupation-service/internal/conflict"
	"github.com/wms-platform/occupation-service/internal/domain"
	"github.com/wms-platform/occupation-service/internal/lock"
	"github.com/wms-platform/occupation-service/pkg/errors"
	"github.com/wms-platform/occupation-service/pkg/logging"
	"github.com/wms-platform/occupation-service/pkg/tracing"
)

// Observer receives per-verb outcomes for metrics
type Observer interface {
	ObserveVerb(verb, operation, outcome string, duration time.Duration)
	ObserveTornRecovery(operation string)
}

type nopObserver struct{}

func (nopObserver) ObserveVerb(string, string, string, time.Duration) {}
func (nopObserver) ObserveTornRecovery(string)                        {}

// Option configures an OccupationService
type Option func(*OccupationService)

// WithCatalog replaces the default operation catalog.
func WithCatalog(c domain.Catalog) Option {
	return func(s *OccupationService) { s.catalog = c }
}

// WithTracer sets the tracer used for verb spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *OccupationService) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(s *OccupationService) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithClock replaces the time source for written timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *OccupationService) { s.now = now }
}

// WithoutSweep disables the abandoned-lock sweep that follows each BEGIN.
func WithoutSweep() Option {
	return func(s *OccupationService) { s.sweep = false }
}

// OccupationService orchestrates BEGIN, SUSPEND and FINISH for every
// operation type. State is hydrated from the record on each call and never
// kept between calls.
type OccupationService struct {
	records  domain.RecordStore
	locks    *lock.Manager
	resolver *conflict.Resolver
	sink     domain.NotificationSink
	catalog  domain.Catalog
	tracer   trace.Tracer
	observer Observer
	logger   *logging.Logger
	now      func() time.Time
	sweep    bool
}

// NewOccupationService creates a new OccupationService
func NewOccupationService(
	records domain.RecordStore,
	locks *lock.Manager,
	resolver *conflict.Resolver,
	sink domain.NotificationSink,
	logger *logging.Logger,
	opts ...Option,
) *OccupationService {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &OccupationService{
		records:  records,
		locks:    locks,
		resolver: resolver,
		sink:     sink,
		catalog:  domain.DefaultCatalog(),
		tracer:   otel.Tracer("occupation-service"),
		observer: nopObserver{},
		logger:   logger.WithComponent("occupation"),
		now:      time.Now,
		sweep:    true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Catalog returns the operations this service accepts.
func (s *OccupationService) Catalog() domain.Catalog {
	return s.catalog
}

// Begin takes workUnitID for the operation. A PENDING slot is started, a
// PAUSED slot is resumed. Any failure after the lock is granted releases it
// before the error is returned.
func (s *OccupationService) Begin(ctx context.Context, cmd BeginCommand) (*OccupationDTO, error) {
	return s.run(ctx, cmd.input(), s.begin)
}

// Suspend pauses an in-progress operation held by the caller.
func (s *OccupationService) Suspend(ctx context.Context, cmd SuspendCommand) (*OccupationDTO, error) {
	return s.run(ctx, cmd.input(), s.suspend)
}

// Finish completes an in-progress operation held by the caller.
func (s *OccupationService) Finish(ctx context.Context, cmd FinishCommand) (*OccupationDTO, error) {
	return s.run(ctx, cmd.input(), s.finish)
}

func (s *OccupationService) run(ctx context.Context, in verbInput, fn func(context.Context, verbInput, *logging.Logger) (*OccupationDTO, error)) (*OccupationDTO, error) {
	ctx, span := tracing.StartTimedSpan(ctx, s.tracer, "occupation."+in.verb)
	span.SetAttributes(tracing.OccupationSpanAttributes(in.verb, in.workUnitID, string(in.operation), in.workerID)...)

	logger := s.logger.WithWorkUnit(in.workUnitID, string(in.operation)).WithContext(ctx)

	var dto *OccupationDTO
	err := s.validate(in)
	if err == nil {
		dto, err = fn(ctx, in, logger)
	}

	duration := span.EndWithError(err)
	s.observer.ObserveVerb(in.verb, string(in.operation), outcomeOf(err), duration)
	if err != nil {
		logger.Debug("Occupation verb rejected", "verb", in.verb, "workerId", in.workerID, "error", err.Error())
	}
	return dto, err
}

func (s *OccupationService) validate(in verbInput) error {
	if err := requireIDs(in.workUnitID, in.workerID); err != nil {
		return err
	}
	_, err := s.catalog.Lookup(in.operation)
	return err
}

func requireIDs(workUnitID, workerID string) error {
	var missing []string
	if strings.TrimSpace(workUnitID) == "" {
		missing = append(missing, "workUnitId")
	}
	if strings.TrimSpace(workerID) == "" {
		missing = append(missing, "workerId")
	}
	if len(missing) > 0 {
		return errors.ErrValidation(fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")))
	}
	return nil
}

// hydrate derives the state of op from w. A torn occupant is only honored
// when no other slot is actively worked by that occupant; otherwise the
// occupant belongs to that slot and op has simply not started.
func (s *OccupationService) hydrate(w *domain.WorkUnit, op domain.OperationType) domain.Hydration {
	h := domain.Hydrate(w.Snapshot(op))
	if !h.Torn {
		return h
	}
	if other := s.activeSlot(w, op); other != "" {
		return domain.Hydration{State: domain.StatePending}
	}
	return h
}

// activeSlot returns another slot of w that is IN_PROGRESS without being torn.
func (s *OccupationService) activeSlot(w *domain.WorkUnit, except domain.OperationType) domain.OperationType {
	for _, op := range s.sortedOperations() {
		if op == except {
			continue
		}
		h := domain.Hydrate(w.Snapshot(op))
		if h.State == domain.StateInProgress && !h.Torn {
			return op
		}
	}
	return ""
}

func (s *OccupationService) sortedOperations() []domain.OperationType {
	ops := s.catalog.Types()
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

func (s *OccupationService) warnTorn(logger *logging.Logger, w *domain.WorkUnit, op domain.OperationType, verb string) {
	s.observer.ObserveTornRecovery(string(op))
	logger.Warn("Recovering torn write: occupant set without assigned worker",
		"verb", verb,
		"occupant", w.OccupantID(),
		"version", w.Version,
	)
}

// expectState is a write guard that re-hydrates the fresh record and fails
// when op is no longer in the state the transition was computed from.
func (s *OccupationService) expectState(op domain.OperationType, want domain.State, event domain.Event) conflict.Guard {
	return func(current *domain.WorkUnit) error {
		if got := s.hydrate(current, op).State; got != want {
			return &domain.InvalidTransitionError{Operation: op, From: got, Event: event}
		}
		return nil
	}
}

func (s *OccupationService) read(ctx context.Context, workUnitID string) (*domain.WorkUnit, error) {
	w, err := s.records.Read(ctx, workUnitID)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *OccupationService) begin(ctx context.Context, in verbInput, logger *logging.Logger) (*OccupationDTO, error) {
	w, err := s.read(ctx, in.workUnitID)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.CheckPrerequisite(w, in.operation); err != nil {
		return nil, err
	}

	lk, err := s.locks.Acquire(ctx, in.workUnitID, in.workerID)
	if err != nil {
		return nil, err
	}

	dto, err := s.beginLocked(ctx, in, lk, logger)
	if err != nil {
		s.rollbackLock(ctx, lk, logger)
		return nil, err
	}

	if s.sweep {
		s.sweepOne(ctx, logger)
	}
	return dto, nil
}

func (s *OccupationService) beginLocked(ctx context.Context, in verbInput, lk *lock.Lock, logger *logging.Logger) (*OccupationDTO, error) {
	w, err := s.read(ctx, in.workUnitID)
	if err != nil {
		return nil, err
	}

	if other := s.activeSlot(w, in.operation); other != "" {
		return nil, &domain.AlreadyOccupiedError{WorkUnitID: in.workUnitID, CurrentOwner: w.OccupantID()}
	}

	h := s.hydrate(w, in.operation)
	if h.Torn {
		s.warnTorn(logger, w, in.operation, in.verb)
	}
	from := h.State
	event := domain.StartEvent(from)
	sm := domain.NewStateMachine(in.operation, h)
	to, err := sm.Fire(event)
	if err != nil {
		return nil, err
	}

	at := s.now().UTC()
	label := domain.StatusLabel(in.operation, to, in.workerID)
	deltas := domain.OccupyDeltas(in.workerID, at).
		Set(domain.SlotField(in.operation, "statusLabel"), label)
	if from == domain.StatePending {
		deltas.
			Set(domain.SlotField(in.operation, "assignedWorker"), in.workerID).
			Set(domain.SlotField(in.operation, "startedAt"), at)
	}

	version, err := s.resolver.UpdateWithRetry(ctx, in.workUnitID, deltas,
		conflict.ForOperation("begin"),
		conflict.ExpectingVersion(w.Version),
		conflict.WithGuard(s.expectState(in.operation, from, event)),
	)
	if err != nil {
		if stderrors.Is(err, domain.ErrStoreUnavailable) {
			s.compensateBegin(ctx, in, from, logger)
		}
		return nil, err
	}

	var evt domain.DomainEvent
	if from == domain.StatePaused {
		evt = &domain.OccupationResumedEvent{
			WorkUnitID: in.workUnitID, Operation: string(in.operation), WorkerID: in.workerID, Version: version, ResumedAt: at,
		}
	} else {
		evt = &domain.OccupationStartedEvent{
			WorkUnitID: in.workUnitID, Operation: string(in.operation), WorkerID: in.workerID, Version: version, StartedAt: at,
		}
	}
	s.publish(ctx, evt, logger)
	logger.Audit(ctx, string(event), "work_unit", in.workUnitID, in.workerID, map[string]any{
		"operation": string(in.operation),
		"from":      string(from),
		"to":        string(to),
		"version":   version,
	})

	return &OccupationDTO{
		WorkUnitID:    in.workUnitID,
		Operation:     string(in.operation),
		PreviousState: string(from),
		State:         string(to),
		Occupant:      in.workerID,
		Version:       version,
		StatusLabel:   label,
		LockToken:     lk.Token,
	}, nil
}

// rollbackLock releases a lock granted earlier in the same call. It runs on a
// context detached from cancellation so an abandoned request still cleans up.
func (s *OccupationService) rollbackLock(ctx context.Context, lk *lock.Lock, logger *logging.Logger) {
	released, err := s.locks.Release(context.WithoutCancel(ctx), lk.WorkUnitID, lk.Owner, lk.Token)
	if err != nil {
		logger.WithError(err).Error("Failed to roll back lock", "workerId", lk.Owner)
		return
	}
	if !released {
		logger.Warn("Lock already gone during rollback", "workerId", lk.Owner)
	}
}

// compensateBegin undoes the field writes of a BEGIN whose outcome is unknown
// because the store failed mid-call. It only touches the record if the
// caller's occupancy actually landed.
func (s *OccupationService) compensateBegin(ctx context.Context, in verbInput, from domain.State, logger *logging.Logger) {
	ctx = context.WithoutCancel(ctx)
	w, err := s.records.Read(ctx, in.workUnitID)
	if err != nil || w.OccupantID() != in.workerID {
		return
	}

	deltas := domain.VacateDeltas().
		Set(domain.SlotField(in.operation, "statusLabel"), domain.StatusLabel(in.operation, from, in.workerID))
	if from == domain.StatePending {
		deltas.
			Clear(domain.SlotField(in.operation, "assignedWorker")).
			Clear(domain.SlotField(in.operation, "startedAt"))
	}

	_, err = s.resolver.UpdateWithRetry(ctx, in.workUnitID, deltas,
		conflict.ForOperation("begin-compensate"),
		conflict.MaxAttempts(1),
		conflict.WithGuard(func(current *domain.WorkUnit) error {
			if current.OccupantID() != in.workerID {
				return fmt.Errorf("occupant changed to %q", current.OccupantID())
			}
			return nil
		}),
	)
	if err != nil {
		logger.WithError(err).Error("Failed to compensate partial begin", "workerId", in.workerID)
		return
	}
	logger.Warn("Compensated partial begin after store failure", "workerId", in.workerID)
}

func (s *OccupationService) sweepOne(ctx context.Context, logger *logging.Logger) {
	res, err := s.locks.SweepOneAbandoned(context.WithoutCancel(ctx))
	if err != nil {
		logger.WithError(err).Warn("Abandoned lock sweep failed")
		return
	}
	if res.Removed {
		logger.Debug("Sweep removed abandoned lock", "key", res.Inspected)
	}
}

// ownership resolves the caller's lock for SUSPEND and FINISH. With no lock
// at all, a record that still lists the caller as occupant (a lapsed lease or
// a torn write) gets the lock re-acquired for the caller. reclaimed reports
// that case so a failed verb can give the lock back.
func (s *OccupationService) ownership(ctx context.Context, in verbInput, logger *logging.Logger) (lk *lock.Lock, w *domain.WorkUnit, reclaimed bool, err error) {
	lk, err = s.locks.Verify(ctx, in.workUnitID, in.workerID)
	if err == nil {
		w, err = s.read(ctx, in.workUnitID)
		return lk, w, false, err
	}
	if !stderrors.Is(err, domain.ErrLockExpired) {
		return nil, nil, false, err
	}

	lk, w, err = s.reclaim(ctx, in.workUnitID, in.workerID, err, logger)
	if err != nil {
		return nil, nil, false, err
	}
	return lk, w, true, nil
}

// reclaim re-acquires the lock for workerID when the record still lists it as
// occupant. Otherwise lapsed is returned unchanged.
func (s *OccupationService) reclaim(ctx context.Context, workUnitID, workerID string, lapsed error, logger *logging.Logger) (*lock.Lock, *domain.WorkUnit, error) {
	w, err := s.read(ctx, workUnitID)
	if err != nil {
		return nil, nil, err
	}
	if w.OccupantID() != workerID {
		return nil, nil, lapsed
	}

	lk, err := s.locks.Acquire(ctx, workUnitID, workerID)
	if err != nil {
		var occupied *domain.AlreadyOccupiedError
		if stderrors.As(err, &occupied) {
			return nil, nil, fmt.Errorf("work unit %s is held by %s: %w", workUnitID, occupied.CurrentOwner, domain.ErrNotAuthorized)
		}
		return nil, nil, err
	}
	logger.Warn("Lock re-acquired for recorded occupant", "workerId", workerID, "version", w.Version)
	return lk, w, nil
}

func (s *OccupationService) releaseAfterWrite(ctx context.Context, lk *lock.Lock, logger *logging.Logger) bool {
	if lk == nil {
		return false
	}
	released, err := s.locks.Release(context.WithoutCancel(ctx), lk.WorkUnitID, lk.Owner, lk.Token)
	if err != nil {
		// The record is already consistent; the next ownership check sees a stale lock.
		logger.WithError(err).Warn("Lock release failed after write", "workerId", lk.Owner)
		return false
	}
	return released
}

func (s *OccupationService) suspend(ctx context.Context, in verbInput, logger *logging.Logger) (dto *OccupationDTO, err error) {
	lk, w, reclaimed, err := s.ownership(ctx, in, logger)
	if err != nil {
		return nil, err
	}
	if reclaimed {
		defer func() {
			if err != nil {
				s.rollbackLock(ctx, lk, logger)
			}
		}()
	}

	h := s.hydrate(w, in.operation)
	if h.Torn {
		s.warnTorn(logger, w, in.operation, in.verb)
	}
	from := h.State
	sm := domain.NewStateMachine(in.operation, h)
	to, err := sm.Fire(domain.EventPause)
	if err != nil {
		return nil, err
	}
	if h.Torn {
		// Nothing was assigned, so clearing the occupant leaves the slot unstarted.
		to = domain.StatePending
	}

	at := s.now().UTC()
	label := domain.StatusLabel(in.operation, to, in.workerID)
	deltas := domain.VacateDeltas().
		Set(domain.SlotField(in.operation, "statusLabel"), label)

	version, err := s.resolver.UpdateWithRetry(ctx, in.workUnitID, deltas,
		conflict.ForOperation("suspend"),
		conflict.ExpectingVersion(w.Version),
		conflict.WithGuard(s.expectState(in.operation, from, domain.EventPause)),
	)
	if err != nil {
		return nil, err
	}

	released := s.releaseAfterWrite(ctx, lk, logger)

	s.publish(ctx, &domain.OccupationPausedEvent{
		WorkUnitID: in.workUnitID,
		Operation:  string(in.operation),
		WorkerID:   in.workerID,
		Version:    version,
		Recovered:  h.Torn,
		PausedAt:   at,
	}, logger)
	logger.Audit(ctx, string(domain.EventPause), "work_unit", in.workUnitID, in.workerID, map[string]any{
		"operation": string(in.operation),
		"from":      string(from),
		"to":        string(to),
		"version":   version,
		"recovered": h.Torn,
	})

	return &OccupationDTO{
		WorkUnitID:    in.workUnitID,
		Operation:     string(in.operation),
		PreviousState: string(from),
		State:         string(to),
		Version:       version,
		StatusLabel:   label,
		Recovered:     h.Torn,
		LockReleased:  released,
	}, nil
}

func (s *OccupationService) finish(ctx context.Context, in verbInput, logger *logging.Logger) (dto *OccupationDTO, err error) {
	lk, w, reclaimed, err := s.ownership(ctx, in, logger)
	if err != nil {
		return nil, err
	}
	if reclaimed {
		defer func() {
			if err != nil {
				s.rollbackLock(ctx, lk, logger)
			}
		}()
	}

	h := s.hydrate(w, in.operation)
	if h.Torn {
		s.warnTorn(logger, w, in.operation, in.verb)
	}
	from := h.State
	sm := domain.NewStateMachine(in.operation, h)
	to, err := sm.Fire(domain.EventFinish)
	if err != nil {
		return nil, err
	}

	at := s.now().UTC()
	label := domain.StatusLabel(in.operation, to, in.workerID)
	deltas := domain.VacateDeltas().
		Set(domain.SlotField(in.operation, "completedAt"), at).
		Set(domain.SlotField(in.operation, "assignedWorker"), in.workerID).
		Set(domain.SlotField(in.operation, "statusLabel"), label)

	version, err := s.resolver.UpdateWithRetry(ctx, in.workUnitID, deltas,
		conflict.ForOperation("finish"),
		conflict.ExpectingVersion(w.Version),
		conflict.WithGuard(s.expectState(in.operation, from, domain.EventFinish)),
	)
	if err != nil {
		return nil, err
	}

	released := s.releaseAfterWrite(ctx, lk, logger)

	s.publish(ctx, &domain.OccupationCompletedEvent{
		WorkUnitID:  in.workUnitID,
		Operation:   string(in.operation),
		WorkerID:    in.workerID,
		Version:     version,
		CompletedAt: at,
	}, logger)
	logger.Audit(ctx, string(domain.EventFinish), "work_unit", in.workUnitID, in.workerID, map[string]any{
		"operation": string(in.operation),
		"from":      string(from),
		"to":        string(to),
		"version":   version,
	})

	return &OccupationDTO{
		WorkUnitID:    in.workUnitID,
		Operation:     string(in.operation),
		PreviousState: string(from),
		State:         string(to),
		Version:       version,
		StatusLabel:   label,
		Recovered:     h.Torn,
		LockReleased:  released,
	}, nil
}

// publish hands evt to the sink. Sink failures are logged and swallowed.
func (s *OccupationService) publish(ctx context.Context, evt domain.DomainEvent, logger *logging.Logger) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Publish(ctx, evt); err != nil {
		logger.WithError(err).Warn("Failed to publish occupation event", "eventType", evt.EventType())
	}
}

// GetStatus returns the hydrated state of every operation slot.
func (s *OccupationService) GetStatus(ctx context.Context, query GetStatusQuery) (*WorkUnitStatusDTO, error) {
	ctx, span := s.tracer.Start(ctx, "occupation.status")
	defer span.End()
	span.SetAttributes(attribute.String("occupation.work_unit_id", query.WorkUnitID))

	w, err := s.read(ctx, query.WorkUnitID)
	if err != nil {
		return nil, err
	}
	lk, err := s.locks.Owner(ctx, query.WorkUnitID)
	if err != nil {
		return nil, err
	}

	ops := s.sortedOperations()
	hydrations := make(map[domain.OperationType]domain.Hydration, len(ops))
	for _, op := range ops {
		hydrations[op] = s.hydrate(w, op)
	}
	return ToWorkUnitStatusDTO(w, lk, s.catalog, ops, hydrations), nil
}

// GetLock returns the current lock holder, or nil when the unit is free.
func (s *OccupationService) GetLock(ctx context.Context, query GetLockQuery) (*LockDTO, error) {
	lk, err := s.locks.Owner(ctx, query.WorkUnitID)
	if err != nil || lk == nil {
		return nil, err
	}
	remaining, err := s.locks.Remaining(ctx, query.WorkUnitID)
	if err != nil {
		return nil, err
	}
	return s.lockView(lk, remaining), nil
}

func (s *OccupationService) lockView(lk *lock.Lock, remaining time.Duration) *LockDTO {
	dto := ToLockDTO(lk)
	if remaining > 0 {
		at := s.now().UTC().Add(remaining)
		dto.ExpiresAt = &at
	}
	return dto
}

// Heartbeat keeps a leased lock alive while its holder works. The lease is
// topped back up to the configured TTL. A lease that already lapsed is
// re-acquired when the record still lists the caller as occupant.
func (s *OccupationService) Heartbeat(ctx context.Context, cmd HeartbeatCommand) (*LockDTO, error) {
	ctx, span := tracing.StartTimedSpan(ctx, s.tracer, "occupation.heartbeat")
	span.SetAttributes(tracing.OccupationSpanAttributes("heartbeat", cmd.WorkUnitID, "", cmd.WorkerID)...)

	logger := s.logger.WithWorkUnit(cmd.WorkUnitID, "").WithContext(ctx)
	dto, err := s.heartbeat(ctx, cmd, logger)

	duration := span.EndWithError(err)
	s.observer.ObserveVerb("heartbeat", "", outcomeOf(err), duration)
	if err != nil {
		logger.Debug("Heartbeat rejected", "workerId", cmd.WorkerID, "error", err.Error())
	}
	return dto, err
}

func (s *OccupationService) heartbeat(ctx context.Context, cmd HeartbeatCommand, logger *logging.Logger) (*LockDTO, error) {
	if err := requireIDs(cmd.WorkUnitID, cmd.WorkerID); err != nil {
		return nil, err
	}
	if s.locks.Config().Mode != lock.ModeLeased {
		return nil, lock.ErrExtendUnsupported
	}

	lk, err := s.locks.Verify(ctx, cmd.WorkUnitID, cmd.WorkerID)
	if stderrors.Is(err, domain.ErrLockExpired) {
		if lk, _, err = s.reclaim(ctx, cmd.WorkUnitID, cmd.WorkerID, err, logger); err != nil {
			return nil, err
		}
		return s.lockView(lk, s.locks.Config().LeaseTTL), nil
	}
	if err != nil {
		return nil, err
	}

	remaining, err := s.locks.Renew(ctx, cmd.WorkUnitID, lk.Token)
	if err != nil {
		return nil, err
	}
	return s.lockView(lk, remaining), nil
}

// HotSpots reports the work units with the most version conflicts.
func (s *OccupationService) HotSpots(_ context.Context) *HotSpotsDTO {
	metrics := s.resolver.Metrics()
	hot := metrics.HotSpots()
	if hot == nil {
		hot = []conflict.ConflictMetrics{}
	}
	return &HotSpotsDTO{
		Threshold: conflict.HotSpotThreshold,
		HotSpots:  hot,
		Sample:    conflict.DetectHotSpots(metrics.Recent()),
	}
}
