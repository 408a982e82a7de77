package application

import (
	"context"
	stderrors "errors"

	"github.com/wms-platform/occupation-service/internal/domain"
	"github.com/wms-platform/occupation-service/internal/lock"
	"github.com/wms-platform/occupation-service/pkg/errors"
)

// ToAppError maps occupation errors to HTTP-facing AppErrors. Conflict-class
// errors map to 409 so that callers can tell "try again" apart from
// authorization and transition failures.
func ToAppError(err error) *errors.AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := errors.AsAppError(err); ok {
		return appErr
	}

	var occupied *domain.AlreadyOccupiedError
	var conflict *domain.VersionConflictError
	var transition *domain.InvalidTransitionError
	var prerequisite *domain.PrerequisiteError

	switch {
	case stderrors.As(err, &occupied):
		appErr := errors.ErrConflict(occupied.Error()).Wrap(err)
		if occupied.CurrentOwner != "" {
			appErr.WithDetail("currentOwner", occupied.CurrentOwner)
		}
		return appErr
	case stderrors.As(err, &conflict):
		return errors.ErrVersionConflict(conflict.Error()).
			WithDetail("expectedVersion", conflict.Expected).
			WithDetail("actualVersion", conflict.Actual).
			Wrap(err)
	case stderrors.Is(err, domain.ErrNotAuthorized):
		return errors.ErrForbidden(err.Error()).Wrap(err)
	case stderrors.Is(err, domain.ErrLockExpired):
		return errors.ErrLockExpired(err.Error()).Wrap(err)
	case stderrors.Is(err, lock.ErrExtendUnsupported):
		return errors.ErrBadRequest(err.Error()).Wrap(err)
	case stderrors.As(err, &transition):
		return errors.ErrInvalidTransition(transition.Error()).
			WithDetail("from", string(transition.From)).
			WithDetail("event", string(transition.Event)).
			Wrap(err)
	case stderrors.Is(err, domain.ErrInvalidTransition):
		return errors.ErrInvalidTransition(err.Error()).Wrap(err)
	case stderrors.As(err, &prerequisite):
		return errors.ErrPrerequisiteNotMet(prerequisite.Error()).
			WithDetail("missing", prerequisite.Missing).
			Wrap(err)
	case stderrors.Is(err, domain.ErrWorkUnitNotFound):
		return errors.ErrNotFound("work unit").Wrap(err)
	case stderrors.Is(err, domain.ErrUnknownOperation):
		return errors.ErrValidation(err.Error()).Wrap(err)
	case stderrors.Is(err, domain.ErrStoreUnavailable):
		return errors.ErrServiceUnavailable("occupation store").Wrap(err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.ErrTimeout("occupation request").Wrap(err)
	}
	return errors.ErrInternal("").Wrap(err)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case domain.IsConflict(err):
		return "conflict"
	case stderrors.Is(err, domain.ErrNotAuthorized), stderrors.Is(err, domain.ErrLockExpired):
		return "forbidden"
	case stderrors.Is(err, domain.ErrInvalidTransition), stderrors.Is(err, domain.ErrPrerequisiteNotMet):
		return "rejected"
	case stderrors.Is(err, domain.ErrStoreUnavailable):
		return "unavailable"
	}
	return "error"
}
