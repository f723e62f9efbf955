package middleware

import (
	"context"
	stderrors "errors"
	"net/http"

	"preflight/internal/core/domain"
	"preflight/pkg/errors"
)

// CommandError maps an error returned by a diagnostics command to the
// application error sent to clients.
func CommandError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case stderrors.Is(err, domain.ErrInvalidTransition):
		return errors.NewInvalidTransitionError(err)
	case stderrors.Is(err, domain.ErrRunInProgress):
		return errors.NewRunInProgressError(err)
	case stderrors.Is(err, domain.ErrUnknownStage):
		return errors.NewInvalidInputError(err.Error())
	case stderrors.Is(err, domain.ErrReportNotFound):
		return errors.NewNotFoundError("report")
	case stderrors.Is(err, domain.ErrClosed):
		return errors.NewServiceUnavailableError("diagnostics are shutting down")
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		return errors.NewServiceUnavailableError("diagnostics did not respond in time")
	default:
		return errors.WrapError(err, errors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
	}
}
