package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/example/session-scheduler/internal/application"
	"github.com/example/session-scheduler/internal/apperrors"
	"github.com/example/session-scheduler/internal/audit"
	"github.com/example/session-scheduler/internal/lock"
	"github.com/example/session-scheduler/internal/logging"
	"github.com/example/session-scheduler/internal/persistence"
	"github.com/example/session-scheduler/internal/reconcile"
	"github.com/example/session-scheduler/internal/recurrence"
)

type responder struct {
	logger zerolog.Logger
}

func newResponder(logger zerolog.Logger) responder {
	return responder{logger: logger}
}

func (r responder) writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	if w == nil {
		return
	}

	if status == http.StatusNoContent || payload == nil {
		w.WriteHeader(status)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.loggerFor(ctx).Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps err onto the AppError taxonomy and writes it.
func (r responder) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	appErr := toAppError(err)
	status := statusFromCode(appErr.Code)
	event := r.loggerFor(ctx).Warn()
	if status >= http.StatusInternalServerError {
		event = r.loggerFor(ctx).Error()
	}
	event.Err(err).Int("status", status).Str("code", string(appErr.Code)).Msg("request failed")
	r.writeJSON(ctx, w, status, appErr)
}

func (r responder) loggerFor(ctx context.Context) *zerolog.Logger {
	logger := logging.FromContextOr(ctx, r.logger)
	return &logger
}

// toAppError translates service, auditor and reconciliation errors.
func toAppError(err error) *apperrors.AppError {
	if err == nil {
		return apperrors.Internal("An unexpected error occurred")
	}
	if appErr, ok := apperrors.AsAppError(err); ok {
		return appErr
	}

	var (
		vErr  *application.ValidationError
		rule  *recurrence.InvalidRuleError
		stale *reconcile.StaleScheduleError
		part  *reconcile.PartialReconciliationError
	)
	switch {
	case errors.As(err, &vErr):
		return apperrors.ValidationError("Invalid recurrence").WithDetails(vErr.FieldErrors).WithCause(err)
	case errors.As(err, &rule):
		return apperrors.InvalidRule(rule.Field, rule.Reason).WithCause(err)
	case errors.Is(err, recurrence.ErrInvalidWindow):
		return apperrors.InvalidInput("window", "to must not be before from").WithCause(err)
	case errors.As(err, &part):
		return apperrors.Wrap(apperrors.ErrCodePartialWrite, "Schedule was partially reconciled; re-run reconciliation", err).
			WithDetails(map[string]int{"deleted": part.Deleted, "expected": part.Expected})
	case errors.As(err, &stale):
		return apperrors.StaleSchedule(stale.ScheduleID).WithCause(err)
	case errors.Is(err, reconcile.ErrScheduleActive):
		return apperrors.Conflict("Schedule is still active").WithCause(err)
	case errors.Is(err, lock.ErrNotAcquired):
		return apperrors.Wrap(apperrors.ErrCodeLockUnavailable, "Schedule is being reconciled elsewhere", err)
	case errors.Is(err, audit.ErrNoActiveSchedule):
		return apperrors.NotFound("Active schedule").WithCause(err)
	case errors.Is(err, application.ErrNotFound), errors.Is(err, persistence.ErrNotFound):
		return apperrors.NotFound("Schedule").WithCause(err)
	case errors.Is(err, application.ErrAlreadyExists):
		return apperrors.AlreadyExists("Schedule").WithCause(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.ErrCodeCanceled, "Request was cancelled", err)
	}

	var (
		read  *reconcile.StoreReadError
		write *reconcile.StoreWriteError
	)
	if errors.As(err, &read) || errors.As(err, &write) {
		return apperrors.Database(err)
	}
	return apperrors.Wrap(apperrors.ErrCodeInternal, "An unexpected error occurred", err)
}

// statusFromCode maps ErrorCode to HTTP status code
func statusFromCode(code apperrors.ErrorCode) int {
	switch code {
	// 400 Bad Request
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest

	// 404 Not Found
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound

	// 409 Conflict
	case apperrors.ErrCodeAlreadyExists,
		apperrors.ErrCodeConflict,
		apperrors.ErrCodeStaleSchedule,
		apperrors.ErrCodeLockUnavailable:
		return http.StatusConflict

	// 422 Unprocessable Entity
	case apperrors.ErrCodeValidation,
		apperrors.ErrCodeInvalidRule:
		return http.StatusUnprocessableEntity

	// 503 Service Unavailable
	case apperrors.ErrCodeCanceled:
		return http.StatusServiceUnavailable

	// 500 Internal Server Error
	case apperrors.ErrCodeInternal,
		apperrors.ErrCodeDatabase,
		apperrors.ErrCodePartialWrite:
		return http.StatusInternalServerError

	default:
		return http.StatusInternalServerError
	}
}
