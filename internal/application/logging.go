package application

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/example/session-scheduler/internal/audit"
	"github.com/example/session-scheduler/internal/lock"
	"github.com/example/session-scheduler/internal/logging"
	"github.com/example/session-scheduler/internal/reconcile"
)

func serviceLogger(ctx context.Context, base zerolog.Logger, serviceName, operation string) zerolog.Logger {
	logger := logging.FromContextOr(ctx, base)
	builder := logger.With().Str("service", serviceName)
	if operation != "" {
		builder = builder.Str("operation", operation)
	}
	return builder.Logger()
}

// ErrorKind maps service, auditor and reconciliation errors to a stable
// logging label.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, audit.ErrNoActiveSchedule):
		return audit.KindNoActiveSchedule
	case errors.Is(err, lock.ErrNotAcquired):
		return audit.KindLockUnavailable
	}

	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return "validation"
	}

	return reconcile.ErrorKind(err)
}
