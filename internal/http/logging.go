package http

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/example/session-scheduler/internal/logging"
)

func handlerLogger(ctx context.Context, fallback zerolog.Logger, handlerName, operation string) zerolog.Logger {
	builder := logging.FromContextOr(ctx, fallback).With().Str("handler", handlerName)
	if operation != "" {
		builder = builder.Str("operation", operation)
	}
	return builder.Logger()
}
