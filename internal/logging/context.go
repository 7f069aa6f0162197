package logging

import (
	"context"
	"log/slog"

	"ripline/internal/services"
)

const (
	FieldComponent     = "component"
	FieldJobID         = "job_id"
	FieldStage         = "stage"
	FieldDevice        = "device"
	FieldCorrelationID = "correlation_id"
)

// ContextFields turns the services.Scope on ctx into log attributes.
func ContextFields(ctx context.Context) []slog.Attr {
	scope := services.ScopeFromContext(ctx)
	fields := make([]slog.Attr, 0, 4)
	for _, f := range []struct{ key, value string }{
		{FieldJobID, scope.JobID},
		{FieldStage, scope.Stage},
		{FieldDevice, scope.Device},
		{FieldCorrelationID, scope.RequestID},
	} {
		if f.value != "" {
			fields = append(fields, slog.String(f.key, f.value))
		}
	}
	return fields
}

// WithContext returns logger with the job, stage, device and request of ctx
// attached.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
