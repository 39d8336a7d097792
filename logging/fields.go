package logging

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across the runtime. Use
// these instead of raw strings so kernel and driver log lines line up in
// aggregation.
const (
	FieldContact  = "contact_id"
	FieldGroup    = "group_id"
	FieldWire     = "wire_id"
	FieldDriver   = "driver_id"
	FieldBridge   = "bridge_id"
	FieldSource   = "source"
	FieldRequest  = "request_id"

	FieldComponent = "component"
	FieldOperation = "operation"

	FieldDurationMS = "duration_ms"
	FieldError      = "error"
	FieldCount      = "count"
	FieldState      = "state"
	FieldHealthy    = "healthy"
)

type contextKey string

const componentKey contextKey = "logging_component"

// WithComponent attaches a component name to ctx for later extraction by
// LoggerFromContext.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// LoggerFromContext returns a logger annotated with fields carried on ctx.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		return Logger.With(FieldComponent, component)
	}
	return Logger
}

// ComponentLogger returns a named logger for a specific component — the
// preferred way to hand a logger to a driver or subsystem at construction.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
