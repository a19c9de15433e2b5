package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxIDLen = 128

// idPattern allows alphanumeric, hyphen, underscore.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type (
	requestCtxKey    struct{}
	operationCtxKey  struct{}
	experienceCtxKey struct{}
	loggerCtxKey     struct{}
)

// ContextFields extracts correlation data from ctx: the active span, the
// request id, the engine operation and the experience being worked on.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	if op := OperationFromContext(ctx); op != "" {
		fields = append(fields, zap.String("operation", op))
	}
	if id := ExperienceIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("experience.id", id))
	}
	return fields
}

func validID(id string) bool {
	return id != "" && len(id) <= maxIDLen && idPattern.MatchString(id)
}

func stringValue(ctx context.Context, key interface{}) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// WithRequestID adds a request id to ctx. Ids that are empty, longer than
// 128 bytes or contain characters other than alphanumerics, hyphen and
// underscore are ignored, since they usually arrive from a client header.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if !validID(requestID) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request id from ctx.
func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestCtxKey{})
}

// WithOperation tags ctx with the engine operation being served
// ("ingest", "query", "scan", ...).
func WithOperation(ctx context.Context, op string) context.Context {
	if !validID(op) {
		return ctx
	}
	return context.WithValue(ctx, operationCtxKey{}, op)
}

// OperationFromContext extracts the operation from ctx.
func OperationFromContext(ctx context.Context) string {
	return stringValue(ctx, operationCtxKey{})
}

// WithExperienceID tags ctx with the experience an operation targets.
func WithExperienceID(ctx context.Context, id string) context.Context {
	if !validID(id) {
		return ctx
	}
	return context.WithValue(ctx, experienceCtxKey{}, id)
}

// ExperienceIDFromContext extracts the experience id from ctx.
func ExperienceIDFromContext(ctx context.Context) string {
	return stringValue(ctx, experienceCtxKey{})
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
