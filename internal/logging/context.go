package logging

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ctxKey discriminates the values this package stashes in a context.
type ctxKey uint8

const (
	ctxKeyClient ctxKey = iota
	ctxKeyRequest
	ctxKeyLogger
)

// ContextFields extracts correlation data from ctx: the active OTel
// span, the resolved client id, and the HTTP request id. Every entry
// written through Logger carries these.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if id := ClientIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("client.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}

	return fields
}

// maxIDLen bounds client and request ids so a hostile header cannot
// bloat every log line they are stamped onto.
const maxIDLen = 128

// ValidID reports whether id is usable as a correlation id: 1 to 128
// bytes of [A-Za-z0-9_-]. Handlers should check ids from the wire with
// this before stamping them into a context.
func ValidID(id string) bool {
	if id == "" || len(id) > maxIDLen {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// checkID panics on an id ValidID rejects. The With* helpers take ids
// that were already validated at the edge, so a bad one here is a
// programming error.
func checkID(kind, id string) {
	if !ValidID(id) {
		panic(fmt.Sprintf("logging: %s %q is not a valid id ([A-Za-z0-9_-], max %d bytes)", kind, id, maxIDLen))
	}
}

// ClientIDFromContext returns the settings client id stamped on ctx,
// or "".
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyClient).(string)
	return id
}

// WithClientID stamps the settings client id onto ctx. Panics on an
// invalid id.
func WithClientID(ctx context.Context, clientID string) context.Context {
	checkID("client id", clientID)
	return context.WithValue(ctx, ctxKeyClient, clientID)
}

// RequestIDFromContext returns the request id stamped on ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequest).(string)
	return id
}

// WithRequestID stamps the request id onto ctx. Panics on an invalid
// id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	checkID("request id", requestID)
	return context.WithValue(ctx, ctxKeyRequest, requestID)
}

// WithLogger stores a logger on ctx for call sites that cannot take
// one as a dependency.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, ctxKeyLogger, logger)
}

// FromContext returns the logger stored on ctx, or a silent one.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKeyLogger).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), cfg: NewDefaultConfig()}
}
