package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/cryscope"

// StartSpan starts a span on the globally registered tracer provider. The
// caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// It is echoed to HTTP clients so a request can be matched with the run it
// started.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type runKey struct{}

type runScope struct {
	fileID string
	runID  string
}

// WithRun scopes ctx to one analysis run of a file. Loggers obtained from
// ctx carry both IDs.
func WithRun(ctx context.Context, fileID, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runScope{fileID: fileID, runID: runID})
}

// RunFromContext returns the IDs set by [WithRun]; both are empty outside a
// run.
func RunFromContext(ctx context.Context) (fileID, runID string) {
	s, _ := ctx.Value(runKey{}).(runScope)
	return s.fileID, s.runID
}

// Logger returns the default logger with the run and trace identifiers of
// ctx attached. Identifiers that are not set are left out.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if fileID, runID := RunFromContext(ctx); fileID != "" || runID != "" {
		if fileID != "" {
			attrs = append(attrs, slog.String("file_id", fileID))
		}
		if runID != "" {
			attrs = append(attrs, slog.String("run_id", runID))
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
