package pgpool

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// otelTracer implements pgx.QueryTracer, attached to a pooled backend's
// connections when Config.EnableTracing is set.
type otelTracer struct {
	tracer trace.Tracer
}

func newOtelTracer(serviceName string) *otelTracer {
	return &otelTracer{tracer: otel.Tracer(serviceName)}
}

func (t *otelTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	ctx, _ = t.tracer.Start(ctx, "pgpool.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.DBSystemPostgreSQL,
			attribute.String("db.statement", data.SQL),
			attribute.String("db.operation", sqlOperation(data.SQL)),
		),
	)
	return ctx
}

func (t *otelTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	span := trace.SpanFromContext(ctx)
	defer span.End()
	if !span.IsRecording() {
		return
	}
	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
	if n := data.CommandTag.RowsAffected(); n > 0 {
		span.SetAttributes(attribute.Int64("db.rows_affected", n))
	}
}

func sqlOperation(sql string) string {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return "UNKNOWN"
	}
	word, _, _ := strings.Cut(trimmed, " ")
	switch strings.ToUpper(word) {
	case "SELECT", "WITH":
		return "SELECT"
	case "INSERT", "UPDATE", "DELETE":
		return strings.ToUpper(word)
	case "BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT", "RELEASE":
		return "TRANSACTION"
	case "PREPARE", "EXECUTE", "DEALLOCATE":
		return "PREPARED_STATEMENT"
	case "LISTEN", "UNLISTEN":
		return "LISTEN"
	default:
		return "OTHER"
	}
}

var _ pgx.QueryTracer = (*otelTracer)(nil)
