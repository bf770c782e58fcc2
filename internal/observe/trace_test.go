package observe

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// inMemoryTracing returns a TracerProvider whose spans land in an in-memory
// exporter for inspection.
func inMemoryTracing(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}

	tp, _ := inMemoryTracing(t)
	ctx, span := tp.Tracer("call").Start(context.Background(), "call.turn")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID length = %d, want a 32-char trace ID", len(cid))
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("correlation ID %q is not lowercase hex", cid)
	}
}

func TestCorrelationID_DistinctPerCall(t *testing.T) {
	tp, _ := inMemoryTracing(t)
	tracer := tp.Tracer("call")

	ids := make(map[string]struct{}, 100)
	for range 100 {
		ctx, span := tracer.Start(context.Background(), "call.turn")
		cid := CorrelationID(ctx)
		span.End()
		if _, dup := ids[cid]; dup {
			t.Fatalf("two calls share correlation ID %s", cid)
		}
		ids[cid] = struct{}{}
	}
}

func TestStartSpan(t *testing.T) {
	tp, exp := inMemoryTracing(t)
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	ctx, span := StartSpan(context.Background(), "stt.transcribe")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan produced a context with no trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	if spans[0].Name != "stt.transcribe" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "stt.transcribe")
	}
}

func TestLogger_AttachesTraceContext(t *testing.T) {
	tp, _ := inMemoryTracing(t)
	tracer := tp.Tracer("call")

	var buf strings.Builder
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(slog.Default()) })

	ctx, span := tracer.Start(context.Background(), "call.turn")
	defer span.End()

	Logger(ctx).Info("turn completed")

	logged := buf.String()
	if !strings.Contains(logged, "trace_id=") {
		t.Errorf("log line lacks trace_id: %s", logged)
	}
	if !strings.Contains(logged, "span_id=") {
		t.Errorf("log line lacks span_id: %s", logged)
	}
}

func TestLogger_PlainWithoutSpan(t *testing.T) {
	var buf strings.Builder
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(slog.Default()) })

	Logger(context.Background()).Info("server starting")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log line outside a span must not carry trace_id: %s", buf.String())
	}
}

func TestTracer(t *testing.T) {
	tr := Tracer()
	if tr == nil {
		t.Fatal("Tracer() returned nil")
	}
	_ = trace.Tracer(tr)
}
