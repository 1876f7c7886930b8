package tracing

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Settings describe the process to the tracer provider
type Settings struct {
	Service     string
	Version     string
	SampleRatio float64 // share of new runs traced, clamped to [0, 1]
}

var (
	initOnce sync.Once
	initErr  error
	active   atomic.Pointer[sdktrace.TracerProvider]
)

// Init installs the global tracer provider once per process. Later calls
// return the first call's result and change nothing. Spans are kept in
// process; no exporter is attached.
func Init(s Settings) error {
	initOnce.Do(func() {
		attrs := []attribute.KeyValue{semconv.ServiceName(s.Service)}
		if s.Version != "" {
			attrs = append(attrs, semconv.ServiceVersion(s.Version))
		}
		res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
		if err != nil {
			initErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sampler(s.SampleRatio))),
			sdktrace.WithResource(res),
		)
		active.Store(tp)
		otel.SetTracerProvider(tp)
	})
	return initErr
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.NeverSample()
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

// Shutdown ends every open span and releases the provider. It is a no-op
// when Init never ran.
func Shutdown(ctx context.Context) error {
	tp := active.Load()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan opens a span on the named tracer. The first span of a run also
// puts its trace ID on ctx, which is how run logs and history lines get
// correlated.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if sc := span.SpanContext(); sc.IsValid() && GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx, span
}
