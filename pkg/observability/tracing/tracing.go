package tracing

import (
    "context"
    "io"
    "os"
    "sync/atomic"

    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
    "go.opentelemetry.io/otel/sdk/resource"
    sdktrace "go.opentelemetry.io/otel/sdk/trace"
    "go.opentelemetry.io/otel/trace"
)

const tracerName = "go-bftstore"

var enabled atomic.Bool

// Options selects where spans go. Spans are written as JSON lines to Writer
// (stderr when nil) and tagged with the replica's node ID.
type Options struct {
    NodeID string
    Writer io.Writer
    Pretty bool
}

// Setup installs a global tracer provider and returns its shutdown func,
// which flushes pending spans.
func Setup(o Options) (func(context.Context) error, error) {
    w := o.Writer
    if w == nil { w = os.Stderr }
    eopts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
    if o.Pretty { eopts = append(eopts, stdouttrace.WithPrettyPrint()) }
    exp, err := stdouttrace.New(eopts...)
    if err != nil { return nil, err }

    attrs := []attribute.KeyValue{attribute.String("service.name", "bftstore")}
    if o.NodeID != "" { attrs = append(attrs, attribute.String("bftstore.node_id", o.NodeID)) }
    tp := sdktrace.NewTracerProvider(
        sdktrace.WithBatcher(exp),
        sdktrace.WithResource(resource.NewSchemaless(attrs...)),
    )
    otel.SetTracerProvider(tp)
    enabled.Store(true)
    return func(ctx context.Context) error {
        enabled.Store(false)
        return tp.Shutdown(ctx)
    }, nil
}

// StartSpan opens a span when tracing is set up and returns the input
// context untouched otherwise. kv holds alternating keys and values;
// unsupported value types and a trailing key are ignored.
func StartSpan(ctx context.Context, name string, kv ...any) (context.Context, func()) {
    if !enabled.Load() { return ctx, func() {} }
    ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs(kv)...))
    return ctx, func() { span.End() }
}

func attrs(kv []any) []attribute.KeyValue {
    out := make([]attribute.KeyValue, 0, len(kv)/2)
    for i := 0; i+1 < len(kv); i += 2 {
        k, ok := kv[i].(string)
        if !ok { continue }
        switch v := kv[i+1].(type) {
        case string:
            out = append(out, attribute.String(k, v))
        case int:
            out = append(out, attribute.Int(k, v))
        case int64:
            out = append(out, attribute.Int64(k, v))
        case uint64:
            out = append(out, attribute.Int64(k, int64(v)))
        case bool:
            out = append(out, attribute.Bool(k, v))
        }
    }
    return out
}
