// Package apm initializes the global OTEL trace provider. Components take
// tracers from the otel global; with no provider configured their spans are
// no-ops, so tracing stays strictly optional.
package apm

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/fd1az/price-indexer/internal/logger"
)

type Provider string

const (
	ZipkinProvider  Provider = "ZIPKIN_PROVIDER"
	OTLPProvider    Provider = "OTLP_PROVIDER"
	ConsoleProvider Provider = "CONSOLE_PROVIDER"
	EmptyProvider   Provider = "EMPTY_PROVIDER"
)

type TraceProvider interface {
	Stop() error
}

type traceProvider struct {
	tp *sdktrace.TracerProvider
}

type emptyTraceProvider struct{}

func (emptyTraceProvider) Stop() error { return nil }

// NewTraceProvider builds the exporter for the selected provider, installs
// the global tracer provider, and returns a handle for shutdown. Endpoint
// and protocol come from the standard OTEL env vars.
func NewTraceProvider(provider Provider, log logger.LoggerInterface) TraceProvider {
	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")

	var (
		exp sdktrace.SpanExporter
		err error
	)

	switch provider {
	case ZipkinProvider:
		exp, err = zipkin.New(endpoint)
	case OTLPProvider:
		if os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL") == "http/protobuf" {
			exp, err = otlptracehttp.New(context.Background(),
				otlptracehttp.WithEndpointURL(endpoint))
		} else {
			exp, err = otlptracegrpc.New(context.Background(),
				otlptracegrpc.WithEndpointURL(endpoint))
		}
	case ConsoleProvider:
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		log.Warn(context.Background(), "no trace provider configured, tracing disabled")
		return emptyTraceProvider{}
	}

	if err != nil {
		log.Error(context.Background(), "failed to initialize trace exporter",
			"provider", provider, "error", err)
		return emptyTraceProvider{}
	}

	rsrc, _ := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("otel.provider", string(provider)),
		))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(rsrc),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))

	return &traceProvider{tp}
}

func (o *traceProvider) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	return o.tp.Shutdown(ctx)
}
