// Package observability wires OpenTelemetry trace and log export over
// OTLP/HTTP. With no endpoint configured both setups are no-ops and the
// global providers stay at their defaults.
package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	ServiceVersion = "1.0.0"

	exportTimeout = 10 * time.Second
	maxQueueSize  = 2048
)

type Config struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
}

func (c Config) Enabled() bool {
	return c.Endpoint != ""
}

func noopShutdown(context.Context) error { return nil }

func newResource(cfg Config) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
}

// SetupPropagation installs W3C trace context and baggage. The broker
// publishers and consumers rely on it to carry spans across messages.
func SetupPropagation() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// SetupTracingSDK installs a batching tracer provider that exports to
// cfg.Endpoint.
func SetupTracingSDK(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	SetupPropagation()
	if !cfg.Enabled() {
		return nil, noopShutdown, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("otlp trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter,
			sdktrace.WithExportTimeout(exportTimeout),
			sdktrace.WithMaxQueueSize(maxQueueSize),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}

// SetupLoggingSDK installs a batching log provider. The returned provider
// feeds the zap bridge in pkg/logger.
func SetupLoggingSDK(ctx context.Context, cfg Config) (*sdklog.LoggerProvider, func(context.Context) error, error) {
	if !cfg.Enabled() {
		return nil, noopShutdown, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []otlploghttp.Option{otlploghttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlploghttp.WithInsecure())
	}
	exporter, err := otlploghttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("otlp log exporter: %w", err)
	}

	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter,
			sdklog.WithExportTimeout(exportTimeout),
			sdklog.WithMaxQueueSize(maxQueueSize),
		)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)
	return lp, lp.Shutdown, nil
}

// Setup runs both setups and joins their shutdowns. On error anything that
// was already started is shut down.
func Setup(ctx context.Context, cfg Config) (*sdklog.LoggerProvider, func(context.Context) error, error) {
	_, traceShutdown, err := SetupTracingSDK(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	lp, logShutdown, err := SetupLoggingSDK(ctx, cfg)
	if err != nil {
		return nil, nil, errors.Join(err, traceShutdown(ctx))
	}
	return lp, func(ctx context.Context) error {
		return errors.Join(logShutdown(ctx), traceShutdown(ctx))
	}, nil
}
