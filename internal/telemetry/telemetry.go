// Package telemetry wires OpenTelemetry tracing and custom metrics for the
// forge daemon.
package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Tracer is the global tracer for the application.
	Tracer trace.Tracer

	// Meter is the global meter for custom metrics.
	Meter metric.Meter

	TasksDispatched   metric.Int64Counter
	TasksResolved     metric.Int64Counter
	TasksActive       metric.Int64UpDownCounter
	DispatchLatency   metric.Float64Histogram
	TaskExecutionTime metric.Float64Histogram
)

// The globals are bound to the no-op providers until Init swaps the real
// ones in, so instrumented code never has to nil-check.
func init() {
	Tracer = otel.Tracer("forged")
	Meter = otel.Meter("forged")
	if err := initMetrics(); err != nil {
		log.Printf("[Telemetry] Failed to create instruments: %v", err)
	}
}

// Init initializes OpenTelemetry tracing and metrics, returning a shutdown
// function.
func Init(ctx context.Context, serviceName, otelEndpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
			attribute.String("environment", "development"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	Tracer = otel.Tracer(serviceName)
	Meter = otel.Meter(serviceName)

	if err := initMetrics(); err != nil {
		return nil, err
	}

	log.Printf("[Telemetry] Initialized with endpoint %s", otelEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

func initMetrics() error {
	var err error

	TasksDispatched, err = Meter.Int64Counter(
		"forge.tasks.dispatched",
		metric.WithDescription("Number of tasks handed to executors"),
	)
	if err != nil {
		return err
	}

	TasksResolved, err = Meter.Int64Counter(
		"forge.tasks.resolved",
		metric.WithDescription("Number of task attempts resolved"),
	)
	if err != nil {
		return err
	}

	TasksActive, err = Meter.Int64UpDownCounter(
		"forge.tasks.active",
		metric.WithDescription("Tasks currently assigned or running"),
	)
	if err != nil {
		return err
	}

	DispatchLatency, err = Meter.Float64Histogram(
		"forge.dispatch.latency",
		metric.WithDescription("Scheduling pass latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	TaskExecutionTime, err = Meter.Float64Histogram(
		"forge.task.execution_time",
		metric.WithDescription("Task attempt execution time in milliseconds"),
		metric.WithUnit("ms"),
	)
	return err
}
