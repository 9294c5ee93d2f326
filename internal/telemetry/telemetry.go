// Package telemetry wraps engine ticks and task executions in OpenTelemetry
// spans and counters. Without an installed provider the global noop
// implementations are used.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// scopeName is the instrumentation scope for all taskorch instruments.
const scopeName = "github.com/cuongbtq/taskorch"

// Span names
const (
	SpanBuilderTick = "builder.tick"
	SpanAgentTick   = "agent.tick"
	SpanTaskExecute = "agent.task.execute"
)

// Instrument names
const (
	MetricBuilderActions = "taskorch.builder.actions"
	MetricAgentTasks     = "taskorch.agent.tasks"
	MetricTickDuration   = "taskorch.tick.duration"
)

// Telemetry records spans and metrics for the engines.
type Telemetry struct {
	tracer         trace.Tracer
	builderActions metric.Int64Counter
	agentTasks     metric.Int64Counter
	tickDuration   metric.Float64Histogram
}

// New uses the global tracer and meter providers.
func New() *Telemetry {
	return NewWithProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// NewWithProviders uses the given providers, for tests or multi-provider setups.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) *Telemetry {
	meter := mp.Meter(scopeName)

	// the metric API returns usable noop instruments alongside any error
	actions, _ := meter.Int64Counter(MetricBuilderActions,
		metric.WithDescription("Builder actions by kind"),
		metric.WithUnit("{action}"),
	)
	tasks, _ := meter.Int64Counter(MetricAgentTasks,
		metric.WithDescription("Tasks executed by the agent, by outcome"),
		metric.WithUnit("{task}"),
	)
	duration, _ := meter.Float64Histogram(MetricTickDuration,
		metric.WithDescription("Duration of an engine tick in seconds"),
		metric.WithUnit("s"),
	)

	return &Telemetry{
		tracer:         tp.Tracer(scopeName),
		builderActions: actions,
		agentTasks:     tasks,
		tickDuration:   duration,
	}
}

// StartSpan starts an internal span.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// RecordBuilderActions adds n actions of the given kind (create, finish, retry).
func (t *Telemetry) RecordBuilderActions(ctx context.Context, kind string, n int) {
	if n <= 0 {
		return
	}
	t.builderActions.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordAgentTask counts one executed task with its outcome (done, error).
func (t *Telemetry) RecordAgentTask(ctx context.Context, service, outcome string) {
	t.agentTasks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("outcome", outcome),
	))
}

// RecordTick records how long one engine tick took.
func (t *Telemetry) RecordTick(ctx context.Context, engine string, elapsed time.Duration) {
	t.tickDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("engine", engine)))
}
