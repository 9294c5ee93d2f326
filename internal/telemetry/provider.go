package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ExporterStdout writes spans and metrics as JSON lines.
const ExporterStdout = "stdout"

// ProviderOptions configures Setup.
type ProviderOptions struct {
	Enabled        bool
	Exporter       string
	MetricInterval time.Duration
	ServiceName    string
	// Writer receives exported data; os.Stdout when nil.
	Writer io.Writer
}

// Provider owns the SDK providers behind a Telemetry. Shutdown flushes
// pending spans and metrics.
type Provider struct {
	*Telemetry
	shutdown []func(context.Context) error
}

// Setup builds the Telemetry of a daemon. When disabled it falls back to the
// global providers.
func Setup(opts ProviderOptions) (*Provider, error) {
	if !opts.Enabled {
		return &Provider{Telemetry: New()}, nil
	}
	if opts.Exporter != ExporterStdout {
		return nil, fmt.Errorf("unsupported telemetry exporter: %q", opts.Exporter)
	}
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}

	res := resource.NewSchemaless(attribute.String("service.name", opts.ServiceName))

	spanExporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create span exporter: %w", err)
	}
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithResource(res),
	)
	var readerOpts []sdkmetric.PeriodicReaderOption
	if opts.MetricInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(opts.MetricInterval))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)

	return &Provider{
		Telemetry: NewWithProviders(tp, mp),
		shutdown:  []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// Shutdown flushes and stops the providers created by Setup.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
