// Package otel wires OpenTelemetry tracing and metrics for systerd.
// When disabled every provider is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Instrumentation scope shared by the daemon's tracer and meter.
const (
	TracerName = "systerd"
	MeterName  = "systerd"
)

const defaultOTLPEndpoint = "localhost:4318"

// Config is the `otel:` block of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter" validate:"omitempty,oneof=otlp-http stdout none"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

func (c Config) service() string {
	if c.ServiceName == "" {
		return TracerName
	}
	return c.ServiceName
}

// sampler falls back to always-on when no rate is set; parent decisions win.
func (c Config) sampler() sdktrace.Sampler {
	rate := c.SampleRate
	if rate <= 0 {
		rate = 1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

type exporterFactory func(context.Context, Config) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFactory{
	"otlp-http": func(ctx context.Context, c Config) (sdktrace.SpanExporter, error) {
		endpoint := c.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	},
	"stdout": func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
	"none": func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return nopExporter{}, nil
	},
}

func newExporter(ctx context.Context, c Config) (sdktrace.SpanExporter, error) {
	name := c.Exporter
	if name == "" {
		name = "otlp-http"
	}
	build, ok := exporters[name]
	if !ok {
		known := make([]string, 0, len(exporters))
		for k := range exporters {
			known = append(known, k)
		}
		slices.Sort(known)
		return nil, fmt.Errorf("unknown exporter %q (supported: %s)", c.Exporter, strings.Join(known, ", "))
	}
	return build(ctx, c)
}

// Provider bundles the daemon's tracer and meter.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	closers []func(context.Context) error
}

// Init builds the tracer and meter described by cfg and installs the tracer
// provider globally. Callers must Shutdown the result to flush spans.
func Init(ctx context.Context, cfg Config, version string) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.service()),
		attribute.String("systerd.version", version),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
		sdktrace.WithBatcher(exp),
	)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetTracerProvider(tp)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		closers:        []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// Noop returns a provider whose tracer and meter discard everything.
func Noop() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		MeterProvider: mp,
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:         mp.Meter(MeterName),
	}
}

// Shutdown flushes pending spans and releases both providers. It is safe on
// a nil or no-op provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, closeFn := range p.closers {
		errs = append(errs, closeFn(ctx))
	}
	return errors.Join(errs...)
}

type nopExporter struct{}

func (nopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (nopExporter) Shutdown(context.Context) error                             { return nil }
