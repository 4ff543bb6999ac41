// Package otel wires OpenTelemetry traces and metrics for heartbeat ticks.
// When disabled, the provider hands out no-op tracers and meters.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
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

const (
	TracerName = "lifeline"
	MeterName  = "lifeline"
	Version    = "v0.1.0"

	defaultOTLPEndpoint = "localhost:4318"
)

// Config is the otel section of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled" envconfig:"ENABLED"`
	Exporter    string  `yaml:"exporter" envconfig:"EXPORTER" validate:"omitempty,oneof=otlp-http stdout none"`
	Endpoint    string  `yaml:"endpoint" envconfig:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate" envconfig:"SAMPLE_RATE" validate:"gte=0,lte=1"`
}

// Option adjusts provider construction.
type Option func(*initOptions)

type initOptions struct {
	instanceID string
	readers    []sdkmetric.Reader
	spans      []sdktrace.SpanProcessor
}

// WithInstanceID tags every span and metric with the scheduler instance that produced it.
func WithInstanceID(id string) Option {
	return func(o *initOptions) { o.instanceID = id }
}

// WithMetricReader attaches a reader (periodic exporter or manual reader in tests).
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *initOptions) { o.readers = append(o.readers, r) }
}

// WithSpanProcessor attaches an extra span processor alongside the configured exporter.
func WithSpanProcessor(p sdktrace.SpanProcessor) Option {
	return func(o *initOptions) { o.spans = append(o.spans, p) }
}

// Provider owns the tracer and meter providers for one process.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       []func(context.Context) error
}

// Init builds the providers described by cfg. Callers must Shutdown the result.
func Init(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	var o initOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         mp.Meter(MeterName),
			MeterProvider: mp,
		}, nil
	}

	res, err := newResource(ctx, cfg, o.instanceID)
	if err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	}
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	for _, p := range o.spans {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(p))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range o.readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown:       []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newResource(ctx context.Context, cfg Config, instanceID string) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "lifeline"
	}
	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(name), semconv.ServiceVersion(Version)),
	}
	if instanceID != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceInstanceID(instanceID)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// sampler keeps every tick by default; ticks are infrequent enough that sampling is opt-in.
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// newSpanExporter returns nil for exporter "none": spans are still created for
// in-process processors but never leave the process.
func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}
