// Package otel wires OpenTelemetry tracing and metrics for the queue
// services. When disabled every instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
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
	TracerName = "workqueue"
	MeterName  = "workqueue"
	// Version is reported as a resource attribute and by the version command.
	Version = "v0.3.0"

	defaultServiceName  = "workqueue"
	defaultOTLPEndpoint = "localhost:4318"
)

var noopTracer = nooptrace.NewTracerProvider().Tracer(TracerName)

// Config is the telemetry section of config.yaml.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
	// Headers are sent with every OTLP export, e.g. a collector API key.
	Headers     map[string]string `yaml:"headers,omitempty"`
	ServiceName string            `yaml:"service_name"`
	// InstanceID distinguishes daemons sharing a collector. Defaults to the
	// hostname, or a random id when that is unavailable.
	InstanceID string  `yaml:"instance_id,omitempty"`
	SampleRate float64 `yaml:"sample_rate"`
	// MetricsEnabled turns the meter provider off while keeping traces.
	// Unset means on.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

type exporterFactory func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFactory{
	"otlp-http": newOTLPExporter,
	"stdout": func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
	"none": func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return discardExporter{}, nil
	},
}

func exporterNames() []string {
	names := make([]string, 0, len(exporters))
	for name := range exporters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the settings Init would reject, so a bad telemetry block
// fails config loading instead of daemon startup.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, ok := exporters[c.exporterName()]; !ok {
		return fmt.Errorf("unknown exporter %q (supported: %v)", c.Exporter, exporterNames())
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate %v must be within 0..1", c.SampleRate)
	}
	return nil
}

func (c Config) exporterName() string {
	if c.Exporter == "" {
		return "otlp-http"
	}
	return c.Exporter
}

func (c Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// Provider wraps OTel tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Resource       *resource.Resource
	shutdown       []func(context.Context) error
}

// Init builds the providers described by cfg. The caller must Shutdown the
// returned Provider.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        noopTracer,
			MeterProvider: mp,
			Meter:         mp.Meter(MeterName),
		}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	exporter, err := exporters[cfg.exporterName()](ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.exporterName(), err)
	}

	rate := cfg.SampleRate
	if rate == 0 {
		rate = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(tp)

	p := &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(TracerName),
		Resource:       res,
		shutdown:       []func(context.Context) error{tp.Shutdown},
	}
	if cfg.metricsOn() {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		p.MeterProvider = mp
		p.shutdown = append(p.shutdown, mp.Shutdown)
	} else {
		p.MeterProvider = noop.NewMeterProvider()
	}
	p.Meter = p.MeterProvider.Meter(MeterName)
	return p, nil
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	instance := cfg.InstanceID
	if instance == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			instance = host
		} else {
			instance = uuid.NewString()
		}
	}
	return resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(Version),
		semconv.ServiceInstanceID(instance),
	))
}

func newOTLPExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOTLPEndpoint
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

// discardExporter backs exporter=none: spans are sampled and recorded but
// never leave the process.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                          { return nil }
