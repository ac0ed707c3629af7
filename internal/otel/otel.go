// Package otel wires the OpenTelemetry SDK: OTLP push for traces and
// metrics, optional stdout exporters, and a Prometheus reader backing the
// /metrics endpoint.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/jobtrigger/internal/buildinfo"
)

// DefaultExportInterval is how often periodic metric readers push.
const DefaultExportInterval = 10 * time.Second

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled turns on OTLP push for traces and metrics.
	Enabled bool

	// Endpoint is the OTLP HTTP collector, either "host:port" or a full
	// URL.  A URL's scheme decides TLS.  Empty defers to the
	// OTEL_EXPORTER_OTLP_* environment variables.
	Endpoint string

	// Insecure sends OTLP over plain HTTP to a host:port endpoint.
	Insecure bool

	// StdOut also prints traces and metrics to stdout when Enabled.
	StdOut bool

	// Prometheus registers a metric reader with Registerer, scraped
	// through the server's /metrics route.
	Prometheus bool

	// Registerer receives the Prometheus collector.  Default:
	// prometheus.DefaultRegisterer, which promhttp.Handler serves.
	Registerer prometheus.Registerer

	// ExportInterval applies to periodic metric readers.  Default: 10s.
	ExportInterval time.Duration
}

// SetupOTelSDK installs the W3C propagators and, when anything is
// exported, global tracer and meter providers.  The returned function
// flushes and stops the providers.  With neither OTLP nor Prometheus
// enabled the global no-op providers stay in place.
func SetupOTelSDK(ctx context.Context, serviceName string, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	var p providers
	if !cfg.Enabled && !cfg.Prometheus {
		return p.shutdown, nil
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = DefaultExportInterval
	}

	res, err := newResource(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	if cfg.Enabled {
		tp, err := newTracerProvider(ctx, res, cfg)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("creating tracer provider: %w", err), p.shutdown(ctx))
		}
		p.add(tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	mp, err := newMeterProvider(ctx, res, cfg)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("creating meter provider: %w", err), p.shutdown(ctx))
	}
	p.add(mp.Shutdown)
	otel.SetMeterProvider(mp)

	return p.shutdown, nil
}

// providers collects shutdown hooks; they run in reverse order.
type providers struct {
	stops []func(context.Context) error
}

func (p *providers) add(fn func(context.Context) error) {
	p.stops = append(p.stops, fn)
}

func (p *providers) shutdown(ctx context.Context) error {
	var err error
	for i := len(p.stops) - 1; i >= 0; i-- {
		err = errors.Join(err, p.stops[i](ctx))
	}
	p.stops = nil
	return err
}

// newResource describes this process.  The schema URL must match the
// semconv version the SDK's built-in detectors use or the merge fails.
// OTEL_RESOURCE_ATTRIBUTES and OTEL_SERVICE_NAME override the defaults.
func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
		resource.WithFromEnv(),
	)
	if errors.Is(err, resource.ErrPartialResource) {
		// Detectors that failed are left out; the rest is usable.
		return res, nil
	}
	return res, err
}

func newTracerProvider(ctx context.Context, res *resource.Resource, cfg Config) (*trace.TracerProvider, error) {
	var opts []otlptracehttp.Option
	switch {
	case strings.Contains(cfg.Endpoint, "://"):
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	case cfg.Endpoint != "":
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	}

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	providerOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithBatcher(exp, trace.WithBatchTimeout(time.Second)),
	}
	if cfg.StdOut {
		stdout, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, trace.WithSyncer(stdout))
	}
	return trace.NewTracerProvider(providerOpts...), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*metric.MeterProvider, error) {
	providerOpts := []metric.Option{metric.WithResource(res)}

	if cfg.Enabled {
		var opts []otlpmetrichttp.Option
		switch {
		case strings.Contains(cfg.Endpoint, "://"):
			opts = append(opts, otlpmetrichttp.WithEndpointURL(cfg.Endpoint))
		case cfg.Endpoint != "":
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
			if cfg.Insecure {
				opts = append(opts, otlpmetrichttp.WithInsecure())
			}
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		providerOpts = append(providerOpts, metric.WithReader(
			metric.NewPeriodicReader(exp, metric.WithInterval(cfg.ExportInterval))))

		if cfg.StdOut {
			stdout, err := stdoutmetric.New()
			if err != nil {
				return nil, err
			}
			providerOpts = append(providerOpts, metric.WithReader(
				metric.NewPeriodicReader(stdout, metric.WithInterval(cfg.ExportInterval))))
		}
	}

	if cfg.Prometheus {
		reg := cfg.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		prom, err := promexporter.New(promexporter.WithRegisterer(reg))
		if err != nil {
			return nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		providerOpts = append(providerOpts, metric.WithReader(prom))
	}

	return metric.NewMeterProvider(providerOpts...), nil
}
