// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for the
// orchestrator.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the canonical telemetry service name.
	ServiceName = "featuredev"
	// DefaultEnvironment is used when no environment variable is configured.
	DefaultEnvironment = "dev"
	// DefaultEndpoint is used when neither flag, env nor config name an endpoint.
	DefaultEndpoint = "http://localhost:4318"
	// BatchTimeout bounds how long finished spans wait before export, and how
	// long shutdown waits for the last batch.
	BatchTimeout = 5 * time.Second
	// BatchSize is the largest span batch sent in one export.
	BatchSize = 512
)

// ServiceVersion is set at build time via ldflags when available.
var ServiceVersion = "dev"

// Span attributes shown by the console exporter, in print order.
var consoleAttributes = []attribute.Key{"tab_id", "conversation_id", "job_id", "operation", "result"}

var exporterFactory = newOTLPExporter

// Options selects where spans go and how the run is labelled. Endpoint is
// the value from flags or config; OTEL_EXPORTER_OTLP_ENDPOINT wins over the
// config value but not over a flag.
type Options struct {
	Endpoint      string
	EndpointIsSet bool
	Fallback      io.Writer

	// Backend and Model name the code generation backend of this run.
	Backend string
	Model   string
	RunID   string
}

// Init installs a global tracer provider exporting over OTLP HTTP. When the
// exporter cannot be built, spans are printed to the fallback writer. The
// returned func flushes and shuts the provider down once.
func Init(ctx context.Context, opts Options) (func(), error) {
	fallback := opts.Fallback
	if fallback == nil {
		fallback = os.Stderr
	}

	endpoint := resolveEndpoint(opts)
	exporter, err := exporterFactory(ctx, endpoint)
	if err != nil {
		fmt.Fprintf(fallback, "warning: OTLP exporter unavailable for %s (%v); falling back to console exporter\n", endpoint, err)
		exporter = &consoleExporter{out: fallback}
	}

	res, err := resource.New(ctx, resource.WithAttributes(runAttributes(opts)...))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(flushCtx); err != nil {
				otel.Handle(err)
			}
		})
	}, nil
}

func runAttributes(opts Options) []attribute.KeyValue {
	version := strings.TrimSpace(ServiceVersion)
	if version == "" {
		version = "dev"
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
		attribute.String("environment", resolveEnvironment()),
	}
	for key, value := range map[string]string{
		"featuredev.backend": opts.Backend,
		"featuredev.model":   opts.Model,
		"featuredev.run_id":  opts.RunID,
	} {
		if value = strings.TrimSpace(value); value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	return attrs
}

func resolveEndpoint(opts Options) string {
	flag := strings.TrimSpace(opts.Endpoint)
	if opts.EndpointIsSet && flag != "" {
		return flag
	}
	if env := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); env != "" {
		return env
	}
	if flag != "" {
		return flag
	}
	return DefaultEndpoint
}

func resolveEnvironment() string {
	for _, key := range []string{"FEATUREDEV_ENV", "ENVIRONMENT", "ENV"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return DefaultEnvironment
}

func newOTLPExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if certPath := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE")); certPath != "" {
		// #nosec G304 -- path comes from OTEL_EXPORTER_OTLP_CERTIFICATE.
		certPEM, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("read OTEL certificate %q: %w", certPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(certPEM) {
			return nil, fmt.Errorf("parse OTEL certificate %q: no certificates found", certPath)
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}))
	}
	return otlptracehttp.New(ctx, opts...)
}

// consoleExporter prints one line per span with the session identifiers it
// carries, so a run without a collector can still be followed.
type consoleExporter struct {
	out io.Writer
}

func (e *consoleExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e == nil || e.out == nil {
		return nil
	}
	for _, span := range spans {
		var line strings.Builder
		fmt.Fprintf(&line, "[SPAN] %s %s %v", span.Name(), span.EndTime().Sub(span.StartTime()).Round(time.Millisecond), span.Status().Code)
		values := make(map[attribute.Key]string, len(span.Attributes()))
		for _, kv := range span.Attributes() {
			values[kv.Key] = kv.Value.Emit()
		}
		for _, key := range consoleAttributes {
			if value, ok := values[key]; ok && value != "" {
				fmt.Fprintf(&line, " %s=%s", key, value)
			}
		}
		for _, event := range span.Events() {
			fmt.Fprintf(&line, "\n  [EVENT] %s", event.Name)
		}
		line.WriteString("\n")
		if _, err := io.WriteString(e.out, line.String()); err != nil {
			return err
		}
	}
	return nil
}

func (e *consoleExporter) Shutdown(context.Context) error { return nil }

func setExporterFactoryForTest(factory func(context.Context, string) (sdktrace.SpanExporter, error)) func() {
	previous := exporterFactory
	exporterFactory = factory
	return func() { exporterFactory = previous }
}
