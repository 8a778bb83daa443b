// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth proxy. It wraps tracer and meter providers so the rest of the
// codebase records telemetry through a single, nil-safe entry point.
package instrumentation

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopePrefix = "github.com/aurelian-labs/oauthproxy/"

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies the service in telemetry backends.
	ServiceName string

	// TracerProvider supplies tracers. Defaults to the global provider.
	TracerProvider trace.TracerProvider

	// MeterProvider supplies meters. Defaults to the global provider.
	MeterProvider metric.MeterProvider

	// Logger for instrumentation setup messages.
	Logger *slog.Logger
}

// Instrumentation bundles the telemetry providers and the proxy's metric
// instruments.
type Instrumentation struct {
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	metrics        *Metrics
	logger         *slog.Logger
}

// New creates an Instrumentation instance and registers all metric
// instruments on the configured meter provider.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "oauthproxy"
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}
	if config.MeterProvider == nil {
		config.MeterProvider = otel.GetMeterProvider()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	inst := &Instrumentation{
		serviceName:    config.ServiceName,
		tracerProvider: config.TracerProvider,
		meterProvider:  config.MeterProvider,
		logger:         config.Logger,
	}

	metrics, err := newMetrics(inst.Meter("metrics"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	inst.metrics = metrics

	return inst, nil
}

// Tracer returns a tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Meter returns a meter for the given scope.
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Metrics returns the proxy's metric instruments.
func (i *Instrumentation) Metrics() *Metrics {
	if i == nil {
		return nil
	}
	return i.metrics
}
