package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Telemetry owns the process-wide trace and metric pipelines.
//
// A failed exporter never takes the process down with it: when a
// provider cannot be built the instance marks itself degraded and
// hands out no-op tracers and meters instead.
type Telemetry struct {
	config *Config

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logProvider    log.LoggerProvider

	healthy  atomic.Bool
	degraded atomic.Bool
}

// New validates cfg and brings up the OTLP pipelines. A disabled config
// yields a working no-op instance; exporter failures degrade rather
// than error.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{config: cfg}
	t.healthy.Store(true)

	if !cfg.Enabled {
		return t, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		t.markDegraded()
		return t, nil
	}

	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.markDegraded()
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.markDegraded()
	} else if mp != nil {
		t.meterProvider = mp
		otel.SetMeterProvider(mp)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return t, nil
}

// Tracer returns a tracer for the named instrumentation scope, falling
// back to the global (no-op when unset) provider if the pipeline is
// down.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter for the named instrumentation scope, falling
// back to the global provider if the pipeline is down.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// LoggerProvider returns the provider backing the zap/OTEL log bridge,
// or nil when none was attached.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil {
		return nil
	}
	return t.logProvider
}

// SetLoggerProvider attaches a provider for the log bridge.
func (t *Telemetry) SetLoggerProvider(lp log.LoggerProvider) {
	if t != nil {
		t.logProvider = lp
	}
}

// Shutdown flushes and stops all pipelines. When ctx carries no
// deadline the configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok && t.config != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Shutdown.Timeout.Duration())
		defer cancel()
	}

	err := t.eachProvider(ctx, "shutdown",
		func(tp *sdktrace.TracerProvider) providerOp { return tp.Shutdown },
		func(mp *sdkmetric.MeterProvider) providerOp { return mp.Shutdown })
	t.healthy.Store(false)
	return err
}

// ForceFlush pushes any buffered spans and metrics out immediately.
func (t *Telemetry) ForceFlush(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.eachProvider(ctx, "flush",
		func(tp *sdktrace.TracerProvider) providerOp { return tp.ForceFlush },
		func(mp *sdkmetric.MeterProvider) providerOp { return mp.ForceFlush })
}

type providerOp func(context.Context) error

// eachProvider applies the selected operation to whichever pipelines
// exist, collecting errors from both.
func (t *Telemetry) eachProvider(ctx context.Context, what string,
	traceOp func(*sdktrace.TracerProvider) providerOp,
	metricOp func(*sdkmetric.MeterProvider) providerOp,
) error {
	var errs []error
	if t.tracerProvider != nil {
		if err := traceOp(t.tracerProvider)(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider %s: %w", what, err))
		}
	}
	if t.meterProvider != nil {
		if err := metricOp(t.meterProvider)(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider %s: %w", what, err))
		}
	}
	return errors.Join(errs...)
}

// HealthStatus is a point-in-time view of the telemetry pipelines.
type HealthStatus struct {
	Healthy  bool
	Degraded bool
}

// Health reports whether the pipelines are up and whether any provider
// failed to initialize.
func (t *Telemetry) Health() HealthStatus {
	if t == nil {
		return HealthStatus{Degraded: true}
	}
	return HealthStatus{
		Healthy:  t.healthy.Load(),
		Degraded: t.degraded.Load(),
	}
}

// IsEnabled reports whether telemetry is configured on and still healthy.
func (t *Telemetry) IsEnabled() bool {
	if t == nil || t.config == nil {
		return false
	}
	return t.config.Enabled && t.healthy.Load()
}

func (t *Telemetry) markDegraded() {
	t.degraded.Store(true)
}
