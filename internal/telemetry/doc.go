// Package telemetry wires forged to an OpenTelemetry collector.
//
// It owns the OTLP trace and metric pipelines for the process and the
// logger provider the zap bridge hangs off. Construction is opt-in:
//
//	cfg := telemetry.NewDefaultConfig()
//	cfg.Enabled = true
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Instrumented packages pull scoped tracers and meters from the
// instance:
//
//	tracer := tel.Tracer("forged.fixer")
//	ctx, span := tracer.Start(ctx, "fix_apply")
//	defer span.End()
//
// Exporter failures never abort a run. When a provider cannot be built
// the instance degrades: Health reports it, and Tracer and Meter fall
// back to the global no-op providers.
//
// Tests use NewTestTelemetry, which records spans and metric snapshots
// in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("t").Start(ctx, "fix_apply")
//	span.End()
//	tt.AssertSpanExists(t, "fix_apply")
package telemetry
