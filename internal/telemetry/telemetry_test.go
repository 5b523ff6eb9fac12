package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestNewDisabled(t *testing.T) {
	cfg := NewDefaultConfig()

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.NotNil(t, tel.Tracer("forged.run"))
	assert.NotNil(t, tel.Meter("forged.run"))
	assert.False(t, tel.IsEnabled())

	health := tel.Health()
	assert.True(t, health.Healthy)
	assert.False(t, health.Degraded)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := &Config{Enabled: true}

	tel, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNilInstanceIsSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.Nil(t, tel.LoggerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
}

func TestShutdownDisabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestShutdownHonorsCallerDeadline(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Shutdown.Timeout = config.Duration(100 * time.Millisecond)

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestSetLoggerProvider(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.Nil(t, tel.LoggerProvider())
	tel.SetLoggerProvider(nil)
	assert.Nil(t, tel.LoggerProvider())
}

func TestForceFlushDisabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NoError(t, tel.ForceFlush(context.Background()))
}

func TestTestTelemetryRecordsSpans(t *testing.T) {
	tt := NewTestTelemetry()

	tracer := tt.Tracer("forged.session")
	_, span := tracer.Start(context.Background(), "session_create")
	span.SetAttributes(attribute.String("session.strategy", "clone"))
	span.End()

	tt.AssertSpanExists(t, "session_create")
	tt.AssertSpanAttribute(t, "session_create", "session.strategy", "clone")
	assert.Nil(t, tt.SpanByName("no_such_span"))
}

func TestTestTelemetryRecordsMultipleSpans(t *testing.T) {
	tt := NewTestTelemetry()
	tracer := tt.Tracer("forged.fixer")

	for i, name := range []string{"fix_plan", "fix_apply", "fix_verify"} {
		_, span := tracer.Start(context.Background(), name)
		span.SetAttributes(attribute.Int("attempt", i+1))
		span.End()
	}

	require.Len(t, tt.Spans(), 3)
	tt.AssertSpanAttribute(t, "fix_plan", "attempt", int64(1))
	tt.AssertSpanAttribute(t, "fix_verify", "attempt", int64(3))
}

func TestTestTelemetryAttributeTypes(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("t").Start(context.Background(), "typed")
	span.SetAttributes(
		attribute.String("s", "value"),
		attribute.Int("i", 42),
		attribute.Float64("f", 3.14),
		attribute.Bool("b", true),
	)
	span.End()

	tt.AssertSpanAttribute(t, "typed", "s", "value")
	tt.AssertSpanAttribute(t, "typed", "i", int64(42))
	tt.AssertSpanAttribute(t, "typed", "f", 3.14)
	tt.AssertSpanAttribute(t, "typed", "b", true)
}

func TestTestTelemetryRecordsMetrics(t *testing.T) {
	tt := NewTestTelemetry()

	meter := tt.Meter("forged.budget")
	counter, err := meter.Int64Counter("runs_started")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	require.NoError(t, tt.MetricReader.ForceFlush(context.Background()))
	assert.NotEmpty(t, tt.MetricReader.Metrics())
}

func TestTestTelemetryFlushAndShutdown(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("t").Start(context.Background(), "short")
	span.End()

	require.NoError(t, tt.ForceFlush(context.Background()))
	require.NoError(t, tt.Shutdown(context.Background()))
	require.NoError(t, tt.MetricReader.Shutdown(context.Background()))
}
