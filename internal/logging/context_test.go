package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func assertFieldExists(t *testing.T, fields []zap.Field, key, expected string) {
	t.Helper()
	for _, field := range fields {
		if field.Key == key && field.String == expected {
			return
		}
	}
	t.Errorf("field %q with value %q not found", key, expected)
}

func TestContextFieldsEmptyContext(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFieldsCarryTraceIDs(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(trace.WithBatcher(exporter))
	tracer := provider.Tracer("test")

	ctx, span := tracer.Start(context.Background(), "resolve")
	defer span.End()

	fields := ContextFields(ctx)

	sc := span.SpanContext()
	assertFieldExists(t, fields, "trace_id", sc.TraceID().String())
	assertFieldExists(t, fields, "span_id", sc.SpanID().String())
}

func TestContextFieldsMarkSampledSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(
		trace.WithSampler(trace.AlwaysSample()),
		trace.WithBatcher(exporter),
	)
	ctx, span := provider.Tracer("test").Start(context.Background(), "harvest")
	defer span.End()

	fields := ContextFields(ctx)

	found := false
	for _, f := range fields {
		if f.Key == "trace_sampled" && f.Integer == 1 {
			found = true
		}
	}
	assert.True(t, found, "trace_sampled flag missing")
}

func TestContextFieldsCarryRunScope(t *testing.T) {
	ctx := WithRunScope(context.Background(), &RunScope{
		GoalID:    "baseline_reclamation",
		Initiator: "ci",
	})

	fields := ContextFields(ctx)

	assert.Len(t, fields, 2)
	assertFieldExists(t, fields, "run.goal_id", "baseline_reclamation")
	assertFieldExists(t, fields, "run.initiator", "ci")
}

func TestContextFieldsCarrySessionAndRequestIDs(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess_123")
	ctx = WithRequestID(ctx, "req_456")

	fields := ContextFields(ctx)

	assertFieldExists(t, fields, "session.id", "sess_123")
	assertFieldExists(t, fields, "request.id", "req_456")
}

func TestRunScopeRoundTrip(t *testing.T) {
	scope := &RunScope{GoalID: "repo_green_storm", Initiator: "operator-1"}

	ctx := WithRunScope(context.Background(), scope)

	assert.Equal(t, scope, RunScopeFromContext(ctx))
	assert.Nil(t, RunScopeFromContext(context.Background()))
}

func TestWithRunScopeValidation(t *testing.T) {
	tests := []struct {
		name  string
		scope *RunScope
	}{
		{"empty goal id", &RunScope{GoalID: "", Initiator: "ci"}},
		{"empty initiator", &RunScope{GoalID: "baseline_reclamation", Initiator: ""}},
		{"goal id with spaces", &RunScope{GoalID: "fix everything", Initiator: "ci"}},
		{"initiator with at-sign", &RunScope{GoalID: "baseline_reclamation", Initiator: "ci@nightly"}},
		{"goal id with slash", &RunScope{GoalID: "goals/baseline", Initiator: "ci"}},
		{"goal id too long", &RunScope{GoalID: strings.Repeat("a", 65), Initiator: "ci"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() {
				WithRunScope(context.Background(), tt.scope)
			})
		})
	}
}

func TestWithRunScopeNilPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: run scope cannot be nil", func() {
		WithRunScope(context.Background(), nil)
	})
}

func TestWithSessionID(t *testing.T) {
	valid := []string{"sess_123", "sess-abc-123", "sessABC123"}
	for _, id := range valid {
		ctx := WithSessionID(context.Background(), id)
		assert.Equal(t, id, SessionIDFromContext(ctx))
	}

	invalid := []string{"", "sess 123", "sess/123", "sess@123", "sess.123", strings.Repeat("a", 129)}
	for _, id := range invalid {
		id := id
		assert.Panics(t, func() {
			WithSessionID(context.Background(), id)
		}, "id %q", id)
	}
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-abc-456")
	assert.Equal(t, "req-abc-456", RequestIDFromContext(ctx))

	assert.Panics(t, func() { WithRequestID(context.Background(), "") })
	assert.Panics(t, func() { WithRequestID(context.Background(), "req 456") })
}

func TestLoggerInContext(t *testing.T) {
	logger := &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}

	ctx := WithLogger(context.Background(), logger)

	assert.Equal(t, logger, FromContext(ctx))
	// Missing logger falls back to a usable nop.
	assert.NotNil(t, FromContext(context.Background()))
}
