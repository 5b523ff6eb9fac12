// internal/logging/integration_test.go
package logging

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/forged/internal/config"
)

// Exercises the whole pipeline: construction, every level, secret
// redaction, child and named loggers. Output goes to stdout; the test
// only asserts that nothing errors or panics.
func TestFullLoggingPipeline(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = TraceLevel
	cfg.Sampling.Enabled = false

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck

	ctx := WithRunScope(context.Background(), &RunScope{
		GoalID:    "baseline_reclamation",
		Initiator: "ci",
	})
	ctx = WithSessionID(ctx, "sess_integration_123")
	ctx = WithRequestID(ctx, "req_456")

	logger.Trace(ctx, "trace message", zap.String("detail", "argv dump"))
	logger.Debug(ctx, "debug message", zap.String("cache", "hit"))
	logger.Info(ctx, "info message", zap.Duration("duration", 45*time.Millisecond))
	logger.Warn(ctx, "warn message", zap.Int("retry_attempt", 2))
	logger.Error(ctx, "error message", zap.Error(fmt.Errorf("test error")))

	logger.Info(ctx, "publish configured",
		zap.Object("remote", &testRemoteConfig{
			URL:   "https://git.example.com",
			Token: config.Secret("super-secret"),
		}),
	)

	logger.With(zap.String("component", "engine")).Info(ctx, "child log")
	logger.Named("subsystem").Info(ctx, "named log")

	require.NoError(t, logger.Sync())
}

type testRemoteConfig struct {
	URL   string
	Token config.Secret
}

func (c *testRemoteConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("url", c.URL)
	return (&secretMarshaler{key: "token", val: c.Token}).MarshalLogObject(enc)
}

func TestContextFieldInjectionEndToEnd(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithRunScope(context.Background(), &RunScope{GoalID: "baseline_reclamation", Initiator: "ci"})
	ctx = WithSessionID(ctx, "sess_123")

	tl.Info(ctx, "request", zap.String("method", "GET"))

	tl.AssertLogged(t, zapcore.InfoLevel, "request")
	tl.AssertField(t, "request", "run.goal_id", "baseline_reclamation")
	tl.AssertField(t, "request", "run.initiator", "ci")
	tl.AssertField(t, "request", "session.id", "sess_123")
	tl.AssertField(t, "request", "method", "GET")
}

func TestSecretFieldsNeverLeak(t *testing.T) {
	tl := NewTestLogger()

	tl.Info(context.Background(), "auth",
		Secret("credentials", config.Secret("my-secret-token")),
	)

	tl.AssertLogged(t, zapcore.InfoLevel, "auth")
	tl.AssertNoSecrets(t)
}
