// Package logging is the structured logging layer for forged, built on
// zap with an OpenTelemetry bridge.
//
// A Logger takes a context on every call and injects whatever
// correlation the context carries: the active otel trace and span ids,
// the run scope (goal id and initiator), the session id, and the
// request id. Callers never thread those fields by hand.
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunScope(ctx, &logging.RunScope{GoalID: "baseline_reclamation", Initiator: "ci"})
//	ctx = logging.WithSessionID(ctx, "sess_123")
//	logger.Info(ctx, "iteration finished", zap.Duration("duration", d))
//
// produces
//
//	{
//	  "ts": "2026-08-31T10:15:30Z",
//	  "level": "info",
//	  "msg": "iteration finished",
//	  "trace_id": "abc123",
//	  "run.goal_id": "baseline_reclamation",
//	  "session.id": "sess_123",
//	  "duration": "45ms"
//	}
//
// Below zap's usual levels sits a Trace level (-2) for per-command
// detail that would drown Debug.
//
// # Redaction
//
// The encoder blanks fields whose names look sensitive and masks values
// matching the configured patterns, independent of the config.Secret
// type doing the same at the domain layer. For one-off cases:
//
//	logger.Info(ctx, "auth received",
//	    logging.RedactedString("authorization", authHeader))
//
// # Sampling
//
// Sampling is per level band: trace through warn are throttled with
// per-level budgets, error and above always pass. Set
// cfg.Sampling.Enabled = false when chasing a bug.
//
// # Testing
//
// TestLogger records entries in memory behind the same API:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "fix applied", zap.String("fix_id", "pin_dep"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "fix applied")
//	tl.AssertNoSecrets(t)
//
// Loggers are safe for concurrent use; With and Named return
// independent children.
package logging
