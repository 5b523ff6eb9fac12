// Package forge is the top-level orchestrator: it resolves a goal,
// creates an isolated session, bootstraps an environment, runs the
// fail-closed preflight gate, drives the iterative remediation engine
// for goals that want it, runs the final test gate, and records every
// step into the provenance ledger. Runs are strictly sequential; callers
// must serialize runs against one repository root.
package forge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/command"
	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/fyrsmithlabs/forged/internal/envboot"
	"github.com/fyrsmithlabs/forged/internal/fixer"
	"github.com/fyrsmithlabs/forged/internal/goal"
	"github.com/fyrsmithlabs/forged/internal/secrets"
	"github.com/fyrsmithlabs/forged/internal/session"
)

const instrumentationName = "github.com/fyrsmithlabs/forged/internal/forge"

// Service provides the forge's invocation surface.
type Service interface {
	// Plan resolves a goal and writes the planning artifact without
	// creating a session or touching the repository.
	Plan(ctx context.Context, goalText string) (*Plan, error)

	// Run executes a goal end to end and writes the report artifact.
	// A non-nil Report is returned even when the run outcome is failed.
	Run(ctx context.Context, goalText string, opts RunOptions) (*Report, error)
}

// RunOptions carries per-run identity.
type RunOptions struct {
	Initiator string
	RequestID string
}

// commandRunner abstracts process execution so the control loop is
// testable with scripted results.
type commandRunner interface {
	Run(ctx context.Context, spec command.Spec) command.Result
}

// bootstrapper abstracts environment creation.
type bootstrapper interface {
	Bootstrap(ctx context.Context, extras string) (*envboot.Env, error)
}

// sessionManager abstracts session lifecycle.
type sessionManager interface {
	Create(ctx context.Context, sessionID string) (*session.Session, error)
	Cleanup(ctx context.Context, sess *session.Session) error
}

type service struct {
	cfg      *config.Config
	repoRoot string
	logger   *zap.Logger
	registry *goal.Registry
	fixer    *fixer.Fixer
	scrubber secrets.Scrubber

	runner     commandRunner
	sessions   sessionManager
	envFactory func(sessionRoot string) (bootstrapper, error)

	tracer      trace.Tracer
	meter       metric.Meter
	runCounter  metric.Int64Counter
	iterCounter metric.Int64Counter
	fixCounter  metric.Int64Counter
	runDuration metric.Float64Histogram
}

// Option overrides a service collaborator, primarily for tests.
type Option func(*service)

// WithRunner sets the command runner.
func WithRunner(r commandRunner) Option {
	return func(s *service) { s.runner = r }
}

// WithSessionManager sets the session manager.
func WithSessionManager(m sessionManager) Option {
	return func(s *service) { s.sessions = m }
}

// WithBootstrapper sets a fixed environment bootstrapper regardless of
// session root.
func WithBootstrapper(b bootstrapper) Option {
	return func(s *service) {
		s.envFactory = func(string) (bootstrapper, error) { return b, nil }
	}
}

// NewService creates the orchestrator for one repository root.
func NewService(cfg *config.Config, repoRoot string, logger *zap.Logger, opts ...Option) (Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if repoRoot == "" {
		return nil, errors.New("repo root is required")
	}
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry, err := goal.LoadRegistry(abs)
	if err != nil {
		return nil, fmt.Errorf("load goal registry: %w", err)
	}

	s := &service{
		cfg:      cfg,
		repoRoot: abs,
		logger:   logger,
		registry: registry,
		fixer: fixer.New(
			fixer.WithLogger(logger),
			fixer.WithImportRewrites(cfg.Forge.ImportRewrites),
		),
		// Captured output lands in reports and the blob store; scrub it
		// before it is recorded anywhere.
		scrubber: secrets.MustNew(secrets.DefaultConfig()),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.runner == nil {
		s.runner = command.NewRunner(
			command.WithLogger(logger),
			command.WithDefaultTimeout(cfg.Forge.CommandTimeout.Duration()),
		)
	}
	if s.sessions == nil {
		mgr, err := session.NewManager(abs, session.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		s.sessions = mgr
	}
	if s.envFactory == nil {
		// Environments install the session's working copy, so the cache
		// is rooted in the session.
		s.envFactory = func(sessionRoot string) (bootstrapper, error) {
			return envboot.New(sessionRoot,
				envboot.WithLogger(logger),
				envboot.WithInterpreter(cfg.Env.Interpreter),
			)
		}
	}

	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error
	s.runCounter, err = s.meter.Int64Counter(
		"forged.runs_total",
		metric.WithDescription("Total forge runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn("failed to create run counter", zap.Error(err))
	}
	s.iterCounter, err = s.meter.Int64Counter(
		"forged.iterations_total",
		metric.WithDescription("Total remediation iterations executed"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		s.logger.Warn("failed to create iteration counter", zap.Error(err))
	}
	s.fixCounter, err = s.meter.Int64Counter(
		"forged.fixes_applied_total",
		metric.WithDescription("Total fix candidates that changed files"),
		metric.WithUnit("{fix}"),
	)
	if err != nil {
		s.logger.Warn("failed to create fix counter", zap.Error(err))
	}
	s.runDuration, err = s.meter.Float64Histogram(
		"forged.run_duration_seconds",
		metric.WithDescription("Wall-clock duration of forge runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		s.logger.Warn("failed to create duration histogram", zap.Error(err))
	}
}

// gateTestArgv builds the final-gate test command for a profile.
func (s *service) gateTestArgv(python, profile string) []string {
	if profile == goal.ProfileSmokeNoop {
		// The smoke gate only proves the bootstrapped environment can
		// load the test tool.
		return []string{python, "-m", "pytest", "--version"}
	}
	return s.harvestArgv(python)
}

// harvestArgv builds the test command whose output the harvester parses.
func (s *service) harvestArgv(python string) []string {
	if s.cfg.Forge.HarvestRunner == config.RunnerRunTests {
		return []string{python, "-m", "scripts.run_tests", "-q", "--maxfail=50"}
	}
	return []string{python, "-m", "pytest", "-q", "--maxfail=50", "--disable-warnings"}
}

func displayArgv(argv []string) string {
	return strings.Join(argv, " ")
}

func isoNow() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}
