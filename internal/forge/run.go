package forge

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/command"
	"github.com/fyrsmithlabs/forged/internal/envboot"
	"github.com/fyrsmithlabs/forged/internal/goal"
	"github.com/fyrsmithlabs/forged/internal/provenance"
	"github.com/fyrsmithlabs/forged/internal/session"
)

// Plan resolves a goal and writes the planning artifact.
func (s *service) Plan(ctx context.Context, goalText string) (*Plan, error) {
	_, span := s.tracer.Start(ctx, "forge.plan")
	defer span.End()
	span.SetAttributes(attribute.String("goal", goalText))

	plan, path, err := s.buildPlan(goalText, isoNow())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	s.logger.Info("plan written",
		zap.String("goal_id", plan.GoalID),
		zap.String("path", path))
	return plan, nil
}

func (s *service) buildPlan(goalText, generatedAt string) (*Plan, string, error) {
	spec := s.registry.Resolve(goalText)
	plan := &Plan{
		SchemaVersion: SchemaVersion,
		GeneratedAt:   generatedAt,
		Goal:          goalText,
		GoalID:        spec.GoalID,
		Phases:        spec.Phases,
		RiskNotes:     spec.RiskNotes,
		RollbackNotes: spec.RollbackNotes,
	}
	path := s.planPath(generatedAt)
	if err := s.writeJSON(path, plan); err != nil {
		return nil, "", err
	}
	return plan, path, nil
}

// Run executes one goal end to end. The returned report is non-nil even
// when the outcome is failed; only infrastructure errors (artifact or
// ledger writes, session creation) return an error instead.
func (s *service) Run(ctx context.Context, goalText string, opts RunOptions) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "forge.run")
	defer span.End()
	span.SetAttributes(attribute.String("goal", goalText))
	runStart := time.Now()

	generatedAt := isoNow()
	spec := s.registry.Resolve(goalText)
	span.SetAttributes(attribute.String("goal_id", spec.GoalID))

	if opts.Initiator == "" {
		opts.Initiator = s.cfg.Forge.Initiator
	}

	_, planPath, err := s.buildPlan(goalText, generatedAt)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	sess, err := s.sessions.Create(ctx, session.SafeID(generatedAt))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create session: %w", err)
	}
	sessionRoot := sess.RootPath

	boot, err := s.envFactory(sessionRoot)
	if err != nil {
		sess.PreservedOnFailure = true
		return nil, fmt.Errorf("env bootstrapper: %w", err)
	}
	env, err := boot.Bootstrap(ctx, s.cfg.Forge.ExtrasTag)
	if err != nil {
		sess.PreservedOnFailure = true
		return nil, fmt.Errorf("bootstrap environment: %w", err)
	}

	// Cache hygiene once the current environment is in place. The fresh
	// entry's last-used stamp keeps it out of both cutoffs. Best effort:
	// a prune failure never blocks the run.
	pruned, pruneErr := envboot.Prune(sessionRoot,
		s.cfg.Env.MaxCacheEntries,
		time.Duration(s.cfg.Env.MaxCacheAgeDays)*24*time.Hour)
	if pruneErr != nil {
		s.logger.Warn("env cache prune failed", zap.Error(pruneErr))
	} else if len(pruned) > 0 {
		s.logger.Debug("pruned env cache entries", zap.Strings("entries", pruned))
	}

	ledger, err := provenance.NewLedger(s.repoRoot, provenance.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}

	run := &runState{
		service:     s,
		ctx:         ctx,
		goalText:    goalText,
		spec:        spec,
		generatedAt: generatedAt,
		sess:        sess,
		env:         env,
		ledger:      ledger,
		report: &Report{
			SchemaVersion:     SchemaVersion,
			GeneratedAt:       generatedAt,
			Goal:              goalText,
			GoalID:            spec.GoalID,
			GateProfile:       spec.GateProfile,
			PlanPath:          planPath,
			Session:           sess,
			Environment:       env,
			ArtifactsWritten:  []string{planPath},
			TransactionStatus: TxAborted,
		},
	}

	run.preflight()
	run.apply()
	run.finalGate()
	report, err := run.finish(opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("outcome", report.Outcome))
	if s.runCounter != nil {
		s.runCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", report.Outcome),
			attribute.String("goal_id", spec.GoalID),
		))
	}
	if s.runDuration != nil {
		s.runDuration.Record(ctx, time.Since(runStart).Seconds())
	}
	return report, nil
}

// runState threads one run's mutable state through its phases.
type runState struct {
	service     *service
	ctx         context.Context
	goalText    string
	spec        goal.Spec
	generatedAt string
	sess        *session.Session
	env         *envboot.Env
	ledger      *provenance.Ledger
	report      *Report
}

// step executes one command inside the session, records it in both the
// report and the ledger, and returns the result.
func (r *runState) step(spec command.Spec) command.Result {
	if spec.Dir == "" {
		spec.Dir = r.sess.RootPath
	}
	if spec.Timeout == 0 {
		spec.Timeout = r.service.cfg.Forge.CommandTimeout.Duration()
	}
	result := r.service.runner.Run(r.ctx, spec)
	result.Stdout = r.service.scrubber.Scrub(result.Stdout).Scrubbed
	result.Stderr = r.service.scrubber.Scrub(result.Stderr).Scrubbed
	r.report.StepResults = append(r.report.StepResults, result)

	step := r.ledger.MakeStep(
		spec.Step,
		stepKind(spec.Step),
		map[string]any{"argv": spec.Argv, "display": spec.Display()},
		spec.Dir,
		r.envFingerprint(),
		result.StartedAt,
		result.FinishedAt,
		result.ReturnCode,
		result.Stdout,
		result.Stderr,
		nil,
		"",
	)
	if err := r.ledger.AddStep(step, result.Stdout, result.Stderr); err != nil {
		r.service.logger.Warn("provenance step not recorded",
			zap.String("step", spec.Step), zap.Error(err))
	}
	return result
}

func (r *runState) envFingerprint() string {
	return provenance.DigestText(r.env.Python + "|" + r.env.CacheKey)[:16]
}

func (r *runState) fail(reason string) {
	for _, existing := range r.report.FailureReasons {
		if existing == reason {
			return
		}
	}
	r.report.FailureReasons = append(r.report.FailureReasons, reason)
}

// preflight runs the contract-drift checker and contract-status emitter.
// It fails closed: any non-zero result blocks the apply and test phases.
func (r *runState) preflight() {
	s := r.service
	timeout := preflightTimeout(r.spec.GateProfile, s.cfg.Forge.CommandTimeout.Duration())

	drift := r.step(command.Spec{
		Step:    "contract_drift",
		Argv:    []string{r.env.Python, "-m", "scripts.contract_drift"},
		Timeout: timeout,
	})
	r.report.CommandsRun = append(r.report.CommandsRun, displayArgv(drift.Argv))
	driftStatus := "pass"
	if drift.ReturnCode != 0 {
		driftStatus = "fail"
		r.fail("contract_drift_failed")
	}

	status := r.step(command.Spec{
		Step:    "contract_status",
		Argv:    []string{r.env.Python, "-m", "scripts.emit_contract_status"},
		Timeout: timeout,
	})
	r.report.CommandsRun = append(r.report.CommandsRun, displayArgv(status.Argv))
	if status.ReturnCode != 0 {
		r.fail("contract_status_emit_failed")
	}
	statusPayload := loadJSONMap(filepath.Join(r.sess.RootPath, filepath.FromSlash(ContractStatusPath)))
	r.report.ArtifactsWritten = append(r.report.ArtifactsWritten, ContractStatusPath)

	if r.spec.GateProfile == goal.ProfileSmokeNoop {
		probe := r.step(command.Spec{
			Step:    "env_probe",
			Argv:    []string{r.env.Python, "-c", "import pytest"},
			Timeout: timeout,
		})
		if probe.ReturnCode != 0 {
			r.fail("env_probe_failed")
		}
	}

	r.report.Preflight = Preflight{
		ContractDrift: CheckResult{
			Status:  driftStatus,
			Summary: summarizeResult("contract_drift", drift),
		},
		ContractStatusPath:     ContractStatusPath,
		ContractStatusEmbedded: statusPayload,
	}
}

// apply runs the goal's apply phase: the iterative remediation engine for
// iterative goals, the fixed apply-command list otherwise. Skipped
// entirely when preflight failed.
func (r *runState) apply() {
	if len(r.report.FailureReasons) > 0 {
		return
	}
	if r.spec.Iterative {
		r.runEngine()
		return
	}

	if len(r.spec.ApplyCommands) == 0 {
		r.report.Apply = &ApplyResult{Status: "skipped", Summary: "no apply commands for this goal"}
		return
	}
	applied := &ApplyResult{Status: "pass"}
	for _, cmdSpec := range r.spec.ApplyCommands {
		result := r.step(cmdSpec)
		applied.StepResults = append(applied.StepResults, result)
		r.report.CommandsRun = append(r.report.CommandsRun, displayArgv(result.Argv))
		if result.ReturnCode != 0 {
			applied.Status = "fail"
			applied.Summary = summarizeResult(result.Step, result)
			r.report.Apply = applied
			r.fail("apply_failed")
			return
		}
	}
	applied.Summary = fmt.Sprintf("%d apply steps succeeded", len(applied.StepResults))
	r.report.Apply = applied
}

// finalGate re-runs the designated test command once more; any non-zero
// outcome fails the run regardless of iteration history.
func (r *runState) finalGate() {
	s := r.service
	argv := s.gateTestArgv(r.env.Python, r.spec.GateProfile)
	display := displayArgv(argv)

	if len(r.report.FailureReasons) > 0 {
		r.report.Tests = TestResult{
			Status:  "fail",
			Command: display,
			Summary: "skipped: preflight/apply failed",
		}
		return
	}

	tests := r.step(command.Spec{Step: "tests", Argv: argv})
	r.report.CommandsRun = append(r.report.CommandsRun, display)
	status := "pass"
	if tests.ReturnCode != 0 {
		status = "fail"
		r.fail("tests_failed")
	}
	r.report.Tests = TestResult{
		Status:  status,
		Command: display,
		Summary: summarizeResult("tests", tests),
	}
}

// finish classifies the outcome, handles session preservation/cleanup,
// publishes when eligible, finalizes provenance, and writes the report.
func (r *runState) finish(opts RunOptions) (*Report, error) {
	s := r.service
	report := r.report

	report.Outcome = OutcomeSuccess
	report.TransactionStatus = TxCommitted
	if len(report.FailureReasons) > 0 {
		report.Outcome = OutcomeFailed
		report.TransactionStatus = TxAborted
	}

	r.sess.PreservedOnFailure = report.Outcome == OutcomeFailed

	if report.Outcome == OutcomeSuccess {
		r.publish()
	}
	report.GitSHA = session.HeadSHA(r.sess.RootPath)

	if usage := report.BudgetUsage; usage != nil {
		report.Notes = append(report.Notes, fmt.Sprintf(
			"budget:iters=%d/%d,fixes_per_iter=%d,total_files=%d/%d",
			usage.IterationsUsed, usage.MaxIterations,
			usage.MaxFixesPerIteration,
			usage.TotalFilesChanged, usage.MaxTotalFilesChanged))
	}

	reportPath := s.reportPath(r.generatedAt)
	header := provenance.Header{
		SchemaVersion:     provenance.SchemaVersion,
		RunID:             r.ledger.RunID(),
		StartedAt:         r.generatedAt,
		FinishedAt:        isoNow(),
		Initiator:         opts.Initiator,
		RequestID:         opts.RequestID,
		Goal:              r.goalText,
		GoalID:            r.spec.GoalID,
		TransactionStatus: report.TransactionStatus,
	}
	provPath, _, _, err := r.ledger.Finalize(provenance.FinalizeParams{
		Header:         header,
		EnvCacheKey:    r.env.CacheKey,
		RuntimeVersion: r.env.PythonVersion,
		InstallSummary: r.env.InstallSummary,
		Artifacts:      append(append([]string{}, report.ArtifactsWritten...), reportPath),
	})
	if err != nil {
		return nil, fmt.Errorf("finalize provenance: %w", err)
	}
	report.ProvenanceRunID = r.ledger.RunID()
	report.ProvenancePath = provPath

	if err := s.writeJSON(reportPath, report); err != nil {
		return nil, err
	}

	// Cleanup happens after the report so a cleanup error cannot lose
	// the run record. Failed runs keep the session for inspection.
	if report.Outcome == OutcomeSuccess {
		if err := s.sessions.Cleanup(r.ctx, r.sess); err != nil {
			s.logger.Warn("session cleanup failed", zap.Error(err))
		}
	} else {
		s.logger.Info("session preserved for inspection",
			zap.String("session_root", r.sess.RootPath),
			zap.Strings("failure_reasons", report.FailureReasons))
	}

	s.logger.Info("run finished",
		zap.String("goal_id", r.spec.GoalID),
		zap.String("outcome", report.Outcome),
		zap.String("report_path", reportPath))
	return report, nil
}

func preflightTimeout(profile string, base time.Duration) time.Duration {
	if profile == goal.ProfileSmokeNoop {
		// Smoke preflight should fail fast.
		if base > 2*time.Minute {
			return 2 * time.Minute
		}
	}
	return base
}

func summarizeResult(step string, result command.Result) string {
	text := result.Stdout
	if text == "" {
		text = result.Stderr
	}
	text = command.Truncate(text)
	if len(text) > 200 {
		text = text[:200]
	}
	return fmt.Sprintf("%s rc=%d %s", step, result.ReturnCode, text)
}

func stepKind(step string) string {
	switch {
	case step == "contract_drift" || step == "contract_status" || step == "env_probe":
		return "preflight"
	case step == "tests" || step == "contract_drift_end":
		return "gate"
	default:
		return "apply"
	}
}
