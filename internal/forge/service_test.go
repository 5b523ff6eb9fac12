package forge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/budget"
	"github.com/fyrsmithlabs/forged/internal/command"
	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/fyrsmithlabs/forged/internal/envboot"
	"github.com/fyrsmithlabs/forged/internal/goal"
	"github.com/fyrsmithlabs/forged/internal/provenance"
	"github.com/fyrsmithlabs/forged/internal/session"
)

// scriptedRunner answers each step by longest matching step-name prefix
// and records every invocation.
type scriptedRunner struct {
	responses map[string]command.Result
	calls     []command.Spec
}

func (r *scriptedRunner) Run(_ context.Context, spec command.Spec) command.Result {
	r.calls = append(r.calls, spec)
	best := ""
	for prefix := range r.responses {
		if strings.HasPrefix(spec.Step, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	result := r.responses[best]
	result.Step = spec.Step
	result.Argv = spec.Argv
	result.Dir = spec.Dir
	result.StartedAt = time.Now().UTC()
	result.FinishedAt = result.StartedAt
	return result
}

func (r *scriptedRunner) stepNames() []string {
	names := make([]string, 0, len(r.calls))
	for _, call := range r.calls {
		names = append(names, call.Step)
	}
	return names
}

type fakeBootstrapper struct{}

func (fakeBootstrapper) Bootstrap(context.Context, string) (*envboot.Env, error) {
	return &envboot.Env{
		Python:         "python3",
		Pip:            "pip3",
		InstallSummary: "upgrade: ok | install: ok",
		PythonVersion:  "Python 3.12.1",
		CacheKey:       "cafebabe",
	}, nil
}

type fakeSessions struct {
	t        *testing.T
	created  *session.Session
	cleaned  bool
	rootPath string
}

func (f *fakeSessions) Create(_ context.Context, sessionID string) (*session.Session, error) {
	if f.rootPath == "" {
		f.rootPath = f.t.TempDir()
	}
	f.created = &session.Session{
		ID:         sessionID,
		RootPath:   f.rootPath,
		Strategy:   session.StrategyCopy,
		BranchName: "forge/" + sessionID,
	}
	return f.created, nil
}

func (f *fakeSessions) Cleanup(_ context.Context, sess *session.Session) error {
	f.cleaned = true
	sess.CleanupPerformed = true
	return nil
}

func newTestService(t *testing.T, cfg *config.Config, runner *scriptedRunner) (Service, *fakeSessions, string) {
	t.Helper()
	root := t.TempDir()
	sessions := &fakeSessions{t: t}
	svc, err := NewService(cfg, root, zap.NewNop(),
		WithRunner(runner),
		WithSessionManager(sessions),
		WithBootstrapper(fakeBootstrapper{}),
	)
	require.NoError(t, err)
	return svc, sessions, root
}

func passingRunner() *scriptedRunner {
	return &scriptedRunner{responses: map[string]command.Result{
		"": {ReturnCode: 0, Stdout: "ok"},
	}}
}

func TestPlanWritesArtifact(t *testing.T) {
	svc, _, root := newTestService(t, nil, passingRunner())

	plan, err := svc.Plan(context.Background(), "forge_smoke_noop")
	require.NoError(t, err)
	assert.Equal(t, goal.GoalSmokeNoop, plan.GoalID)
	assert.Equal(t, SchemaVersion, plan.SchemaVersion)
	assert.NotEmpty(t, plan.Phases)

	entries, err := os.ReadDir(filepath.Join(root, filepath.FromSlash(RunsDir)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "plan_"))
}

func TestRunSmokeSuccess(t *testing.T) {
	runner := passingRunner()
	svc, sessions, root := newTestService(t, nil, runner)

	report, err := svc.Run(context.Background(), "forge_smoke_noop", RunOptions{Initiator: "tester"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, report.Outcome)
	assert.Equal(t, TxCommitted, report.TransactionStatus)
	assert.Empty(t, report.FailureReasons)
	assert.Equal(t, "pass", report.Preflight.ContractDrift.Status)
	assert.Equal(t, "pass", report.Tests.Status)
	assert.True(t, sessions.cleaned, "successful run must clean the session")
	assert.False(t, sessions.created.PreservedOnFailure)

	// The smoke gate only proves the tool loads.
	assert.Contains(t, report.Tests.Command, "pytest --version")

	// Provenance finalized: one chain entry, bundle on disk, validation green.
	entries, err := provenance.ReadChain(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, report.ProvenanceRunID, entries[0].RunID)
	validation, err := provenance.ValidateChain(root)
	require.NoError(t, err)
	assert.True(t, validation.Valid)

	reportFiles, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(RunsDir), "report_*.json"))
	require.NoError(t, err)
	assert.Len(t, reportFiles, 1)
}

func TestRunPreflightFailsClosed(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]command.Result{
		"":               {ReturnCode: 0, Stdout: "ok"},
		"contract_drift": {ReturnCode: 1, Stderr: "drift detected"},
	}}
	svc, sessions, _ := newTestService(t, nil, runner)

	report, err := svc.Run(context.Background(), "forge_smoke_noop", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, TxAborted, report.TransactionStatus)
	assert.Contains(t, report.FailureReasons, "contract_drift_failed")
	assert.Equal(t, "fail", report.Preflight.ContractDrift.Status)
	assert.Equal(t, "fail", report.Tests.Status)
	assert.Contains(t, report.Tests.Summary, "skipped")

	// Nothing after preflight may run.
	for _, name := range runner.stepNames() {
		assert.NotEqual(t, "tests", name)
		assert.False(t, strings.HasPrefix(name, "baseline_harvest"))
	}

	assert.False(t, sessions.cleaned, "failed run must preserve the session")
	assert.True(t, sessions.created.PreservedOnFailure)
}

func TestRunIterativeConvergesOnCleanHarvest(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]command.Result{
		"":                 {ReturnCode: 0, Stdout: "5 passed"},
		"baseline_harvest": {ReturnCode: 0, Stdout: "5 passed in 0.1s"},
	}}
	svc, sessions, _ := newTestService(t, nil, runner)

	report, err := svc.Run(context.Background(), "baseline_reclamation", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, report.Outcome)
	require.NotNil(t, report.Apply)
	assert.Equal(t, "success", report.Apply.Status)
	assert.Equal(t, "baseline engine converged", report.Apply.Summary)
	require.NotNil(t, report.TestFailuresBefore)
	assert.Equal(t, 0, *report.TestFailuresBefore)
	require.NotNil(t, report.BudgetUsage)
	assert.Equal(t, 1, report.BudgetUsage.IterationsUsed)
	assert.True(t, sessions.cleaned)

	names := runner.stepNames()
	assert.Contains(t, names, "baseline_harvest_1")
	assert.Contains(t, names, "contract_drift_end")
}

const stallingFailure = "FAILED tests/test_missing.py::test_gone - AssertionError: values differ\n1 failed in 0.2s"

func TestRunIterativeStallEmitsDocket(t *testing.T) {
	// Failure references a file that does not exist in the session, so no
	// fix candidates are generated and no iteration improves.
	runner := &scriptedRunner{responses: map[string]command.Result{
		"":                 {ReturnCode: 0, Stdout: "ok"},
		"baseline_harvest": {ReturnCode: 1, Stdout: stallingFailure},
		"baseline_full":    {ReturnCode: 1, Stdout: stallingFailure},
	}}
	svc, sessions, root := newTestService(t, nil, runner)

	report, err := svc.Run(context.Background(), "baseline_reclamation", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Contains(t, report.FailureReasons, "no_progress")
	require.NotNil(t, report.Apply)
	assert.Equal(t, "no progress", report.Apply.Summary)

	require.NotEmpty(t, report.DocketPath)
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(report.DocketPath)))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "no progress in two consecutive iterations")
	assert.Contains(t, text, "deferred_for_manual_review")
	assert.Contains(t, text, "least_invasive")

	// The stall verdict needs the confirming full rerun first.
	assert.Contains(t, runner.stepNames(), "baseline_full_rerun_confirm_3")

	// Progress trail: initial snapshot, two non-improving deltas, confirm.
	require.NotEmpty(t, report.ProgressTrail)
	assert.Contains(t, report.ProgressTrail[0].Notes, "initial_snapshot")
	last := report.ProgressTrail[len(report.ProgressTrail)-1]
	assert.Contains(t, last.Notes, "confirm_full_rerun")

	assert.False(t, sessions.cleaned)
	assert.True(t, sessions.created.PreservedOnFailure)
}

func TestRunIterativeExhaustsIterationBudget(t *testing.T) {
	// Alternate failure shapes so every iteration "improves" and the loop
	// runs to its iteration ceiling instead of stalling.
	shapes := []string{
		"FAILED tests/test_a.py::test_one - AssertionError: a\n1 failed",
		"FAILED tests/test_b.py::test_two - AssertionError: b\n1 failed",
		"FAILED tests/test_c.py::test_three - AssertionError: c\n1 failed",
	}
	idx := 0
	shapeRunner := &shapeCycler{shapes: shapes, idx: &idx}

	cfg := config.Default()
	cfg.Budget.MaxIterations = 3
	root := t.TempDir()
	sessions := &fakeSessions{t: t}
	svc, err := NewService(cfg, root, zap.NewNop(),
		WithRunner(shapeRunner),
		WithSessionManager(sessions),
		WithBootstrapper(fakeBootstrapper{}),
	)
	require.NoError(t, err)

	report, err := svc.Run(context.Background(), "baseline_reclamation", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Contains(t, report.FailureReasons, "iteration_budget_exhausted")
	require.NotNil(t, report.BudgetUsage)
	assert.Equal(t, 3, report.BudgetUsage.IterationsUsed)
	assert.NotEmpty(t, report.DocketPath)
}

func TestRunIterativeStopsAtFileChangeCap(t *testing.T) {
	// Two clusters in distinct files, each matching the random-seed
	// heuristic, so a single iteration rewrites two files.
	failures := "FAILED tests/test_a.py::test_one - AssertionError: random shuffle order a\n" +
		"FAILED tests/test_b.py::test_two - AssertionError: random shuffle order b\n" +
		"2 failed in 0.3s"
	runner := &scriptedRunner{responses: map[string]command.Result{
		"":                 {ReturnCode: 0, Stdout: "ok"},
		"baseline_harvest": {ReturnCode: 1, Stdout: failures},
	}}

	cfg := config.Default()
	cfg.Budget.MaxFilesChangedPerIteration = 1
	root := t.TempDir()
	sessions := &fakeSessions{t: t, rootPath: t.TempDir()}
	testDir := filepath.Join(sessions.rootPath, "tests")
	require.NoError(t, os.MkdirAll(testDir, 0o755))
	for _, name := range []string{"test_a.py", "test_b.py"} {
		source := "def test_case():\n    assert shuffle() == expected\n"
		require.NoError(t, os.WriteFile(filepath.Join(testDir, name), []byte(source), 0o644))
	}
	svc, err := NewService(cfg, root, zap.NewNop(),
		WithRunner(runner),
		WithSessionManager(sessions),
		WithBootstrapper(fakeBootstrapper{}),
	)
	require.NoError(t, err)

	report, err := svc.Run(context.Background(), "baseline_reclamation", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Contains(t, report.FailureReasons, "budget_exhausted")
	require.NotNil(t, report.Apply)
	assert.Equal(t, "failed", report.Apply.Status)
	assert.Equal(t, string(budget.BreachFilesPerIter), report.Apply.Summary)
	assert.NotEmpty(t, report.DocketPath)
}

// shapeCycler returns a different failure shape per harvest so deltas
// always register as improvement.
type shapeCycler struct {
	shapes []string
	idx    *int
}

func (c *shapeCycler) Run(_ context.Context, spec command.Spec) command.Result {
	result := command.Result{
		Step:       spec.Step,
		Argv:       spec.Argv,
		Dir:        spec.Dir,
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	if strings.HasPrefix(spec.Step, "baseline_harvest") || strings.HasPrefix(spec.Step, "baseline_full") {
		result.ReturnCode = 1
		result.Stdout = c.shapes[*c.idx%len(c.shapes)]
		*c.idx++
		return result
	}
	result.Stdout = "ok"
	return result
}

func TestRunAdHocGoalRunsGateOnly(t *testing.T) {
	runner := passingRunner()
	svc, _, _ := newTestService(t, nil, runner)

	report, err := svc.Run(context.Background(), "do something unheard of", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, goal.GoalAdHoc, report.GoalID)
	assert.Equal(t, OutcomeSuccess, report.Outcome)
	require.NotNil(t, report.Apply)
	assert.Equal(t, "skipped", report.Apply.Status)
	for _, name := range runner.stepNames() {
		assert.False(t, strings.HasPrefix(name, "baseline_harvest"),
			"ad hoc goals must not enter the remediation loop")
	}
}

func TestRunEmbedsContractStatus(t *testing.T) {
	runner := passingRunner()
	svc, sessions, _ := newTestService(t, nil, runner)

	// Pre-seed the session root so the status emitter's file is present.
	sessions.rootPath = t.TempDir()
	statusPath := filepath.Join(sessions.rootPath, filepath.FromSlash(ContractStatusPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(statusPath), 0o755))
	require.NoError(t, os.WriteFile(statusPath, []byte(`{"drift":"none","checked":3}`), 0o644))

	report, err := svc.Run(context.Background(), "forge_smoke_noop", RunOptions{})
	require.NoError(t, err)

	require.NotNil(t, report.Preflight.ContractStatusEmbedded)
	assert.Equal(t, "none", report.Preflight.ContractStatusEmbedded["drift"])
	assert.Equal(t, ContractStatusPath, report.Preflight.ContractStatusPath)
}

func TestNewServiceRequiresRoot(t *testing.T) {
	_, err := NewService(nil, "", zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repo root")
}

func TestRunPrunesStaleEnvCache(t *testing.T) {
	runner := passingRunner()
	svc, sessions, _ := newTestService(t, nil, runner)
	sessions.rootPath = t.TempDir()

	cacheRoot := filepath.Join(sessions.rootPath, filepath.FromSlash(envboot.CacheDir))
	writeEntry := func(name string, lastUsed time.Time) string {
		dir := filepath.Join(cacheRoot, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		meta := `{"last_used_at":"` + lastUsed.UTC().Format(time.RFC3339Nano) + `"}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "meta.json"), []byte(meta), 0o644))
		return dir
	}
	stale := writeEntry("stale-entry", time.Now().Add(-30*24*time.Hour))
	fresh := writeEntry("fresh-entry", time.Now())

	_, err := svc.Run(context.Background(), "forge_smoke_noop", RunOptions{})
	require.NoError(t, err)

	assert.NoDirExists(t, stale, "entries past the age cutoff should be removed")
	assert.DirExists(t, fresh, "recently used entries should survive")
}

func TestRunRecordsRuntimeVersionInBundle(t *testing.T) {
	svc, _, root := newTestService(t, nil, passingRunner())

	report, err := svc.Run(context.Background(), "forge_smoke_noop", RunOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, report.ProvenanceRunID)

	bundle, err := provenance.LoadBundle(root, report.ProvenanceRunID)
	require.NoError(t, err)

	assert.Equal(t, "Python 3.12.1", bundle.RuntimeVersion,
		"runtime fingerprint should be the interpreter version")
	assert.Equal(t, "upgrade: ok | install: ok", bundle.InstallSummary)
	assert.Equal(t, "cafebabe", bundle.EnvCacheKey)
}
