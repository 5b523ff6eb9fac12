package forge

import (
	"github.com/fyrsmithlabs/forged/internal/budget"
	"github.com/fyrsmithlabs/forged/internal/command"
	"github.com/fyrsmithlabs/forged/internal/envboot"
	"github.com/fyrsmithlabs/forged/internal/fixer"
	"github.com/fyrsmithlabs/forged/internal/goal"
	"github.com/fyrsmithlabs/forged/internal/harvest"
	"github.com/fyrsmithlabs/forged/internal/progress"
	"github.com/fyrsmithlabs/forged/internal/session"
)

// SchemaVersion identifies the plan/report/docket layout.
const SchemaVersion = 1

// RunsDir holds plan, report, docket, and PR artifacts, relative to the
// repository root.
const RunsDir = ".forged/runs"

// ContractStatusPath is where the contract-status emitter is expected to
// write its structured status file, relative to the session root. The
// report embeds the payload verbatim.
const ContractStatusPath = ".forged/contract_status.json"

// MaxProgressEntries bounds the per-iteration progress trail embedded in
// a report.
const MaxProgressEntries = 60

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Transaction statuses recorded in provenance headers.
const (
	TxCommitted = "committed"
	TxAborted   = "aborted"
)

// Plan is the planning artifact of a run: what would be done, with what
// risk, and how to undo it.
type Plan struct {
	SchemaVersion int          `json:"schema_version"`
	GeneratedAt   string       `json:"generated_at"`
	Goal          string       `json:"goal"`
	GoalID        string       `json:"goal_id"`
	Phases        []goal.Phase `json:"phases"`
	RiskNotes     []string     `json:"risk_notes"`
	RollbackNotes []string     `json:"rollback_notes"`
}

// CheckResult is one preflight check's outcome.
type CheckResult struct {
	Status  string `json:"status"`
	Summary string `json:"summary"`
}

// Preflight captures the fail-closed gate that runs before any apply
// step.
type Preflight struct {
	ContractDrift          CheckResult    `json:"contract_drift"`
	ContractStatusPath     string         `json:"contract_status_path"`
	ContractStatusEmbedded map[string]any `json:"contract_status_embedded,omitempty"`
}

// TestResult is the final test gate's outcome.
type TestResult struct {
	Status  string `json:"status"`
	Command string `json:"command"`
	Summary string `json:"summary"`
}

// ApplyResult summarizes the apply phase, whether fixed-command or
// iterative.
type ApplyResult struct {
	Status      string           `json:"status"`
	StepResults []command.Result `json:"step_results"`
	Summary     string           `json:"summary"`
}

// ProgressRecord is one iteration's compact progress entry.
type ProgressRecord struct {
	Iteration int               `json:"iteration"`
	Snapshot  progress.Snapshot `json:"snapshot"`
	Delta     *progress.Delta   `json:"delta,omitempty"`
	Notes     []string          `json:"notes"`
}

// BudgetUsage reports budget consumption against the configured caps.
type BudgetUsage struct {
	MaxIterations          int `json:"max_iterations"`
	MaxFixesPerIteration   int `json:"max_fixes_per_iteration"`
	MaxFilesChangedPerIter int `json:"max_files_changed_per_iteration"`
	MaxTotalFilesChanged   int `json:"max_total_files_changed"`
	IterationsUsed         int `json:"iterations_used"`
	TotalFilesChanged      int `json:"total_files_changed"`
}

// PRRef is the publish metadata emitted when auto-PR is enabled. The
// orchestrator prepares the branch and narrative; pushing is left to the
// caller.
type PRRef struct {
	Title     string   `json:"title"`
	Branch    string   `json:"branch"`
	HeadSHA   string   `json:"head_sha"`
	Body      []string `json:"body"`
	CreatedAt string   `json:"created_at"`
}

// Report is the results artifact of a run: every command executed, both
// gate outcomes, budget usage, provenance pointers, and the final
// classification.
type Report struct {
	SchemaVersion    int              `json:"schema_version"`
	GeneratedAt      string           `json:"generated_at"`
	Goal             string           `json:"goal"`
	GoalID           string           `json:"goal_id"`
	GateProfile      string           `json:"gate_profile"`
	GitSHA           string           `json:"git_sha,omitempty"`
	PlanPath         string           `json:"plan_path"`
	Preflight        Preflight        `json:"preflight"`
	Apply            *ApplyResult     `json:"apply,omitempty"`
	Tests            TestResult       `json:"tests"`
	CommandsRun      []string         `json:"commands_run"`
	Session          *session.Session `json:"session"`
	Environment      *envboot.Env     `json:"environment,omitempty"`
	StepResults      []command.Result `json:"step_results"`
	ArtifactsWritten []string         `json:"artifacts_written"`
	Outcome          string           `json:"outcome"`
	FailureReasons   []string         `json:"failure_reasons"`
	Notes            []string         `json:"notes"`

	TestFailuresBefore *int             `json:"test_failures_before,omitempty"`
	TestFailuresAfter  *int             `json:"test_failures_after,omitempty"`
	DocketPath         string           `json:"docket_path,omitempty"`
	Harvests           []harvest.Result `json:"harvests,omitempty"`
	Fixes              []fixer.Result   `json:"fixes,omitempty"`
	BudgetUsage        *BudgetUsage     `json:"budget_usage,omitempty"`
	ProgressTrail      []ProgressRecord `json:"progress_trail,omitempty"`

	TransactionStatus string `json:"transaction_status"`
	ProvenanceRunID   string `json:"provenance_run_id,omitempty"`
	ProvenancePath    string `json:"provenance_path,omitempty"`
	PR                *PRRef `json:"pr,omitempty"`
}

// DocketChoice is one deferred decision in a docket.
type DocketChoice struct {
	Step             string         `json:"step"`
	FailureLocation  map[string]any `json:"failure_location"`
	TestNodeID       string         `json:"test_nodeid"`
	ExceptionSummary string         `json:"exception_summary"`
	WhyAmbiguous     string         `json:"why_ambiguous"`
	CandidateFixes   []string       `json:"candidate_fixes"`
	ChosenAction     string         `json:"chosen_action"`
}

// Docket is the "give up safely" artifact: the unresolved clusters, why
// they were deferred, and the candidates that were tried or withheld.
type Docket struct {
	GeneratedAt      string         `json:"generated_at"`
	Goal             string         `json:"goal"`
	GoalID           string         `json:"goal_id"`
	Choices          []DocketChoice `json:"choices"`
	AutoChoicePolicy string         `json:"auto_choice_policy"`
}

func budgetUsage(cfg budget.Config, usage budget.Usage) *BudgetUsage {
	return &BudgetUsage{
		MaxIterations:          cfg.MaxIterations,
		MaxFixesPerIteration:   cfg.MaxFixesPerIteration,
		MaxFilesChangedPerIter: cfg.MaxFilesChangedPerIteration,
		MaxTotalFilesChanged:   cfg.MaxTotalFilesChanged,
		IterationsUsed:         usage.IterationsUsed,
		TotalFilesChanged:      usage.TotalFilesChanged,
	}
}
