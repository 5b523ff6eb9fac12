// Package goal resolves a high-level goal string into an immutable
// remediation plan. Resolution is deterministic and never fails: known
// identifiers map to canonical specs, the smoke naming convention maps to
// a no-op spec, and anything else maps to a conservative ad-hoc spec.
package goal

import (
	"strings"

	"github.com/fyrsmithlabs/forged/internal/command"
)

// Gate profile names. The smoke profile scopes the final test gate to the
// forge's own tests; the default profile runs the full suite.
const (
	ProfileDefault   = "default"
	ProfileSmokeNoop = "smoke_noop"
)

// Known goal identifiers.
const (
	GoalSmokeNoop           = "forge_smoke_noop"
	GoalBaselineReclamation = "baseline_reclamation"
	GoalRepoGreenStorm      = "repo_green_storm"
	GoalAdHoc               = "ad_hoc"
)

// Phase is one planned stage of a goal.
type Phase struct {
	// Summary is the human description of the stage.
	Summary string `json:"summary" toml:"summary"`

	// TouchedPaths are glob patterns for the paths the stage may modify.
	TouchedPaths []string `json:"touched_paths" toml:"touched_paths"`

	// Commands are the shell commands the stage is expected to run.
	Commands []string `json:"commands" toml:"commands"`

	// ContractImpact notes the expected structural-compatibility impact.
	ContractImpact string `json:"contract_impact" toml:"contract_impact"`
}

// Spec is the resolved, immutable description of a goal. Owned solely by
// the orchestrator for the run's duration.
type Spec struct {
	GoalID        string         `json:"goal_id" toml:"goal_id"`
	Description   string         `json:"description" toml:"description"`
	Phases        []Phase        `json:"phases" toml:"phases"`
	ApplyCommands []command.Spec `json:"apply_commands" toml:"apply_commands"`
	GateProfile   string         `json:"gate_profile" toml:"gate_profile"`
	RiskNotes     []string       `json:"risk_notes" toml:"risk_notes"`
	RollbackNotes []string       `json:"rollback_notes" toml:"rollback_notes"`

	// Iterative marks goals driven by the harvest/fix remediation loop
	// rather than a fixed apply-command list.
	Iterative bool `json:"iterative" toml:"iterative"`
}

// Resolve maps goal text to a spec. It never fails and has no side
// effects.
func Resolve(goalText string) Spec {
	trimmed := strings.TrimSpace(goalText)
	normalized := strings.ToLower(trimmed)

	if spec, ok := canonical[normalized]; ok {
		return spec
	}
	if isSmokeName(normalized) {
		return canonical[GoalSmokeNoop]
	}
	return adHoc(trimmed)
}

// isSmokeName recognizes the smoke-test naming convention.
func isSmokeName(name string) bool {
	return strings.HasPrefix(name, "smoke:") ||
		strings.HasPrefix(name, "forge_smoke") ||
		strings.HasSuffix(name, "_smoke")
}

var canonical = map[string]Spec{
	GoalSmokeNoop: {
		GoalID:      GoalSmokeNoop,
		Description: "No-op smoke goal scoped to the forge's own tests.",
		Phases: []Phase{
			{
				Summary:        "Run preflight gates and the forge test subset without applying changes",
				TouchedPaths:   nil,
				Commands:       []string{"contract drift check", "forge test subset"},
				ContractImpact: "none",
			},
		},
		GateProfile:   ProfileSmokeNoop,
		RiskNotes:     []string{"no repository mutations"},
		RollbackNotes: []string{"nothing to roll back"},
	},
	GoalBaselineReclamation: {
		GoalID:      GoalBaselineReclamation,
		Description: "Iteratively drive the failing test baseline toward zero with bounded heuristic fixes.",
		Phases: []Phase{
			{
				Summary:        "Harvest failing tests and cluster them by normalized signature",
				TouchedPaths:   nil,
				Commands:       []string{"test runner in quiet mode"},
				ContractImpact: "none",
			},
			{
				Summary:        "Apply low-risk textual fix candidates within budget",
				TouchedPaths:   []string{"**/*.py"},
				Commands:       []string{"heuristic rewrite per candidate"},
				ContractImpact: "source-local only",
			},
			{
				Summary:        "Re-run tests and check for outcome-level progress",
				TouchedPaths:   nil,
				Commands:       []string{"test runner in quiet mode"},
				ContractImpact: "none",
			},
		},
		GateProfile: ProfileDefault,
		Iterative:   true,
		RiskNotes: []string{
			"heuristic rewrites are pattern matches over failure text, not program synthesis",
			"bounded by iteration and file-churn budget",
		},
		RollbackNotes: []string{
			"session is isolated; failed runs preserve the session for inspection",
		},
	},
	GoalRepoGreenStorm: {
		GoalID:      GoalRepoGreenStorm,
		Description: "Full-suite reclamation requiring a green final gate.",
		Phases: []Phase{
			{
				Summary:        "Capture the failing baseline before any change",
				TouchedPaths:   nil,
				Commands:       []string{"test runner, full suite"},
				ContractImpact: "none",
			},
			{
				Summary:        "Iterate harvest, fix, and re-harvest within budget",
				TouchedPaths:   []string{"**/*.py"},
				Commands:       []string{"heuristic rewrite per candidate", "test runner"},
				ContractImpact: "source-local only",
			},
			{
				Summary:        "Final full-suite gate; any residual failure fails the run",
				TouchedPaths:   nil,
				Commands:       []string{"test runner, full suite"},
				ContractImpact: "none",
			},
		},
		GateProfile: ProfileDefault,
		Iterative:   true,
		RiskNotes: []string{
			"larger blast radius than baseline reclamation; same budget caps apply",
		},
		RollbackNotes: []string{
			"session is isolated; failed runs preserve the session for inspection",
		},
	},
}

// adHoc wraps unrecognized goal text in a conservative spec.
func adHoc(goalText string) Spec {
	return Spec{
		GoalID:      GoalAdHoc,
		Description: goalText,
		Phases: []Phase{
			{
				Summary:        "Run preflight gates, then the designated test gate, without automated fixes",
				TouchedPaths:   nil,
				Commands:       []string{"contract drift check", "test runner"},
				ContractImpact: "unknown",
			},
		},
		GateProfile: ProfileDefault,
		RiskNotes: []string{
			"unrecognized goal; no automated remediation will be attempted",
			"review the report before acting on its outcome",
		},
		RollbackNotes: []string{"session is isolated; nothing is written to the live repository"},
	}
}
