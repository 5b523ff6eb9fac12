package fixer

// Risk tiers for fix candidates. Only low and medium exist; anything
// riskier is not proposed at all.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
)

// Candidate is a proposed, side-effect-free textual repair. It carries no
// effect until applied.
type Candidate struct {
	// ID encodes the rule and the target cluster's message digest, e.g.
	// "fix_import_ab12cd34".
	ID string `json:"id"`

	// Description is the human-readable statement of the repair.
	Description string `json:"description"`

	// FilesTouched are the repo-relative files the repair would modify.
	FilesTouched []string `json:"files_touched"`

	// CommandPlan is the human-readable plan of the rewrite.
	CommandPlan []string `json:"command_plan"`

	// Confidence in (0,1]; higher candidates are tried first within a
	// risk tier.
	Confidence float64 `json:"confidence"`

	Risk Risk `json:"risk"`
}

// Result reports applying one candidate to one session.
type Result struct {
	CandidateID string `json:"candidate_id"`

	// Applied is true only when a textual change was actually made.
	// Re-applying to an already-fixed file yields false, not an error.
	Applied bool `json:"applied"`

	Notes        string   `json:"notes"`
	FilesChanged []string `json:"files_changed"`
}
