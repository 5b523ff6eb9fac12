package secrets

import (
	"fmt"
	"time"
)

// Result reports what a scrub pass found and produced.
type Result struct {
	// Original input, never serialized.
	Original string `json:"-"`

	// Scrubbed is the input with every finding redacted.
	Scrubbed string `json:"scrubbed"`

	// Findings lists what matched. Matched text is deliberately
	// absent so a Result is always safe to log or persist.
	Findings []Finding `json:"findings,omitempty"`

	TotalFindings int            `json:"total_findings"`
	ByRule        map[string]int `json:"by_rule,omitempty"`
	Duration      time.Duration  `json:"duration"`
}

// Finding locates one detected secret without reproducing it.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	StartIndex  int    `json:"start_index"`
	EndIndex    int    `json:"end_index"`
	Line        int    `json:"line,omitempty"` // 1-indexed
}

// HasFindings reports whether anything matched.
func (r *Result) HasFindings() bool {
	return r.TotalFindings > 0
}

// FindingsBySeverity returns the findings at the given severity.
func (r *Result) FindingsBySeverity(severity string) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == severity {
			out = append(out, f)
		}
	}
	return out
}

// RuleIDs returns the distinct rule IDs that matched.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	return ids
}

// Summary renders a one-line description safe for logs.
func (r *Result) Summary() string {
	if !r.HasFindings() {
		return "no secrets detected"
	}
	return fmt.Sprintf("%d secret(s) redacted, highest severity %s", r.TotalFindings, r.maxSeverity())
}

func (r *Result) maxSeverity() string {
	for _, sev := range []string{"high", "medium", "low"} {
		if len(r.FindingsBySeverity(sev)) > 0 {
			return sev
		}
	}
	return "unknown"
}
