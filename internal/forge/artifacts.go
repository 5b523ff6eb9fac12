package forge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/forged/internal/session"
)

func (s *service) planPath(generatedAt string) string {
	return filepath.Join(RunsDir, "plan_"+session.SafeID(generatedAt)+".json")
}

func (s *service) reportPath(generatedAt string) string {
	return filepath.Join(RunsDir, "report_"+session.SafeID(generatedAt)+".json")
}

func (s *service) docketPath(generatedAt string) string {
	return filepath.Join(RunsDir, "docket_"+session.SafeID(generatedAt)+".json")
}

func (s *service) prPath(generatedAt string) string {
	return filepath.Join(RunsDir, "pr_"+session.SafeID(generatedAt)+".json")
}

// writeJSON writes an artifact relative to the repository root, creating
// parent directories as needed.
func (s *service) writeJSON(relPath string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", relPath, err)
	}
	abs := filepath.Join(s.repoRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(abs, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", relPath, err)
	}
	return nil
}

// loadJSONMap reads a JSON object, returning nil for unreadable or
// non-object content. Used for embedding external status files verbatim
// without letting their malformation fail the run.
func loadJSONMap(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}
	return payload
}

// emitDocket writes the deferred-decision docket and returns its
// repo-relative path.
func (s *service) emitDocket(goalText, goalID, generatedAt string, clusters []clusterRef, candidates []string, why string) (string, error) {
	choices := make([]DocketChoice, 0, len(clusters))
	for i, cluster := range clusters {
		if i >= 10 {
			break
		}
		capped := candidates
		if len(capped) > 5 {
			capped = capped[:5]
		}
		choices = append(choices, DocketChoice{
			Step:             goalID,
			FailureLocation:  map[string]any{"file": cluster.File, "line": cluster.Line},
			TestNodeID:       cluster.NodeID,
			ExceptionSummary: cluster.ErrorType + ":" + cluster.MessageDigest,
			WhyAmbiguous:     why,
			CandidateFixes:   capped,
			ChosenAction:     "deferred_for_manual_review",
		})
	}
	docket := Docket{
		GeneratedAt:      generatedAt,
		Goal:             goalText,
		GoalID:           goalID,
		Choices:          choices,
		AutoChoicePolicy: "least_invasive",
	}
	path := s.docketPath(generatedAt)
	if err := s.writeJSON(path, docket); err != nil {
		return "", err
	}
	return path, nil
}

// clusterRef is the slice of a failure signature a docket needs.
type clusterRef struct {
	NodeID        string
	File          string
	Line          int
	ErrorType     string
	MessageDigest string
}
