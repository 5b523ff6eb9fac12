package forge

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/command"
	"github.com/fyrsmithlabs/forged/internal/session"
)

// publish runs after a successful, committed transaction. Autocommit
// snapshots the session's working copy; auto-PR writes the proposal
// metadata artifact and records the publish step in the ledger. Pushing
// the branch and opening the remote PR are left to the caller, so a
// forge run never needs network access.
func (r *runState) publish() {
	s := r.service
	report := r.report

	if s.cfg.Publish.AutoCommit {
		summary := "improved"
		if report.TestFailuresBefore != nil && report.TestFailuresAfter != nil {
			summary = fmt.Sprintf("ci_delta=%d->%d",
				*report.TestFailuresBefore, *report.TestFailuresAfter)
		}
		message := fmt.Sprintf("[forge:%s] transaction %s", r.spec.GoalID, summary)
		r.step(command.Spec{Step: "publish_add", Argv: []string{"git", "add", "-A"}})
		r.step(command.Spec{Step: "publish_commit", Argv: []string{"git", "commit", "-m", message}})
		report.Notes = append(report.Notes, "autocommit_enabled")
	}

	if !s.cfg.Publish.AutoPR {
		return
	}

	ref := &PRRef{
		Title:     fmt.Sprintf("[forge:%s] automated forge proposal", r.spec.GoalID),
		Branch:    r.sess.BranchName,
		HeadSHA:   session.HeadSHA(r.sess.RootPath),
		Body:      r.prBody(),
		CreatedAt: isoNow(),
	}
	report.PR = ref

	path := s.prPath(r.generatedAt)
	if err := s.writeJSON(path, ref); err != nil {
		s.logger.Warn("pr metadata not written", zap.Error(err))
		return
	}
	report.ArtifactsWritten = append(report.ArtifactsWritten, path)
	report.Notes = append(report.Notes, "autopr_metadata:"+path)

	payload, _ := json.Marshal(ref)
	now := time.Now().UTC()
	step := r.ledger.MakeStep(
		"publish_pr_created",
		"publish",
		map[string]any{"action": "create_pr"},
		r.sess.RootPath,
		r.envFingerprint(),
		now,
		now,
		0,
		string(payload),
		"",
		[]string{path},
		"",
	)
	if err := r.ledger.AddStep(step, string(payload), ""); err != nil {
		s.logger.Warn("publish step not recorded", zap.Error(err))
	}
}

// prBody assembles the reviewer-facing narrative: what changed, what was
// run, and what to watch for.
func (r *runState) prBody() []string {
	stats := session.Diff(r.sess.RootPath)
	changed := session.ChangedPaths(r.sess.RootPath)

	body := []string{
		fmt.Sprintf("automated forge proposal for goal %s", r.spec.GoalID),
		fmt.Sprintf("diff: %d added, %d modified, %d removed",
			stats.FilesAdded, stats.FilesModified, stats.FilesRemoved),
	}
	if len(changed) > 0 {
		body = append(body, "touched paths:")
		for i, path := range changed {
			if i >= 20 {
				body = append(body, fmt.Sprintf("  ... and %d more", len(changed)-i))
				break
			}
			body = append(body, "  - "+path)
		}
	}
	body = append(body, "key actions:")
	for _, phase := range r.spec.Phases {
		body = append(body, "  - "+phase.Summary)
	}
	body = append(body,
		"gates run: contract_drift, emit_contract_status, "+r.spec.GateProfile)
	for _, risk := range r.spec.RiskNotes {
		body = append(body, "risk: "+risk)
	}
	for _, note := range r.spec.RollbackNotes {
		body = append(body, "rollback: "+note)
	}
	if report := r.report; report.TestFailuresBefore != nil && report.TestFailuresAfter != nil {
		body = append(body, fmt.Sprintf("test failures: %d before, %d after",
			*report.TestFailuresBefore, *report.TestFailuresAfter))
	}
	return body
}
