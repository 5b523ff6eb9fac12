package forge

import (
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/budget"
	"github.com/fyrsmithlabs/forged/internal/command"
	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/fyrsmithlabs/forged/internal/fixer"
	"github.com/fyrsmithlabs/forged/internal/goal"
	"github.com/fyrsmithlabs/forged/internal/harvest"
	"github.com/fyrsmithlabs/forged/internal/progress"
)

// noImprovementLimit is how many consecutive non-improving iterations the
// engine tolerates before demanding a confirmed full rerun.
const noImprovementLimit = 2

// maxTargetedNodeIDs caps the node ids passed to a targeted rerun so the
// command line stays bounded.
const maxTargetedNodeIDs = 20

// runEngine drives the iterative harvest/fix/verify loop for iterative
// goals. It converges when a harvest reports zero failures and the
// end-of-run drift check passes; every other exit path emits a docket and
// fails the run.
func (r *runState) runEngine() {
	s := r.service
	cfg := s.cfg.Budget
	report := r.report

	var (
		harvests       []harvest.Result
		fixes          []fixer.Result
		trail          []ProgressRecord
		prevSnapshot   *progress.Snapshot
		touchedTotal   = make(map[string]struct{})
		noImprovement  = 0
		failuresBefore *int
		failuresAfter  *int
	)

	commit := func(status, summary string, iteration int) {
		report.Apply = &ApplyResult{Status: status, Summary: summary}
		report.Harvests = harvests
		report.Fixes = fixes
		report.ProgressTrail = trail
		report.TestFailuresBefore = failuresBefore
		report.TestFailuresAfter = failuresAfter
		report.BudgetUsage = budgetUsage(cfg, budget.Usage{
			IterationsUsed:    iteration,
			TotalFilesChanged: len(touchedTotal),
		})
	}

	recordProgress := func(rec ProgressRecord) {
		if len(trail) < MaxProgressEntries {
			trail = append(trail, rec)
		}
	}

	emitEngineDocket := func(clusters []harvest.FailureCluster, selected []fixer.Candidate, why string) {
		refs := make([]clusterRef, 0, len(clusters))
		for _, cluster := range clusters {
			sig := cluster.Signature
			refs = append(refs, clusterRef{
				NodeID:        sig.NodeID,
				File:          sig.File,
				Line:          sig.Line,
				ErrorType:     sig.ErrorType,
				MessageDigest: sig.MessageDigest,
			})
		}
		descriptions := make([]string, 0, len(selected))
		for _, candidate := range selected {
			descriptions = append(descriptions, candidate.Description)
		}
		path, err := s.emitDocket(r.goalText, r.spec.GoalID, r.generatedAt, refs, descriptions, why)
		if err != nil {
			s.logger.Warn("docket not written", zap.Error(err))
			return
		}
		report.DocketPath = path
		report.ArtifactsWritten = append(report.ArtifactsWritten, path)
	}

	endDriftPasses := func() bool {
		result := r.step(command.Spec{
			Step: "contract_drift_end",
			Argv: []string{r.env.Python, "-m", "scripts.contract_drift"},
		})
		return result.ReturnCode == 0
	}

	cadence := s.cfg.Forge.FullRerunCadence
	if cadence < 1 {
		cadence = 1
	}

	for iteration := 1; cfg.CheckIteration(iteration) == budget.BreachNone; iteration++ {
		if s.iterCounter != nil {
			s.iterCounter.Add(r.ctx, 1, metric.WithAttributes(
				attribute.String("goal_id", r.spec.GoalID),
			))
		}

		harvestStep := r.step(command.Spec{
			Step: fmt.Sprintf("baseline_harvest_%d", iteration),
			Argv: s.harvestArgv(r.env.Python),
		})
		result := harvest.Harvest(harvestStep.Stdout, harvestStep.Stderr)
		harvests = append(harvests, result)
		snapshot := progress.FromHarvest(result)

		if failuresBefore == nil {
			count := result.TotalFailed
			failuresBefore = &count
		}
		after := result.TotalFailed
		failuresAfter = &after

		if result.TotalFailed == 0 {
			if !endDriftPasses() {
				commit("failed", "contract drift detected after remediation", iteration)
				r.fail("contract_drift_end_failed")
				return
			}
			commit("success", "baseline engine converged", iteration)
			return
		}

		candidates := fixer.PrioritizeRootCause(
			s.fixer.Generate(result.Clusters, r.sess.RootPath),
			result.Clusters,
		)
		selected := candidates
		if len(selected) > cfg.MaxFixesPerIteration {
			selected = selected[:cfg.MaxFixesPerIteration]
		}

		iterationChanged := make(map[string]struct{})
		appliedFix := false
		for _, candidate := range selected {
			fixResult, err := s.fixer.Apply(candidate, r.sess.RootPath)
			if err != nil {
				s.logger.Warn("fix candidate failed",
					zap.String("candidate_id", candidate.ID), zap.Error(err))
				continue
			}
			fixes = append(fixes, fixResult)
			for _, file := range fixResult.FilesChanged {
				touchedTotal[file] = struct{}{}
				iterationChanged[file] = struct{}{}
			}
			if fixResult.Applied {
				appliedFix = true
				if s.fixCounter != nil {
					s.fixCounter.Add(r.ctx, 1, metric.WithAttributes(
						attribute.String("goal_id", r.spec.GoalID),
					))
				}
			}
		}

		if len(iterationChanged) > 0 && r.spec.GateProfile != goal.ProfileSmokeNoop {
			changed := make([]string, 0, len(iterationChanged))
			for file := range iterationChanged {
				changed = append(changed, file)
			}
			sort.Strings(changed)
			if s.cfg.Forge.FormatterEnabled {
				r.runFormatters(changed)
			}
			if s.cfg.Publish.AutoCommit {
				r.autocommitIteration(iteration)
			}
		}

		if appliedFix {
			nodeIDs := targetedNodeIDs(result.Clusters)
			if len(nodeIDs) > 0 {
				targeted := r.step(command.Spec{
					Step: fmt.Sprintf("baseline_targeted_rerun_%d", iteration),
					Argv: s.targetedArgv(r.env.Python, nodeIDs),
				})
				if targeted.ReturnCode != 0 && iteration%cadence != 0 {
					// Targeted rerun still failing; defer the expensive
					// full rerun to the cadence iteration.
					continue
				}
			}
			if iteration%cadence == 0 {
				r.step(command.Spec{
					Step: fmt.Sprintf("baseline_full_rerun_%d", iteration),
					Argv: s.harvestArgv(r.env.Python),
				})
			}
		}

		if breach := cfg.CheckFiles(len(iterationChanged), len(touchedTotal)); breach != budget.BreachNone {
			emitEngineDocket(result.Clusters, selected, string(breach))
			commit("failed", string(breach), iteration)
			r.fail("budget_exhausted")
			return
		}

		var notes []string
		if appliedFix {
			notes = append(notes, "fix_candidate_applied")
		}

		if prevSnapshot == nil {
			notes = append(notes, "initial_snapshot")
			recordProgress(ProgressRecord{Iteration: iteration, Snapshot: snapshot, Notes: notes})
			prevSnapshot = &snapshot
			continue
		}

		delta := progress.Diff(*prevSnapshot, snapshot)
		notes = append(notes, delta.Notes...)
		recordProgress(ProgressRecord{Iteration: iteration, Snapshot: snapshot, Delta: &delta, Notes: notes})
		if delta.Improved {
			noImprovement = 0
		} else {
			noImprovement++
		}

		if noImprovement >= noImprovementLimit {
			// A stalled signal may just be nondeterministic ordering;
			// confirm with a full rerun before giving up.
			confirmStep := r.step(command.Spec{
				Step: fmt.Sprintf("baseline_full_rerun_confirm_%d", iteration),
				Argv: s.harvestArgv(r.env.Python),
			})
			confirmHarvest := harvest.Harvest(confirmStep.Stdout, confirmStep.Stderr)
			harvests = append(harvests, confirmHarvest)
			confirmCount := confirmHarvest.TotalFailed
			failuresAfter = &confirmCount
			confirmSnapshot := progress.FromHarvest(confirmHarvest)
			confirmDelta := progress.Diff(snapshot, confirmSnapshot)
			confirmNotes := append([]string{"confirm_full_rerun"}, confirmDelta.Notes...)
			recordProgress(ProgressRecord{
				Iteration: iteration,
				Snapshot:  confirmSnapshot,
				Delta:     &confirmDelta,
				Notes:     confirmNotes,
			})

			if confirmDelta.Improved {
				noImprovement = 0
				prevSnapshot = &confirmSnapshot
				if confirmHarvest.TotalFailed == 0 {
					if !endDriftPasses() {
						commit("failed", "contract drift detected after remediation", iteration)
						r.fail("contract_drift_end_failed")
						return
					}
					commit("success", "baseline engine converged", iteration)
					return
				}
				continue
			}

			emitEngineDocket(result.Clusters, selected, "no progress in two consecutive iterations")
			commit("failed", "no progress", iteration)
			r.fail("no_progress")
			return
		}
		prevSnapshot = &snapshot
	}

	var latest harvest.Result
	if len(harvests) > 0 {
		latest = harvests[len(harvests)-1]
	}
	emitEngineDocket(latest.Clusters, nil, string(budget.BreachIterations))
	commit("failed", string(budget.BreachIterations), cfg.MaxIterations)
	r.fail("iteration_budget_exhausted")
}

// targetedNodeIDs collects rerunnable node ids from the latest clusters.
func targetedNodeIDs(clusters []harvest.FailureCluster) []string {
	ids := make([]string, 0, len(clusters))
	for _, cluster := range clusters {
		nodeID := cluster.Signature.NodeID
		if nodeID == "" || nodeID == "unknown" {
			continue
		}
		ids = append(ids, nodeID)
		if len(ids) == maxTargetedNodeIDs {
			break
		}
	}
	return ids
}

// targetedArgv builds a rerun scoped to specific node ids with the
// configured runner.
func (s *service) targetedArgv(python string, nodeIDs []string) []string {
	var argv []string
	if s.cfg.Forge.HarvestRunner == config.RunnerRunTests {
		argv = []string{python, "-m", "scripts.run_tests", "-q"}
	} else {
		argv = []string{python, "-m", "pytest", "-q"}
	}
	return append(argv, nodeIDs...)
}

// runFormatters normalizes the touched files when ruff is available.
// Formatter absence is not an error.
func (r *runState) runFormatters(files []string) {
	probe := r.step(command.Spec{Step: "formatter_probe", Argv: []string{"ruff", "--version"}})
	if probe.ReturnCode != 0 {
		return
	}
	r.step(command.Spec{
		Step: "format_touched",
		Argv: append([]string{"ruff", "format"}, files...),
	})
	r.step(command.Spec{
		Step: "sort_imports_touched",
		Argv: append([]string{"ruff", "check", "--select", "I", "--fix"}, files...),
	})
}

// autocommitIteration snapshots the session's working copy so every
// iteration's fixes are individually revertable.
func (r *runState) autocommitIteration(iteration int) {
	message := fmt.Sprintf("[forge:%s] baseline iteration %d", r.spec.GoalID, iteration)
	r.step(command.Spec{Step: fmt.Sprintf("autocommit_add_%d", iteration), Argv: []string{"git", "add", "-A"}})
	r.step(command.Spec{Step: fmt.Sprintf("autocommit_commit_%d", iteration), Argv: []string{"git", "commit", "-m", message}})
}
