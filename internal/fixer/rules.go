package fixer

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/forged/internal/harvest"
)

// ruleInput is what a rule may inspect: the cluster under consideration
// and the current text of its target file. Rules are pure.
type ruleInput struct {
	cluster   harvest.FailureCluster
	message   string // first example, lowercased
	errorType string // lowercased
	fileText  string
}

// rule evaluates one heuristic against one cluster. A nil return means
// the heuristic does not apply.
type rule struct {
	name  string
	match func(in ruleInput) *Candidate
}

// rules is the fixed, ordered heuristic table. New heuristics register
// here; the generate/apply dispatch never changes.
var rules = []rule{
	{name: "missing_fixture", match: matchMissingFixture},
	{name: "moved_import", match: matchMovedImport},
	{name: "path_separator", match: matchPathSeparator},
	{name: "random_seed", match: matchRandomSeed},
	{name: "unstable_time", match: matchUnstableTime},
	{name: "cwd_dependence", match: matchCwdDependence},
	{name: "snapshot_flag", match: matchSnapshotFlag},
	{name: "fixture_mismatch", match: matchFixtureMismatch},
	{name: "tmp_path_isolation", match: matchTmpPathIsolation},
}

func matchMissingFixture(in ruleInput) *Candidate {
	if !strings.Contains(in.message, "fixture") || !strings.Contains(in.message, "not found") {
		return nil
	}
	return candidate("fix_fixture", in,
		fmt.Sprintf("Add minimal fixture for %s", in.cluster.Signature.TestName),
		[]string{"inject fixture alias in test module"},
		0.55, RiskLow)
}

func matchMovedImport(in ruleInput) *Candidate {
	if !strings.Contains(in.errorType, "modulenotfound") &&
		!strings.Contains(in.errorType, "importerror") &&
		!strings.Contains(in.message, "modulenotfound") &&
		!strings.Contains(in.message, "no module named") {
		return nil
	}
	return candidate("fix_import", in,
		fmt.Sprintf("Normalize moved import in %s", in.cluster.Signature.File),
		[]string{"rewrite stale import path"},
		0.7, RiskLow)
}

func matchPathSeparator(in ruleInput) *Candidate {
	if !strings.Contains(in.errorType, "assert") ||
		!strings.Contains(in.message, `\`) || !strings.Contains(in.message, "/") {
		return nil
	}
	return candidate("fix_pathsep", in,
		fmt.Sprintf("Use separator-tolerant assertion in %s", in.cluster.Signature.File),
		[]string{"normalize path separators in assertion"},
		0.65, RiskLow)
}

func matchRandomSeed(in ruleInput) *Candidate {
	if !strings.Contains(in.message, "random") && !strings.Contains(in.message, "flaky") {
		return nil
	}
	return candidate("fix_random_seed", in,
		"Seed random for deterministic test behavior",
		[]string{"insert random.seed(0) in failing test"},
		0.6, RiskLow)
}

func matchUnstableTime(in ruleInput) *Candidate {
	if !strings.Contains(in.message, "datetime") &&
		!strings.Contains(in.message, "timestamp") &&
		!strings.Contains(in.message, "time") {
		return nil
	}
	return candidate("fix_time", in,
		"Stabilize time-dependent assertion with fixed timestamp",
		[]string{"replace dynamic now()/time() in assertion with fixed constant"},
		0.5, RiskMedium)
}

func matchCwdDependence(in ruleInput) *Candidate {
	if !strings.Contains(in.message, "cwd") &&
		!strings.Contains(in.message, "working directory") &&
		!strings.Contains(in.message, "no such file or directory") {
		return nil
	}
	return candidate("fix_cwd", in,
		"Swap cwd-dependent path usage to tmp_path",
		[]string{"replace Path.cwd() usage in test with tmp_path"},
		0.55, RiskMedium)
}

func matchSnapshotFlag(in ruleInput) *Candidate {
	if !strings.Contains(in.message, "snapshot") || !strings.Contains(in.message, "update") {
		return nil
	}
	return candidate("fix_snapshot_flag", in,
		"Respect explicit snapshot update flags without auto-accept",
		[]string{"wire update flag usage in test helper"},
		0.45, RiskMedium)
}

func matchFixtureMismatch(in ruleInput) *Candidate {
	if !strings.Contains(in.message, "fixture") || !strings.Contains(in.message, "mismatch") {
		return nil
	}
	return candidate("fix_fixture_name", in,
		"Correct fixture name mismatch in parametrized test",
		[]string{"rename fixture usage to available fixture"},
		0.5, RiskMedium)
}

func matchTmpPathIsolation(in ruleInput) *Candidate {
	if strings.Contains(in.fileText, "tmp_path") || !strings.Contains(in.fileText, "Path.cwd()") {
		return nil
	}
	return candidate("fix_tmp_path", in,
		"Introduce tmp_path based isolation for file operations",
		[]string{"use tmp_path fixture for local file creation"},
		0.4, RiskMedium)
}

func candidate(prefix string, in ruleInput, description string, plan []string, confidence float64, risk Risk) *Candidate {
	return &Candidate{
		ID:           prefix + "_" + in.cluster.Signature.MessageDigest,
		Description:  description,
		FilesTouched: []string{in.cluster.Signature.File},
		CommandPlan:  plan,
		Confidence:   confidence,
		Risk:         risk,
	}
}
