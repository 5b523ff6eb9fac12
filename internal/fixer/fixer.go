// Package fixer proposes and applies narrow, heuristic textual rewrites
// keyed to harvested failure clusters. Candidates are proposals only;
// nothing touches the session filesystem until Apply is called, and every
// rewrite is idempotent so a re-application on an already-fixed file is a
// no-op rather than an error.
package fixer

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/harvest"
)

// ImportRewrite is one stale-to-current import path substitution applied
// by import-heuristic candidates. Repositories declare their own moved
// module layouts in configuration.
type ImportRewrite struct {
	From string `json:"from" koanf:"from"`
	To   string `json:"to"   koanf:"to"`
}

// Fixer generates candidates from clusters and applies them inside a
// session root.
type Fixer struct {
	logger         *zap.Logger
	importRewrites []ImportRewrite
}

// Option configures a Fixer.
type Option func(*Fixer)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fixer) { f.logger = logger }
}

// WithImportRewrites sets the import substitutions used by
// import-resolution candidates.
func WithImportRewrites(rewrites []ImportRewrite) Option {
	return func(f *Fixer) { f.importRewrites = rewrites }
}

// New constructs a Fixer.
func New(opts ...Option) *Fixer {
	f := &Fixer{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	return f
}

// Generate evaluates the heuristic rule table against each cluster whose
// target file exists under root and is a Python source file. The result
// is sorted so low-risk, high-confidence candidates come first.
func (f *Fixer) Generate(clusters []harvest.FailureCluster, root string) []Candidate {
	var candidates []Candidate
	for _, cluster := range clusters {
		sig := cluster.Signature
		if sig.File == "" {
			continue
		}
		path := filepath.Join(root, filepath.FromSlash(sig.File))
		if filepath.Ext(path) != ".py" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		in := ruleInput{
			cluster:   cluster,
			message:   strings.ToLower(firstExample(cluster)),
			errorType: strings.ToLower(sig.ErrorType),
			fileText:  string(data),
		}
		for _, r := range rules {
			if c := r.match(in); c != nil {
				f.logger.Debug("fix candidate generated",
					zap.String("rule", r.name),
					zap.String("candidate_id", c.ID),
					zap.String("file", sig.File))
				candidates = append(candidates, *c)
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].Risk != RiskLow, candidates[j].Risk != RiskLow
		if ri != rj {
			return !ri
		}
		return candidates[i].Confidence > candidates[j].Confidence
	})
	return candidates
}

// PrioritizeRootCause moves import-addressing candidates ahead of all
// others when any cluster failed on import or module resolution. Broken
// imports usually cascade into unrelated-looking failures, so they are
// fixed first.
func PrioritizeRootCause(candidates []Candidate, clusters []harvest.FailureCluster) []Candidate {
	hasImportCluster := false
	for _, cluster := range clusters {
		switch cluster.Signature.ErrorType {
		case "ImportError", "ModuleNotFoundError":
			hasImportCluster = true
		}
	}
	if !hasImportCluster {
		return candidates
	}
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := importPriority(out[i]), importPriority(out[j])
		if pi != pj {
			return pi < pj
		}
		return out[i].Description < out[j].Description
	})
	return out
}

func importPriority(c Candidate) int {
	desc := strings.ToLower(c.Description)
	if strings.Contains(desc, "import") || strings.Contains(desc, "module") {
		return 0
	}
	return 1
}

// Apply performs the textual rewrite associated with the candidate's id
// against each touched file under root. Files that are absent or not
// Python sources are skipped. A file whose rewritten content equals its
// current content is left untouched, which makes a second application of
// the same candidate report Applied=false with no files changed.
func (f *Fixer) Apply(candidate Candidate, root string) (Result, error) {
	result := Result{CandidateID: candidate.ID, Notes: "no-op"}
	for _, rel := range candidate.FilesTouched {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if filepath.Ext(path) != ".py" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return result, err
		}
		edited := f.rewrite(string(data), candidate)
		if edited == string(data) {
			continue
		}
		if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
			return result, err
		}
		result.FilesChanged = append(result.FilesChanged, rel)
	}
	if len(result.FilesChanged) > 0 {
		result.Applied = true
		result.Notes = "applied textual rewrite"
		f.logger.Info("fix candidate applied",
			zap.String("candidate_id", candidate.ID),
			zap.Strings("files_changed", result.FilesChanged))
	}
	return result, nil
}

var cwdKwargRe = regexp.MustCompile(`cwd\s*=\s*Path\.cwd\(\)`)

func (f *Fixer) rewrite(content string, candidate Candidate) string {
	updated := content
	switch {
	case strings.HasPrefix(candidate.ID, "fix_pathsep_"):
		updated = strings.ReplaceAll(updated, `\\`, "/")
	case strings.HasPrefix(candidate.ID, "fix_random_seed_"):
		if !strings.Contains(updated, "random.seed(") {
			if strings.Contains(updated, "import random") {
				updated = strings.Replace(updated, "import random", "import random\nrandom.seed(0)", 1)
			} else {
				updated = "import random\nrandom.seed(0)\n" + updated
			}
		}
	case strings.HasPrefix(candidate.ID, "fix_tmp_path_"):
		updated = strings.ReplaceAll(updated, "Path.cwd()", "tmp_path")
	case strings.HasPrefix(candidate.ID, "fix_cwd_"):
		updated = cwdKwargRe.ReplaceAllString(updated, "cwd=tmp_path")
	case strings.HasPrefix(candidate.ID, "fix_import_"):
		for _, rw := range f.importRewrites {
			if rw.From == "" || rw.From == rw.To {
				continue
			}
			updated = strings.ReplaceAll(updated, rw.From, rw.To)
		}
	case strings.HasPrefix(candidate.ID, "fix_time_"):
		updated = strings.ReplaceAll(updated, "datetime.now()", "datetime(2024, 1, 1)")
	}
	return updated
}

func firstExample(cluster harvest.FailureCluster) string {
	if len(cluster.Examples) == 0 {
		return ""
	}
	return cluster.Examples[0]
}
