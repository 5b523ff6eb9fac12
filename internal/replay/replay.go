// Package replay re-executes a recorded provenance bundle inside a fresh
// session and reports, per step, whether the rerun reproduced the recorded
// outputs. Divergence is characterized, never enforced: a replay that
// diverges everywhere still succeeds as a replay.
package replay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/command"
	"github.com/fyrsmithlabs/forged/internal/envboot"
	"github.com/fyrsmithlabs/forged/internal/provenance"
	"github.com/fyrsmithlabs/forged/internal/secrets"
	"github.com/fyrsmithlabs/forged/internal/session"
)

// StepComparison is one recorded step's replay outcome.
type StepComparison struct {
	StepID   string `json:"step_id"`
	Command  string `json:"command"`
	Cwd      string `json:"cwd"`
	Executed bool   `json:"executed"`

	RecordedExitCode int  `json:"recorded_exit_code"`
	NewExitCode      int  `json:"new_exit_code,omitempty"`
	ExitCodeMatch    bool `json:"exit_code_match"`

	StdoutMatch bool `json:"stdout_match"`
	StderrMatch bool `json:"stderr_match"`

	Notes string `json:"notes,omitempty"`
}

// Report is the replay's full characterization.
type Report struct {
	RunID  string `json:"run_id"`
	DryRun bool   `json:"dry_run"`

	SessionRoot string `json:"session_root"`

	RecordedEnvCacheKey string `json:"recorded_env_cache_key"`
	NewEnvCacheKey      string `json:"new_env_cache_key,omitempty"`
	EnvCacheKeyMatch    bool   `json:"env_cache_key_match"`

	Steps       []StepComparison `json:"steps"`
	Divergences int              `json:"divergences"`
}

// commandRunner matches the orchestrator's runner surface.
type commandRunner interface {
	Run(ctx context.Context, spec command.Spec) command.Result
}

type sessionManager interface {
	Create(ctx context.Context, sessionID string) (*session.Session, error)
	Cleanup(ctx context.Context, sess *session.Session) error
}

type bootstrapper interface {
	Bootstrap(ctx context.Context, extras string) (*envboot.Env, error)
}

// Engine replays provenance bundles recorded against one repository root.
type Engine struct {
	repoRoot   string
	logger     *zap.Logger
	runner     commandRunner
	sessions   sessionManager
	scrubber   secrets.Scrubber
	envFactory func(sessionRoot string) (bootstrapper, error)
}

// Option overrides an Engine collaborator.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRunner sets the command runner.
func WithRunner(r commandRunner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithSessionManager sets the session manager.
func WithSessionManager(m sessionManager) Option {
	return func(e *Engine) { e.sessions = m }
}

// WithBootstrapper sets a fixed environment bootstrapper regardless of
// session root.
func WithBootstrapper(b bootstrapper) Option {
	return func(e *Engine) {
		e.envFactory = func(string) (bootstrapper, error) { return b, nil }
	}
}

// NewEngine creates a replay engine for one repository root.
func NewEngine(repoRoot string, opts ...Option) (*Engine, error) {
	if repoRoot == "" {
		return nil, errors.New("repo root is required")
	}
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}
	e := &Engine{repoRoot: abs, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.runner == nil {
		e.runner = command.NewRunner(command.WithLogger(e.logger))
	}
	if e.scrubber == nil {
		// Recorded digests cover scrubbed output, so the rerun's output
		// must go through the same redaction before comparing.
		e.scrubber = secrets.MustNew(secrets.DefaultConfig())
	}
	if e.sessions == nil {
		mgr, err := session.NewManager(abs, session.WithLogger(e.logger))
		if err != nil {
			return nil, err
		}
		e.sessions = mgr
	}
	if e.envFactory == nil {
		e.envFactory = func(sessionRoot string) (bootstrapper, error) {
			return envboot.New(sessionRoot, envboot.WithLogger(e.logger))
		}
	}
	return e, nil
}

// Replay loads a bundle by run id or path and re-executes it in a fresh
// session. With dryRun the steps are planned and compared structurally
// but never executed.
func (e *Engine) Replay(ctx context.Context, target string, dryRun bool) (*Report, error) {
	bundle, err := provenance.LoadBundle(e.repoRoot, target)
	if err != nil {
		return nil, err
	}

	sess, err := e.sessions.Create(ctx, "replay-"+session.SafeID(bundle.Header.RunID))
	if err != nil {
		return nil, fmt.Errorf("create replay session: %w", err)
	}
	defer func() {
		if cleanupErr := e.sessions.Cleanup(ctx, sess); cleanupErr != nil {
			e.logger.Warn("replay session cleanup failed", zap.Error(cleanupErr))
		}
	}()

	report := &Report{
		RunID:               bundle.Header.RunID,
		DryRun:              dryRun,
		SessionRoot:         sess.RootPath,
		RecordedEnvCacheKey: bundle.EnvCacheKey,
	}

	if !dryRun {
		boot, err := e.envFactory(sess.RootPath)
		if err != nil {
			return nil, fmt.Errorf("env bootstrapper: %w", err)
		}
		env, err := boot.Bootstrap(ctx, "test")
		if err != nil {
			return nil, fmt.Errorf("bootstrap replay environment: %w", err)
		}
		report.NewEnvCacheKey = env.CacheKey
		report.EnvCacheKeyMatch = env.CacheKey == bundle.EnvCacheKey
		if !report.EnvCacheKeyMatch {
			report.Divergences++
		}
	}

	originalRoot := originalSessionRoot(bundle.Steps)
	for _, step := range bundle.Steps {
		comparison := e.replayStep(ctx, step, originalRoot, sess.RootPath, dryRun)
		if comparison.Executed &&
			(!comparison.ExitCodeMatch || !comparison.StdoutMatch || !comparison.StderrMatch) {
			report.Divergences++
		}
		report.Steps = append(report.Steps, comparison)
	}

	e.logger.Info("replay finished",
		zap.String("run_id", report.RunID),
		zap.Bool("dry_run", dryRun),
		zap.Int("steps", len(report.Steps)),
		zap.Int("divergences", report.Divergences))
	return report, nil
}

func (e *Engine) replayStep(ctx context.Context, step provenance.Step, originalRoot, newRoot string, dryRun bool) StepComparison {
	argv := stepArgv(step)
	comparison := StepComparison{
		StepID:           step.StepID,
		Command:          strings.Join(argv, " "),
		Cwd:              remapCwd(step.Cwd, originalRoot, newRoot),
		RecordedExitCode: step.ExitCode,
	}
	if len(argv) == 0 {
		comparison.Notes = "no argv recorded; skipped"
		return comparison
	}
	if dryRun {
		comparison.Notes = "dry run; not executed"
		return comparison
	}

	result := e.runner.Run(ctx, command.Spec{
		Step: step.StepID,
		Argv: argv,
		Dir:  comparison.Cwd,
	})
	comparison.Executed = true
	comparison.NewExitCode = result.ReturnCode
	comparison.ExitCodeMatch = result.ReturnCode == step.ExitCode
	stdout := e.scrubber.Scrub(result.Stdout).Scrubbed
	stderr := e.scrubber.Scrub(result.Stderr).Scrubbed
	comparison.StdoutMatch = provenance.DigestText(stdout) == step.StdoutDigest
	comparison.StderrMatch = provenance.DigestText(stderr) == step.StderrDigest
	return comparison
}

// originalSessionRoot infers the recorded run's session root: the
// shortest working directory seen across steps. Publish and ledger
// bookkeeping steps may run outside the session; remapCwd keeps those
// out-of-tree paths in the new session root instead.
func originalSessionRoot(steps []provenance.Step) string {
	root := ""
	for _, step := range steps {
		if step.Cwd == "" {
			continue
		}
		if root == "" || len(step.Cwd) < len(root) {
			root = step.Cwd
		}
	}
	return root
}

// remapCwd maps a recorded working directory onto the new session root by
// relative path. Anything unmappable lands at the new root.
func remapCwd(recorded, originalRoot, newRoot string) string {
	if recorded == "" || originalRoot == "" {
		return newRoot
	}
	rel, err := filepath.Rel(originalRoot, recorded)
	if err != nil || strings.HasPrefix(rel, "..") {
		return newRoot
	}
	return filepath.Join(newRoot, rel)
}

func stepArgv(step provenance.Step) []string {
	raw, ok := step.Command["argv"]
	if !ok {
		return nil
	}
	switch typed := raw.(type) {
	case []string:
		return typed
	case []any:
		argv := make([]string, 0, len(typed))
		for _, item := range typed {
			text, ok := item.(string)
			if !ok {
				return nil
			}
			argv = append(argv, text)
		}
		return argv
	}
	return nil
}
