// Package command runs external processes with per-command timeouts and
// bounded output capture. All orchestration is strictly sequential; the
// only suspension points are blocking waits on child processes.
package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"time"

	"go.uber.org/zap"
)

// MaxOutputChars bounds stdout/stderr embedded in results and reports.
// The provenance blob store keeps a longer excerpt (provenance.MaxBlobChars);
// the two ceilings intentionally differ: results stay reviewable, blobs keep
// enough raw text for replay diagnosis.
const MaxOutputChars = 4000

// TimeoutReturnCode is the sentinel recorded when a command is killed on
// timeout, mirroring the conventional shell timeout exit status.
const TimeoutReturnCode = 124

// DefaultTimeout applies when a spec does not set one.
const DefaultTimeout = 10 * time.Minute

// Spec describes a single external-process invocation.
type Spec struct {
	// Step names the invocation for ledger and report purposes.
	Step string `json:"step" toml:"step"`

	// Argv is the full argument vector, program first.
	Argv []string `json:"argv" toml:"argv"`

	// Dir is the working directory; empty means the caller's.
	Dir string `json:"dir,omitempty" toml:"dir,omitempty"`

	// Env is an overlay applied on top of the parent environment.
	Env map[string]string `json:"env,omitempty" toml:"env,omitempty"`

	// Timeout bounds the wall-clock run time.
	Timeout time.Duration `json:"timeout,omitempty" toml:"timeout,omitempty"`
}

// Result is the append-only outcome of one invocation.
type Result struct {
	Step       string            `json:"step"`
	Argv       []string          `json:"argv"`
	Dir        string            `json:"dir"`
	Env        map[string]string `json:"env,omitempty"`
	ReturnCode int               `json:"return_code"`
	Stdout     string            `json:"stdout"`
	Stderr     string            `json:"stderr"`
	TimedOut   bool              `json:"timed_out"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Runner executes specs one at a time with blocking waits.
type Runner struct {
	logger         *zap.Logger
	defaultTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithDefaultTimeout overrides the timeout applied to specs that do not
// set one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Runner) { r.defaultTimeout = d }
}

// NewRunner creates a runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{logger: zap.NewNop(), defaultTimeout: DefaultTimeout}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.defaultTimeout <= 0 {
		r.defaultTimeout = DefaultTimeout
	}
	return r
}

// Run executes one spec and returns its result. A timeout converts the
// hung child into a terminal result with TimeoutReturnCode and
// TimedOut=true rather than hanging the run.
func (r *Runner) Run(ctx context.Context, spec Spec) Result {
	if len(spec.Argv) == 0 {
		// Same shape as a spawn failure: nothing ran, rc 127.
		now := time.Now().UTC()
		return Result{
			Step:       spec.Step,
			Dir:        spec.Dir,
			Env:        spec.Env,
			Stderr:     "empty argv",
			ReturnCode: 127,
			StartedAt:  now,
			FinishedAt: now,
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now().UTC()
	err := cmd.Run()
	finished := time.Now().UTC()

	result := Result{
		Step:       spec.Step,
		Argv:       spec.Argv,
		Dir:        spec.Dir,
		Env:        spec.Env,
		Stdout:     Truncate(stdout.String()),
		Stderr:     Truncate(stderr.String()),
		StartedAt:  started,
		FinishedAt: finished,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.ReturnCode = TimeoutReturnCode
		result.TimedOut = true
		r.logger.Warn("command timed out",
			zap.String("step", spec.Step),
			zap.Duration("timeout", timeout),
		)
		return result
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ReturnCode = exitErr.ExitCode()
		} else {
			// Spawn failure (missing binary, bad dir). Surface as a
			// non-zero result with the error text on stderr.
			result.ReturnCode = 127
			if result.Stderr == "" {
				result.Stderr = err.Error()
			}
		}
	}

	r.logger.Debug("command finished",
		zap.String("step", spec.Step),
		zap.Int("return_code", result.ReturnCode),
		zap.Bool("timed_out", result.TimedOut),
	)
	return result
}

// Truncate clips text to MaxOutputChars with an explicit marker.
func Truncate(text string) string {
	if len(text) <= MaxOutputChars {
		return text
	}
	return text[:MaxOutputChars] + "\n...[truncated]"
}

// Display renders a spec the way a human would type it.
func (s Spec) Display() string {
	out := ""
	for i, arg := range s.Argv {
		if i > 0 {
			out += " "
		}
		out += arg
	}
	return out
}

func mergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overlay))
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	overridden := make(map[string]struct{}, len(overlay))
	for _, k := range keys {
		overridden[k] = struct{}{}
	}
	for _, kv := range base {
		name := kv
		if i := bytes.IndexByte([]byte(kv), '='); i >= 0 {
			name = kv[:i]
		}
		if _, ok := overridden[name]; ok {
			continue
		}
		merged = append(merged, kv)
	}
	for _, k := range keys {
		merged = append(merged, k+"="+overlay[k])
	}
	return merged
}
