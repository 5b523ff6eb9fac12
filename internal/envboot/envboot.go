// Package envboot creates or reuses an isolated, dependency-installed
// Python runtime for a session. Environments are cached per
// (interpreter, interpreter version, dependency-manifest fingerprint,
// extras tag) so repeated runs against an unchanged repository skip the
// install entirely. Install failures are recorded in the summary rather
// than aborting, so a partially bootstrapped environment surfaces later
// as a diagnosable preflight failure.
package envboot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/command"
)

// CacheDir is the environment cache location, relative to the
// repository root.
const CacheDir = ".forged/env_cache"

// Defaults for Prune.
const (
	DefaultMaxCacheEntries = 5
	DefaultMaxCacheAge     = 14 * 24 * time.Hour
)

// Env is a bootstrapped runtime handle for one session.
type Env struct {
	Python         string `json:"python"`
	Pip            string `json:"pip"`
	VenvPath       string `json:"venv_path"`
	Created        bool   `json:"created"`
	InstallSummary string `json:"install_summary"`
	// PythonVersion is the probed interpreter version, recorded in the
	// provenance bundle as the runtime fingerprint.
	PythonVersion string `json:"python_version"`
	CacheKey      string `json:"cache_key"`
}

// Key identifies one cache entry.
type Key struct {
	PythonExecutable   string `json:"python_executable"`
	PythonVersion      string `json:"python_version"`
	ProjectFingerprint string `json:"project_fingerprint"`
	ExtrasTag          string `json:"extras_tag"`
}

// CacheEntry is the persisted metadata of one cached environment.
type CacheEntry struct {
	Key            Key    `json:"key"`
	VenvPath       string `json:"venv_path"`
	CreatedAt      string `json:"created_at"`
	LastUsedAt     string `json:"last_used_at"`
	InstallSummary string `json:"install_summary"`
	MarkerOK       bool   `json:"marker_ok"`
}

// Bootstrapper builds environments against one repository root.
type Bootstrapper struct {
	repoRoot    string
	interpreter string
	runner      *command.Runner
	logger      *zap.Logger
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bootstrapper) { b.logger = logger }
}

// WithRunner sets the command runner used for venv and pip invocations.
func WithRunner(runner *command.Runner) Option {
	return func(b *Bootstrapper) { b.runner = runner }
}

// WithInterpreter overrides the base interpreter used to seed venvs.
func WithInterpreter(path string) Option {
	return func(b *Bootstrapper) { b.interpreter = path }
}

// New constructs a Bootstrapper for the given repository root.
func New(repoRoot string, opts ...Option) (*Bootstrapper, error) {
	if repoRoot == "" {
		return nil, errors.New("repo root is required")
	}
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}
	b := &Bootstrapper{repoRoot: abs, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.runner == nil {
		b.runner = command.NewRunner(command.WithLogger(b.logger))
	}
	if b.interpreter == "" {
		b.interpreter = findInterpreter()
	}
	return b, nil
}

// Bootstrap returns a ready environment for the extras tag ("base" or
// "test"), reusing a cached venv whose ok-marker is intact and creating
// one otherwise. pip failures do not abort; they land in the install
// summary for later diagnosis.
func (b *Bootstrapper) Bootstrap(ctx context.Context, extras string) (*Env, error) {
	if b.interpreter == "" {
		return nil, errors.New("no python interpreter found")
	}
	if extras == "" {
		extras = "base"
	}
	key := b.buildKey(ctx, extras)
	cacheKey := keyHash(key)
	entryDir := filepath.Join(b.repoRoot, filepath.FromSlash(CacheDir), cacheKey)
	venvPath := filepath.Join(entryDir, "venv")
	marker := filepath.Join(entryDir, ".env_ok")
	metaPath := filepath.Join(entryDir, "meta.json")
	pythonPath := venvPython(venvPath)
	pipPath := venvPip(venvPath)

	if err := os.MkdirAll(entryDir, 0o755); err != nil {
		return nil, fmt.Errorf("create env cache dir: %w", err)
	}
	now := isoNow()

	if existing := readMeta(metaPath); existing != nil && fileExists(marker) && fileExists(pythonPath) {
		existing.LastUsedAt = now
		writeMeta(metaPath, existing)
		summary := existing.InstallSummary
		if summary == "" {
			summary = "reused"
		}
		b.logger.Info("environment reused", zap.String("cache_key", cacheKey))
		return &Env{
			Python:         pythonPath,
			Pip:            pipPath,
			VenvPath:       venvPath,
			Created:        false,
			InstallSummary: summary,
			PythonVersion:  key.PythonVersion,
			CacheKey:       cacheKey,
		}, nil
	}

	create := b.runner.Run(ctx, command.Spec{
		Step: "env_create_venv",
		Argv: []string{b.interpreter, "-m", "venv", venvPath},
		Dir:  b.repoRoot,
	})
	if create.ReturnCode != 0 {
		return nil, fmt.Errorf("create venv: rc=%d: %s", create.ReturnCode, strings.TrimSpace(create.Stderr))
	}

	var parts []string
	parts = append(parts, b.bestEffort(ctx, "upgrade",
		pythonPath, "-m", "pip", "install", "--upgrade", "pip", "setuptools", "wheel"))
	parts = append(parts, b.installRepo(ctx, pythonPath, extras)...)
	summary := strings.Join(parts, " | ")

	if err := os.WriteFile(marker, []byte(fmt.Sprintf("{\"summary\":%q}", summary)), 0o644); err != nil {
		return nil, fmt.Errorf("write env marker: %w", err)
	}
	entry := &CacheEntry{
		Key:            key,
		VenvPath:       venvPath,
		CreatedAt:      now,
		LastUsedAt:     now,
		InstallSummary: summary,
		MarkerOK:       true,
	}
	if prior := readMeta(metaPath); prior != nil && prior.CreatedAt != "" {
		entry.CreatedAt = prior.CreatedAt
	}
	writeMeta(metaPath, entry)
	b.logger.Info("environment created",
		zap.String("cache_key", cacheKey),
		zap.String("install_summary", summary))
	return &Env{
		Python:         pythonPath,
		Pip:            pipPath,
		VenvPath:       venvPath,
		Created:        true,
		InstallSummary: summary,
		PythonVersion:  key.PythonVersion,
		CacheKey:       cacheKey,
	}, nil
}

// installRepo installs the repository into the venv. The test extras
// install falls back to a plain install when the extras target is
// missing.
func (b *Bootstrapper) installRepo(ctx context.Context, pythonPath, extras string) []string {
	if extras == "test" {
		withTest := b.bestEffort(ctx, "install[test]", pythonPath, "-m", "pip", "install", "-e", ".[test]")
		if strings.HasSuffix(withTest, "rc=0") {
			return []string{withTest}
		}
		fallback := b.bestEffort(ctx, "install_fallback", pythonPath, "-m", "pip", "install", "-e", ".")
		return []string{withTest, fallback}
	}
	return []string{b.bestEffort(ctx, "install", pythonPath, "-m", "pip", "install", "-e", ".")}
}

func (b *Bootstrapper) bestEffort(ctx context.Context, label string, argv ...string) string {
	result := b.runner.Run(ctx, command.Spec{
		Step: "env_" + label,
		Argv: argv,
		Dir:  b.repoRoot,
	})
	return fmt.Sprintf("%s:rc=%d", label, result.ReturnCode)
}

func (b *Bootstrapper) buildKey(ctx context.Context, extras string) Key {
	resolved := b.interpreter
	if abs, err := filepath.Abs(resolved); err == nil {
		resolved = abs
	}
	version := ""
	probe := b.runner.Run(ctx, command.Spec{
		Step: "env_probe_version",
		Argv: []string{b.interpreter, "--version"},
		Dir:  b.repoRoot,
	})
	if probe.ReturnCode == 0 {
		version = strings.TrimSpace(probe.Stdout + probe.Stderr)
	}
	return Key{
		PythonExecutable:   resolved,
		PythonVersion:      version,
		ProjectFingerprint: ProjectFingerprint(b.repoRoot),
		ExtrasTag:          extras,
	}
}

// Prune removes cache entries older than maxAge and then the
// least-recently-used entries beyond maxEntries. It returns the removed
// entry names.
func Prune(repoRoot string, maxEntries int, maxAge time.Duration) ([]string, error) {
	cacheRoot := filepath.Join(repoRoot, filepath.FromSlash(CacheDir))
	children, err := os.ReadDir(cacheRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read env cache: %w", err)
	}

	type aged struct {
		path     string
		name     string
		lastUsed time.Time
	}
	var removed []string
	var survivors []aged
	cutoff := time.Now().UTC().Add(-maxAge)
	for _, child := range children {
		if !child.IsDir() {
			continue
		}
		path := filepath.Join(cacheRoot, child.Name())
		meta := readMeta(filepath.Join(path, "meta.json"))
		lastUsed := time.Time{}
		if meta != nil {
			if when, perr := time.Parse(time.RFC3339Nano, meta.LastUsedAt); perr == nil {
				lastUsed = when
			}
		}
		if !lastUsed.IsZero() && lastUsed.Before(cutoff) {
			os.RemoveAll(path)
			removed = append(removed, child.Name())
			continue
		}
		survivors = append(survivors, aged{path: path, name: child.Name(), lastUsed: lastUsed})
	}

	if len(survivors) <= maxEntries {
		return removed, nil
	}
	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].lastUsed.Before(survivors[j].lastUsed)
	})
	for _, victim := range survivors[:len(survivors)-maxEntries] {
		os.RemoveAll(victim.path)
		removed = append(removed, victim.name)
	}
	return removed, nil
}

// ListEntries returns all cache entries with readable metadata, sorted
// by entry name.
func ListEntries(repoRoot string) []CacheEntry {
	cacheRoot := filepath.Join(repoRoot, filepath.FromSlash(CacheDir))
	children, err := os.ReadDir(cacheRoot)
	if err != nil {
		return nil
	}
	var entries []CacheEntry
	for _, child := range children {
		if !child.IsDir() {
			continue
		}
		if meta := readMeta(filepath.Join(cacheRoot, child.Name(), "meta.json")); meta != nil {
			entries = append(entries, *meta)
		}
	}
	return entries
}

// ProjectFingerprint digests the dependency manifests that determine
// what an install would produce.
func ProjectFingerprint(repoRoot string) string {
	candidates := []string{"pyproject.toml", "requirements.txt", "requirements-dev.txt", "requirements-test.txt"}
	h := sha256.New()
	found := false
	for _, name := range candidates {
		data, err := os.ReadFile(filepath.Join(repoRoot, name))
		if err != nil {
			continue
		}
		found = true
		h.Write([]byte(name))
		h.Write(data)
	}
	if !found {
		h.Write([]byte("no-dependency-manifest"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func keyHash(key Key) string {
	payload, _ := json.Marshal(key)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:20]
}

func findInterpreter() string {
	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}

func venvPython(venvPath string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvPath, "Scripts", "python.exe")
	}
	return filepath.Join(venvPath, "bin", "python")
}

func venvPip(venvPath string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvPath, "Scripts", "pip.exe")
	}
	return filepath.Join(venvPath, "bin", "pip")
}

func readMeta(path string) *CacheEntry {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil
	}
	return &entry
}

func writeMeta(path string, entry *CacheEntry) {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(path, append(data, '\n'), 0o644)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
