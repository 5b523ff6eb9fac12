// Package provenance records every externally visible step of a run into
// a serialized bundle and appends a tamper-evident hash-chain entry per
// run. The on-disk chain is append-only and single-writer; callers must
// serialize runs against one repository root. Tampering is detected only
// by explicit validation, never silently corrected.
package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// On-disk layout, relative to the repository root.
const (
	Dir       = ".forged/provenance"
	ChainFile = Dir + "/chain.jsonl"
	BlobsDir  = Dir + "/blobs"
)

// MaxBlobChars bounds each stored output blob. It is deliberately larger
// than the report-embedded command-output ceiling: reports stay scannable
// while blobs keep enough raw text for replay diagnosis.
const MaxBlobChars = 12000

// Ledger accumulates steps for one run and finalizes them into a bundle
// plus a chain entry. One Ledger per run.
type Ledger struct {
	repoRoot string
	runID    string
	logger   *zap.Logger
	steps    []Step
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRunID overrides the generated run id.
func WithRunID(runID string) Option {
	return func(l *Ledger) { l.runID = runID }
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger constructs a Ledger rooted at the repository being remediated.
func NewLedger(repoRoot string, opts ...Option) (*Ledger, error) {
	if repoRoot == "" {
		return nil, errors.New("repo root is required")
	}
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve repo root: %w", err)
	}
	l := &Ledger{
		repoRoot: abs,
		runID:    uuid.NewString(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l, nil
}

// RunID returns the run identifier the chain entry will carry.
func (l *Ledger) RunID() string { return l.runID }

// Steps returns the steps recorded so far, in execution order.
func (l *Ledger) Steps() []Step { return l.steps }

// MakeStep builds a Step from raw captured output, digesting stdout and
// stderr rather than embedding them.
func (l *Ledger) MakeStep(stepID, kind string, command map[string]any, cwd, envFingerprint string, startedAt, finishedAt time.Time, exitCode int, stdout, stderr string, artifacts []string, notes string) Step {
	return Step{
		StepID:           stepID,
		Kind:             kind,
		Command:          command,
		Cwd:              cwd,
		EnvFingerprint:   envFingerprint,
		StartedAt:        isoTime(startedAt),
		FinishedAt:       isoTime(finishedAt),
		ExitCode:         exitCode,
		StdoutDigest:     DigestText(stdout),
		StderrDigest:     DigestText(stderr),
		ArtifactsWritten: artifacts,
		Notes:            notes,
	}
}

// AddStep appends a step in execution order and stores its raw output in
// the content-addressed blob store. Identical output across steps or
// runs is stored once.
func (l *Ledger) AddStep(step Step, stdout, stderr string) error {
	if err := l.writeBlob(stdout); err != nil {
		return err
	}
	if err := l.writeBlob(stderr); err != nil {
		return err
	}
	l.steps = append(l.steps, step)
	return nil
}

// FinalizeParams carries the run-end inputs for bundle assembly.
type FinalizeParams struct {
	Header         Header
	EnvCacheKey    string
	RuntimeVersion string
	InstallSummary string
	BeforeSnapshot any
	AfterSnapshot  any
	Artifacts      []string
}

// Finalize serializes the bundle to .forged/provenance/prov_<run_id>.json
// and appends the chain entry. It returns the repo-relative bundle path.
func (l *Ledger) Finalize(params FinalizeParams) (string, *Bundle, ChainEntry, error) {
	bundle := &Bundle{
		Header:                params.Header,
		RepoRootFingerprint:   DigestText(l.repoRoot),
		EnvCacheKey:           params.EnvCacheKey,
		RuntimeVersion:        params.RuntimeVersion,
		InstallSummary:        params.InstallSummary,
		DependencyFingerprint: DependencyFingerprint(l.repoRoot),
		BeforeSnapshotDigest:  digestJSON(params.BeforeSnapshot),
		AfterSnapshotDigest:   digestJSON(params.AfterSnapshot),
		Steps:                 l.steps,
		FinalArtifactIndex:    artifactIndex(l.repoRoot, params.Artifacts),
	}
	if bundle.Steps == nil {
		bundle.Steps = []Step{}
	}

	payload, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", nil, ChainEntry{}, fmt.Errorf("marshal bundle: %w", err)
	}
	payload = append(payload, '\n')

	relPath := filepath.ToSlash(filepath.Join(Dir, fmt.Sprintf("prov_%s.json", l.runID)))
	absPath := filepath.Join(l.repoRoot, filepath.FromSlash(relPath))
	if err := writeFileAtomic(absPath, payload); err != nil {
		return "", nil, ChainEntry{}, fmt.Errorf("write bundle: %w", err)
	}

	entry, err := AppendChain(l.repoRoot, l.runID, DigestText(string(payload)))
	if err != nil {
		return "", nil, ChainEntry{}, err
	}
	l.logger.Info("provenance bundle finalized",
		zap.String("run_id", l.runID),
		zap.String("bundle_path", relPath),
		zap.Int("steps", len(bundle.Steps)))
	return relPath, bundle, entry, nil
}

func (l *Ledger) writeBlob(text string) error {
	if text == "" {
		return nil
	}
	digest := DigestText(text)
	target := filepath.Join(l.repoRoot, filepath.FromSlash(BlobsDir), digest+".txt")
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	clipped := text
	if len(clipped) > MaxBlobChars {
		clipped = clipped[:MaxBlobChars]
	}
	if err := writeFileAtomic(target, []byte(clipped)); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

// BlobPath returns the absolute blob-store path for an output digest.
func BlobPath(repoRoot, digest string) string {
	return filepath.Join(repoRoot, filepath.FromSlash(BlobsDir), digest+".txt")
}

// chainBasis is the canonical hashed payload of one chain entry. Field
// order matches the sorted-key JSON form the chain hash is defined over;
// changing it breaks validation of every existing chain.
type chainBasis struct {
	BundleSHA256 string `json:"bundle_sha256"`
	PrevSHA256   string `json:"prev_sha256"`
	RunID        string `json:"run_id"`
	Timestamp    string `json:"timestamp"`
}

func chainHash(runID, bundleSHA, prevSHA, timestamp string) string {
	basis, _ := json.Marshal(chainBasis{
		BundleSHA256: bundleSHA,
		PrevSHA256:   prevSHA,
		RunID:        runID,
		Timestamp:    timestamp,
	})
	return DigestText(string(basis))
}

// AppendChain appends one entry to the repository's hash chain, linking
// it to the previous entry's chain hash (empty for the first entry).
func AppendChain(repoRoot, runID, bundleSHA string) (ChainEntry, error) {
	entries, err := ReadChain(repoRoot)
	if err != nil {
		return ChainEntry{}, err
	}
	prevSHA := ""
	if len(entries) > 0 {
		prevSHA = entries[len(entries)-1].ChainSHA256
	}
	timestamp := isoTime(time.Now().UTC())
	entry := ChainEntry{
		RunID:        runID,
		BundleSHA256: bundleSHA,
		PrevSHA256:   prevSHA,
		ChainSHA256:  chainHash(runID, bundleSHA, prevSHA, timestamp),
		Timestamp:    timestamp,
	}

	path := filepath.Join(repoRoot, filepath.FromSlash(ChainFile))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ChainEntry{}, fmt.Errorf("create provenance dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return ChainEntry{}, fmt.Errorf("open chain: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(entry)
	if err != nil {
		return ChainEntry{}, fmt.Errorf("marshal chain entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return ChainEntry{}, fmt.Errorf("append chain: %w", err)
	}
	return entry, nil
}

// ReadChain loads all entries in file order. A missing chain file is an
// empty chain, not an error.
func ReadChain(repoRoot string) ([]ChainEntry, error) {
	path := filepath.Join(repoRoot, filepath.FromSlash(ChainFile))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read chain: %w", err)
	}
	var entries []ChainEntry
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry ChainEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("decode chain entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ValidateChain walks the chain from the start, recomputing each entry's
// expected hash from its stated payload and predecessor. Any mismatch,
// whether from tampering, truncation, or reordering, is reported with
// the index and run id at which divergence was first detected.
func ValidateChain(repoRoot string) (Validation, error) {
	entries, err := ReadChain(repoRoot)
	if err != nil {
		return Validation{}, err
	}
	prev := ""
	for idx, entry := range entries {
		expected := chainHash(entry.RunID, entry.BundleSHA256, entry.PrevSHA256, entry.Timestamp)
		if entry.PrevSHA256 != prev {
			return Validation{Valid: false, Index: idx, Reason: ReasonPrevMismatch, LastRunID: entry.RunID}, nil
		}
		if entry.ChainSHA256 != expected {
			return Validation{Valid: false, Index: idx, Reason: ReasonHashMismatch, LastRunID: entry.RunID}, nil
		}
		prev = expected
	}
	result := Validation{Valid: true, Count: len(entries), ChainHead: prev}
	if len(entries) > 0 {
		result.LastRunID = entries[len(entries)-1].RunID
	}
	return result, nil
}

// LoadBundle reads a bundle by run id or by direct path to the bundle
// file.
func LoadBundle(repoRoot, target string) (*Bundle, error) {
	path := target
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(repoRoot, filepath.FromSlash(Dir), fmt.Sprintf("prov_%s.json", target))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &bundle, nil
}

// DigestText returns the hex sha256 of text.
func DigestText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// DigestFile returns the hex sha256 of a file's contents, streaming so
// large artifacts do not load into memory.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DependencyFingerprint digests the repository's dependency manifests so
// a bundle pins the dependency surface the run saw. Repositories with no
// recognized manifest get a stable sentinel fingerprint.
func DependencyFingerprint(repoRoot string) string {
	candidates := []string{
		"pyproject.toml",
		"poetry.lock",
		"Pipfile.lock",
		"requirements.txt",
		"requirements-dev.txt",
		"requirements-test.txt",
	}
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
		h.Write([]byte("no-deps"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func artifactIndex(repoRoot string, artifacts []string) []ArtifactRef {
	seen := make(map[string]struct{}, len(artifacts))
	uniq := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		uniq = append(uniq, a)
	}
	sort.Strings(uniq)

	refs := []ArtifactRef{}
	for _, artifact := range uniq {
		abs := artifact
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(repoRoot, filepath.FromSlash(artifact))
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		digest, err := DigestFile(abs)
		if err != nil {
			continue
		}
		refs = append(refs, ArtifactRef{Path: artifact, SHA256: digest})
	}
	return refs
}

func digestJSON(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return DigestText(string(data))
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func isoTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}
