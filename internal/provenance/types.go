package provenance

// SchemaVersion identifies the bundle layout. Bump it on any breaking
// change to the serialized form.
const SchemaVersion = 1

// Header carries the run-level identity of a bundle.
type Header struct {
	SchemaVersion     int    `json:"schema_version"`
	RunID             string `json:"run_id"`
	StartedAt         string `json:"started_at"`
	FinishedAt        string `json:"finished_at"`
	Initiator         string `json:"initiator"`
	RequestID         string `json:"request_id,omitempty"`
	Goal              string `json:"goal,omitempty"`
	GoalID            string `json:"goal_id,omitempty"`
	TransactionStatus string `json:"transaction_status"`
	QuarantineRef     string `json:"quarantine_ref,omitempty"`
}

// Step records one externally visible command execution. Output text is
// not stored inline; only digests are, with the raw text written once to
// the content-addressed blob store.
type Step struct {
	StepID           string            `json:"step_id"`
	Kind             string            `json:"kind"`
	Command          map[string]any    `json:"command"`
	Cwd              string            `json:"cwd"`
	EnvFingerprint   string            `json:"env_fingerprint"`
	StartedAt        string            `json:"started_at"`
	FinishedAt       string            `json:"finished_at"`
	ExitCode         int               `json:"exit_code"`
	StdoutDigest     string            `json:"stdout_digest"`
	StderrDigest     string            `json:"stderr_digest"`
	ArtifactsWritten []string          `json:"artifacts_written"`
	Notes            string            `json:"notes,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
}

// ArtifactRef maps a written artifact path to its content hash.
type ArtifactRef struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Bundle is the complete serialized record of one run.
type Bundle struct {
	Header                Header        `json:"header"`
	RepoRootFingerprint   string        `json:"repo_root_fingerprint"`
	EnvCacheKey           string        `json:"env_cache_key"`
	RuntimeVersion        string        `json:"runtime_version"`
	InstallSummary        string        `json:"install_summary,omitempty"`
	DependencyFingerprint string        `json:"dependency_fingerprint"`
	BeforeSnapshotDigest  string        `json:"before_snapshot_digest,omitempty"`
	AfterSnapshotDigest   string        `json:"after_snapshot_digest,omitempty"`
	Steps                 []Step        `json:"steps"`
	FinalArtifactIndex    []ArtifactRef `json:"final_artifact_index"`
}

// ChainEntry is one appended row of the tamper-evident hash chain. The
// chain hash is computed over the canonical JSON encoding of (run id,
// bundle hash, previous chain hash, timestamp).
type ChainEntry struct {
	RunID        string `json:"run_id"`
	BundleSHA256 string `json:"bundle_sha256"`
	PrevSHA256   string `json:"prev_sha256"`
	ChainSHA256  string `json:"chain_sha256"`
	Timestamp    string `json:"timestamp"`
}

// Validation reports the outcome of walking the chain from its start.
// Reason is one of "prev_mismatch" or "hash_mismatch" when Valid is
// false; Index and LastRunID locate the first divergent entry.
type Validation struct {
	Valid     bool   `json:"valid"`
	Count     int    `json:"count,omitempty"`
	Index     int    `json:"index,omitempty"`
	Reason    string `json:"reason,omitempty"`
	LastRunID string `json:"last_run_id,omitempty"`
	ChainHead string `json:"chain_head,omitempty"`
}

// Validation reasons.
const (
	ReasonPrevMismatch = "prev_mismatch"
	ReasonHashMismatch = "hash_mismatch"
)
