package harvest

// FailureSignature is the normalized identity of one failing test. Two
// failures with identical signature fields are the same failure for
// clustering purposes regardless of incidental formatting differences.
type FailureSignature struct {
	// NodeID is the test runner's identifier, e.g. "tests/test_a.py::test_one".
	NodeID string `json:"nodeid"`

	// File is the source file the failure was reported from.
	File string `json:"file"`

	// Line is the failing line, 0 when the runner did not report one.
	Line int `json:"line,omitempty"`

	// TestName is the bare test function name.
	TestName string `json:"test_name"`

	// ErrorType is the reported exception or error class.
	ErrorType string `json:"error_type"`

	// MessageDigest is a digest of the whitespace-normalized failure
	// message, so clusters are insensitive to formatting noise.
	MessageDigest string `json:"message_digest"`
}

// FailureCluster groups identical failure signatures.
type FailureCluster struct {
	Signature FailureSignature `json:"signature"`
	Count     int              `json:"count"`

	// Examples holds up to three raw messages for human review.
	Examples []string `json:"examples"`
}

// Result is one harvest of test-tool output. Produced fresh on every
// invocation and never mutated in place.
type Result struct {
	TotalFailed int              `json:"total_failed"`
	Clusters    []FailureCluster `json:"clusters"`

	// RawExcerpt is the tool output truncated to MaxExcerptChars.
	RawExcerpt string `json:"raw_excerpt"`
}
