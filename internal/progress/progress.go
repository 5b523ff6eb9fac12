// Package progress decides whether a remediation iteration made
// outcome-level progress, guarding against false positives and negatives
// caused by nondeterministic test ordering.
package progress

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/forged/internal/harvest"
)

// MaxNodeIDSample bounds the failing-test-id sample carried in a snapshot.
const MaxNodeIDSample = 10

// Snapshot captures the outcome-level shape of one harvest.
type Snapshot struct {
	FailedCount int `json:"failed_count"`

	// ClusterDigest is a digest over the sorted set of cluster
	// signatures, so it is order-insensitive.
	ClusterDigest string `json:"cluster_digest"`

	// NodeIDSample is a sorted, bounded sample of failing test ids.
	NodeIDSample []string `json:"nodeid_sample"`

	CapturedAt time.Time `json:"captured_at"`
}

// Delta classifies the change between two consecutive snapshots.
type Delta struct {
	FailedCountDelta     int      `json:"failed_count_delta"`
	ClusterDigestChanged bool     `json:"cluster_digest_changed"`
	Improved             bool     `json:"improved"`
	Notes                []string `json:"notes"`
}

// FromHarvest builds a snapshot from a harvest result.
func FromHarvest(result harvest.Result) Snapshot {
	keys := make([]string, 0, len(result.Clusters))
	sample := make([]string, 0, len(result.Clusters))
	seen := make(map[string]struct{})
	for _, cluster := range result.Clusters {
		sig := cluster.Signature
		keys = append(keys, strings.Join([]string{
			sig.NodeID, sig.File, strconv.Itoa(sig.Line), sig.TestName, sig.ErrorType, sig.MessageDigest,
		}, "|"))
		if sig.NodeID != "" && sig.NodeID != "unknown" {
			if _, ok := seen[sig.NodeID]; !ok {
				seen[sig.NodeID] = struct{}{}
				sample = append(sample, sig.NodeID)
			}
		}
	}
	sort.Strings(keys)
	sort.Strings(sample)
	if len(sample) > MaxNodeIDSample {
		sample = sample[:MaxNodeIDSample]
	}

	sum := sha256.Sum256([]byte(strings.Join(keys, "\n")))
	return Snapshot{
		FailedCount:   result.TotalFailed,
		ClusterDigest: hex.EncodeToString(sum[:])[:16],
		NodeIDSample:  sample,
		CapturedAt:    time.Now().UTC(),
	}
}

// Diff classifies cur against prev. An iteration improved when the failed
// count strictly decreased, or the cluster digest changed while the count
// held steady, or the failing-id sample changed.
func Diff(prev, cur Snapshot) Delta {
	delta := Delta{FailedCountDelta: cur.FailedCount - prev.FailedCount}

	delta.ClusterDigestChanged = prev.ClusterDigest != cur.ClusterDigest
	sampleChanged := !equalSamples(prev.NodeIDSample, cur.NodeIDSample)

	switch {
	case delta.FailedCountDelta < 0:
		delta.Improved = true
		delta.Notes = append(delta.Notes, "failed_count_decreased")
	case delta.FailedCountDelta == 0 && delta.ClusterDigestChanged:
		delta.Improved = true
		delta.Notes = append(delta.Notes, "cluster_digest_changed")
	case sampleChanged:
		delta.Improved = true
		delta.Notes = append(delta.Notes, "nodeid_sample_changed")
	default:
		delta.Notes = append(delta.Notes, "no_improvement")
	}
	if delta.FailedCountDelta > 0 {
		delta.Notes = append(delta.Notes, "failed_count_increased")
	}
	return delta
}

func equalSamples(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
