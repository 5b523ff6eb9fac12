// Package harvest parses raw test-runner output into structured,
// deduplicated failure signatures and clusters.
package harvest

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// MaxExcerptChars bounds the raw excerpt embedded in a harvest result so
// ledger growth stays predictable. Independent of cluster data.
const MaxExcerptChars = 8000

const maxExamples = 3

type record struct {
	nodeID    string
	file      string
	line      int
	testName  string
	errorType string
	message   string
}

var (
	wrapperLineRe = regexp.MustCompile(`^([^\s:][^:]*)::([^:]+):\s*([A-Za-z_][A-Za-z0-9_]*):\s*(.+)$`)
	errorLineRe   = regexp.MustCompile(`^E\s+([A-Za-z_][A-Za-z0-9_]*):\s*(.+)$`)
	tracebackRe   = regexp.MustCompile(`([\w./\\-]+\.py):(\d+):\s+in\s+(\w+)`)
	fileLineRe    = regexp.MustCompile(`^(.*\.py):(\d+)$`)
	failedCountRe = regexp.MustCompile(`(\d+)\s+failed`)
	summaryLineRe = regexp.MustCompile(`^\d+\s+failed\b`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

// Harvest parses stdout and stderr from a test run. It recognizes
// one-line-per-failure "FAILED node - Type: message" summaries (consuming
// any immediately following detail lines) and the wrapper style
// "file::test: Type: message". When neither shape matches it falls back to
// the final "<N> failed" summary line and reports zero clusters.
func Harvest(stdout, stderr string) Result {
	raw := strings.TrimSpace(stdout + "\n" + stderr)
	lines := strings.Split(raw, "\n")

	records := parseFailedBlocks(lines)
	if len(records) == 0 {
		records = parseErrorBlocks(lines)
	}
	if len(records) == 0 {
		return Result{
			TotalFailed: parseFailedCount(raw),
			RawExcerpt:  truncateExcerpt(raw),
		}
	}

	type clusterKey struct {
		nodeID, file        string
		line                int
		testName, errorType string
		messageDigest       string
	}
	byKey := make(map[clusterKey]*FailureCluster)
	order := make([]clusterKey, 0, len(records))
	for _, rec := range records {
		sig := FailureSignature{
			NodeID:        rec.nodeID,
			File:          rec.file,
			Line:          rec.line,
			TestName:      rec.testName,
			ErrorType:     rec.errorType,
			MessageDigest: MessageDigest(rec.message),
		}
		key := clusterKey{sig.NodeID, sig.File, sig.Line, sig.TestName, sig.ErrorType, sig.MessageDigest}
		cluster, ok := byKey[key]
		if !ok {
			cluster = &FailureCluster{Signature: sig}
			byKey[key] = cluster
			order = append(order, key)
		}
		cluster.Count++
		if len(cluster.Examples) < maxExamples {
			cluster.Examples = append(cluster.Examples, rec.message)
		}
	}

	clusters := make([]FailureCluster, 0, len(order))
	for _, key := range order {
		clusters = append(clusters, *byKey[key])
	}
	return Result{
		TotalFailed: len(records),
		Clusters:    clusters,
		RawExcerpt:  truncateExcerpt(raw),
	}
}

// MessageDigest returns a short hex digest of the whitespace-normalized
// message text.
func MessageDigest(message string) string {
	normalized := whitespaceRe.ReplaceAllString(strings.TrimSpace(message), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}

// parseFailedBlocks handles pytest-style output: "FAILED node - Type: msg"
// lines plus the wrapper "file::test: Type: msg" triples.
func parseFailedBlocks(lines []string) []record {
	var records []record
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "FAILED ") {
			var detail []string
			j := i + 1
			for j < len(lines) {
				probe := strings.TrimSpace(lines[j])
				if probe == "" {
					j++
					continue
				}
				if strings.HasPrefix(probe, "FAILED ") || strings.HasPrefix(probe, "=") || summaryLineRe.MatchString(probe) {
					break
				}
				detail = append(detail, probe)
				j++
			}
			nodeID, errorType, message := parseFailedLine(line)
			if len(detail) > 0 {
				message = strings.Join(detail, " | ")
			}
			file, lineNo, testName := splitNodeID(nodeID)
			records = append(records, record{
				nodeID:    nodeID,
				file:      file,
				line:      lineNo,
				testName:  testName,
				errorType: errorType,
				message:   message,
			})
			i = j - 1
			continue
		}
		if m := wrapperLineRe.FindStringSubmatch(line); m != nil {
			records = append(records, record{
				nodeID:    m[1] + "::" + m[2],
				file:      m[1],
				testName:  m[2],
				errorType: m[3],
				message:   m[4],
			})
		}
	}
	return records
}

// parseErrorBlocks handles the alternate wrapper style that prints
// "E  ErrorType: message" preceded by a traceback location within a few
// lines.
func parseErrorBlocks(lines []string) []record {
	var records []record
	for i, line := range lines {
		m := errorLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		rec := record{testName: "unknown", nodeID: "unknown", errorType: m[1], message: m[2]}
		start := i - 6
		if start < 0 {
			start = 0
		}
		for k := start; k < i; k++ {
			if loc := tracebackRe.FindStringSubmatch(lines[k]); loc != nil {
				rec.file = loc[1]
				rec.line, _ = strconv.Atoi(loc[2])
				rec.testName = loc[3]
				rec.nodeID = rec.file + "::" + rec.testName
			}
		}
		records = append(records, rec)
	}
	return records
}

func parseFailedLine(line string) (nodeID, errorType, message string) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "FAILED "))
	nodeID, rhs, found := strings.Cut(rest, " - ")
	if !found {
		return rest, "AssertionError", "failure"
	}
	errorType, message, found = strings.Cut(rhs, ": ")
	if !found {
		return strings.TrimSpace(nodeID), "AssertionError", strings.TrimSpace(rhs)
	}
	return strings.TrimSpace(nodeID), strings.TrimSpace(errorType), strings.TrimSpace(message)
}

func splitNodeID(nodeID string) (file string, line int, testName string) {
	parts := strings.Split(nodeID, "::")
	file = parts[0]
	testName = "unknown"
	if len(parts) > 1 {
		testName = parts[len(parts)-1]
	}
	if m := fileLineRe.FindStringSubmatch(file); m != nil {
		file = m[1]
		line, _ = strconv.Atoi(m[2])
	}
	return file, line, testName
}

func parseFailedCount(output string) int {
	for _, line := range strings.Split(output, "\n") {
		if m := failedCountRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			n, _ := strconv.Atoi(m[1])
			return n
		}
	}
	return 0
}

func truncateExcerpt(raw string) string {
	if len(raw) <= MaxExcerptChars {
		return raw
	}
	return raw[:MaxExcerptChars] + "\n...[truncated]"
}
