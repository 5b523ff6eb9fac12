package secrets

import (
	"sort"
	"strings"
	"time"
)

// Scrubber detects and redacts secrets in captured output.
type Scrubber interface {
	// Scrub redacts every detected secret.
	Scrub(content string) *Result

	// ScrubBytes is Scrub for byte slices.
	ScrubBytes(content []byte) *Result

	// Check reports findings but leaves the content untouched.
	Check(content string) *Result

	// IsEnabled reports whether scrubbing is active.
	IsEnabled() bool
}

// New compiles cfg into a Scrubber. A nil cfg means DefaultConfig.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return &NoopScrubber{}, nil
	}
	rs, err := compileConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &scrubber{rules: rs}, nil
}

// MustNew is New for static configs known to be valid.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// scrubber runs a compiled ruleSet over input. The ruleSet is immutable
// after construction so a scrubber is safe for concurrent use.
type scrubber struct {
	rules *ruleSet
}

// span is a half-open byte range slated for redaction.
type span struct {
	start, end int
}

func (s *scrubber) Scrub(content string) *Result {
	started := time.Now()
	result := &Result{
		Original: content,
		Scrubbed: content,
		Findings: []Finding{},
		ByRule:   map[string]int{},
	}

	var spans []span
	for i := range s.rules.rules {
		rule := &s.rules.rules[i]
		if !s.keywordGateOpen(rule, content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.rules.allowed(content[m[0]:m[1]]) {
				continue
			}
			result.Findings = append(result.Findings, Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Severity:    rule.Severity,
				StartIndex:  m[0],
				EndIndex:    m[1],
				Line:        strings.Count(content[:m[0]], "\n") + 1,
			})
			result.ByRule[rule.ID]++
			spans = append(spans, span{start: m[0], end: m[1]})
		}
	}
	result.TotalFindings = len(result.Findings)

	if len(spans) > 0 {
		result.Scrubbed = s.redact(content, mergeSpans(spans))
	}

	result.Duration = time.Since(started)
	return result
}

func (s *scrubber) ScrubBytes(content []byte) *Result {
	return s.Scrub(string(content))
}

func (s *scrubber) Check(content string) *Result {
	result := s.Scrub(content)
	result.Scrubbed = result.Original
	return result
}

func (s *scrubber) IsEnabled() bool {
	return true
}

// keywordGateOpen reports whether the rule applies to this input. Rules
// without keywords always apply.
func (s *scrubber) keywordGateOpen(rule *compiledRule, content string) bool {
	if len(rule.keywords) == 0 {
		return true
	}
	for _, kw := range rule.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

// redact rebuilds content with each merged span replaced. Spans must be
// sorted and non-overlapping.
func (s *scrubber) redact(content string, spans []span) string {
	var b strings.Builder
	prev := 0
	for _, sp := range spans {
		b.WriteString(content[prev:sp.start])
		b.WriteString(s.rules.redaction)
		prev = sp.end
	}
	b.WriteString(content[prev:])
	return b.String()
}

// mergeSpans sorts spans and coalesces any that overlap, so nested or
// double-matched secrets redact cleanly.
func mergeSpans(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}
	return merged
}

// NoopScrubber passes content through untouched. Used when scrubbing is
// disabled in config.
type NoopScrubber struct{}

func (n *NoopScrubber) Scrub(content string) *Result {
	return &Result{
		Original: content,
		Scrubbed: content,
		Findings: []Finding{},
		ByRule:   map[string]int{},
	}
}

func (n *NoopScrubber) ScrubBytes(content []byte) *Result {
	return n.Scrub(string(content))
}

func (n *NoopScrubber) Check(content string) *Result {
	return n.Scrub(content)
}

func (n *NoopScrubber) IsEnabled() bool {
	return false
}

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = (*NoopScrubber)(nil)
)
