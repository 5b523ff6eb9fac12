package secrets

import (
	"fmt"
	"regexp"
)

const defaultRedaction = "[REDACTED]"

// Config is the declarative scrubber configuration. Patterns stay as
// strings here so the whole thing round-trips through koanf; New
// compiles them into a ruleSet.
type Config struct {
	Enabled bool `koanf:"enabled"`

	// Rules are the detection rules. Empty means DefaultRules.
	Rules []Rule `koanf:"rules"`

	// RedactionString replaces each detected secret.
	RedactionString string `koanf:"redaction_string"`

	// AllowList holds regex patterns for matches that are known
	// false positives (fixture tokens, documentation samples).
	AllowList []string `koanf:"allow_list"`
}

// Rule is a single detection rule.
type Rule struct {
	ID          string   `koanf:"id"`
	Description string   `koanf:"description"`
	Pattern     string   `koanf:"pattern"`
	Keywords    []string `koanf:"keywords"` // gate: rule only runs when one appears in the input
	Severity    string   `koanf:"severity"` // high, medium, low
}

// DefaultConfig returns an enabled config with the standard rules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		RedactionString: defaultRedaction,
		Rules:           DefaultRules(),
	}
}

// Validate checks that every rule and allow-list entry would compile.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	_, err := compileConfig(c)
	return err
}

// ruleSet is the compiled form of a Config.
type ruleSet struct {
	rules     []compiledRule
	allow     []*regexp.Regexp
	redaction string
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

func compileConfig(c *Config) (*ruleSet, error) {
	rs := &ruleSet{redaction: c.RedactionString}
	if rs.redaction == "" {
		rs.redaction = defaultRedaction
	}

	for i, rule := range c.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: ID is required", i)
		}
		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		cr := compiledRule{Rule: rule, pattern: pattern}
		for _, kw := range rule.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		rs.rules = append(rs.rules, cr)
	}

	for i, pattern := range c.AllowList {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		rs.allow = append(rs.allow, compiled)
	}

	return rs, nil
}

// allowed reports whether the matched text is on the allow list.
func (rs *ruleSet) allowed(match string) bool {
	for _, pattern := range rs.allow {
		if pattern.MatchString(match) {
			return true
		}
	}
	return false
}
