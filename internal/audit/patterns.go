package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// PatternSet is a named collection of rules applied by Scan.
type PatternSet struct {
	// Name identifies the set in logs and scan results.
	Name string `toml:"name" koanf:"name" json:"name"`

	// Rules are the phrasing rules to evaluate.
	Rules []Rule `toml:"rules" koanf:"rules" json:"rules"`

	// Credentials enables the gitleaks credential rules. Their matches are
	// reported as "secret:<rule-id>".
	Credentials bool `toml:"credentials" koanf:"credentials" json:"credentials"`

	// Allowlist holds content regexes the credential rules ignore.
	Allowlist []string `toml:"allowlist" koanf:"allowlist" json:"allowlist,omitempty"`
}

// Rule describes one suspicious phrasing.
//
// A rule with only keywords matches when any keyword appears, ignoring
// case. A rule with a pattern matches when the pattern matches; if it also
// has keywords, at least one keyword must be present first.
type Rule struct {
	// ID is reported in matches.
	ID string `toml:"id" koanf:"id" json:"id"`

	Description string `toml:"description" koanf:"description" json:"description,omitempty"`

	// Pattern is a Go regular expression.
	Pattern string `toml:"pattern" koanf:"pattern" json:"pattern,omitempty"`

	// Keywords are literal substrings, matched case-insensitively.
	Keywords []string `toml:"keywords" koanf:"keywords" json:"keywords,omitempty"`

	// Severity is informational (high, medium, low).
	Severity string `toml:"severity" koanf:"severity" json:"severity,omitempty"`
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []*regexp.Regexp
}

func (r *compiledRule) matches(text string) bool {
	if len(r.keywords) > 0 {
		found := false
		for _, kw := range r.keywords {
			if kw.MatchString(text) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.pattern == nil {
		return true
	}
	return r.pattern.MatchString(text)
}

type compiledSet struct {
	name        string
	rules       []*compiledRule
	credentials bool
	allowlist   []string
}

// Validate compiles every rule and reports the first problem.
func (ps PatternSet) Validate() error {
	_, err := ps.compile()
	return err
}

func (ps PatternSet) compile() (*compiledSet, error) {
	cs := &compiledSet{
		name:        ps.Name,
		rules:       make([]*compiledRule, 0, len(ps.Rules)),
		credentials: ps.Credentials,
		allowlist:   slices.Clone(ps.Allowlist),
	}

	seen := make(map[string]struct{}, len(ps.Rules))
	for i, rule := range ps.Rules {
		if strings.TrimSpace(rule.ID) == "" {
			return nil, fmt.Errorf("%w: rule %d: id is required", ErrInvalidRule, i)
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("%w: rule %s: duplicate id", ErrInvalidRule, rule.ID)
		}
		seen[rule.ID] = struct{}{}
		if rule.Pattern == "" && len(rule.Keywords) == 0 {
			return nil, fmt.Errorf("%w: rule %s: pattern or keywords required", ErrInvalidRule, rule.ID)
		}

		compiled := &compiledRule{Rule: rule, keywords: make([]*regexp.Regexp, 0, len(rule.Keywords))}
		if rule.Pattern != "" {
			pattern, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRegex, rule.ID, err)
			}
			compiled.pattern = pattern
		}
		for _, kw := range rule.Keywords {
			if kw == "" {
				return nil, fmt.Errorf("%w: rule %s: empty keyword", ErrInvalidRule, rule.ID)
			}
			compiled.keywords = append(compiled.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		cs.rules = append(cs.rules, compiled)
	}

	for _, pattern := range ps.Allowlist {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: allowlist pattern %q: %v", ErrInvalidRegex, pattern, err)
		}
	}
	return cs, nil
}

// match returns the ids of every rule matching text.
func (cs *compiledSet) match(text string) []string {
	var ids []string
	for _, r := range cs.rules {
		if r.matches(text) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// LoadPatternSet reads a TOML pattern file. An empty name defaults to the
// file's base name.
func LoadPatternSet(path string) (PatternSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return PatternSet{}, err
	}
	defer f.Close()

	ps, err := ReadPatternSet(f)
	if err != nil {
		return PatternSet{}, fmt.Errorf("%s: %w", path, err)
	}
	if ps.Name == "" {
		ps.Name = strings.TrimSuffix(filepath.Base(path), ".toml")
	}
	return ps, nil
}

// ReadPatternSet decodes and validates a TOML pattern set.
func ReadPatternSet(r io.Reader) (PatternSet, error) {
	var ps PatternSet
	md, err := toml.NewDecoder(r).Decode(&ps)
	if err != nil {
		return PatternSet{}, fmt.Errorf("%w: %v", ErrInvalidTOML, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return PatternSet{}, fmt.Errorf("%w: unknown key %q", ErrInvalidTOML, undecoded[0].String())
	}
	if err := ps.Validate(); err != nil {
		return PatternSet{}, err
	}
	return ps, nil
}
