package crisis

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// ErrRulesetInvalid is returned when a ruleset fails validation.
var ErrRulesetInvalid = errors.New("invalid ruleset")

// DefaultMinTextLength applies when a ruleset does not set one.
const DefaultMinTextLength = 3

// Category is a named group of keywords sharing a severity and weight.
type Category struct {
	Name     string   `yaml:"name"`
	Severity string   `yaml:"severity"`
	Weight   float64  `yaml:"weight"`
	Keywords []string `yaml:"keywords"`

	level    RiskLevel
	patterns []pattern
}

type pattern struct {
	text  string // normalized and space-padded
	words int
}

// Level returns the parsed severity of the category.
func (c *Category) Level() RiskLevel {
	return c.level
}

// Ruleset is a versioned, immutable keyword table used by the Analyzer.
type Ruleset struct {
	Version                 string     `yaml:"version"`
	MinTextLength           int        `yaml:"min_text_length"`
	KeywordBonus            float64    `yaml:"keyword_bonus"`
	MaxKeywordBonus         float64    `yaml:"max_keyword_bonus"`
	MultiCategoryMultiplier float64    `yaml:"multi_category_multiplier"`
	Categories              []Category `yaml:"categories"`
}

var compiledDefaultRuleset = sync.OnceValues(func() (*Ruleset, error) {
	return LoadRuleset(defaultRulesYAML)
})

// DefaultRuleset returns a copy of the embedded ruleset. The YAML is parsed
// and compiled once per process.
func DefaultRuleset() *Ruleset {
	rs, err := compiledDefaultRuleset()
	if err != nil {
		// The embedded file is validated by tests; a failure here is a build defect.
		panic(fmt.Sprintf("embedded crisis ruleset is invalid: %v", err))
	}
	return rs.Clone()
}

// Clone returns a copy whose top-level settings and category list can be
// changed without affecting rs. Compiled keyword patterns are shared.
func (rs *Ruleset) Clone() *Ruleset {
	if rs == nil {
		return nil
	}
	clone := *rs
	clone.Categories = append([]Category(nil), rs.Categories...)
	return &clone
}

// LoadRuleset parses and validates a YAML ruleset.
func LoadRuleset(data []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("%w: failed to parse yaml: %v", ErrRulesetInvalid, err)
	}

	if err := rs.compile(); err != nil {
		return nil, err
	}

	return &rs, nil
}

// compile validates the ruleset and precomputes normalized keyword patterns.
func (rs *Ruleset) compile() error {
	if strings.TrimSpace(rs.Version) == "" {
		return fmt.Errorf("%w: missing version", ErrRulesetInvalid)
	}
	if len(rs.Categories) == 0 {
		return fmt.Errorf("%w: no categories defined", ErrRulesetInvalid)
	}
	if rs.MinTextLength <= 0 {
		rs.MinTextLength = DefaultMinTextLength
	}
	if rs.MultiCategoryMultiplier < 1 {
		rs.MultiCategoryMultiplier = 1
	}
	if rs.KeywordBonus < 0 || rs.MaxKeywordBonus < 0 {
		return fmt.Errorf("%w: keyword bonus must not be negative", ErrRulesetInvalid)
	}

	seen := make(map[string]bool)
	for i := range rs.Categories {
		c := &rs.Categories[i]
		if c.Name == "" {
			return fmt.Errorf("%w: category at position %d has no name", ErrRulesetInvalid, i+1)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate category %q", ErrRulesetInvalid, c.Name)
		}
		seen[c.Name] = true

		level, err := ParseRiskLevel(c.Severity)
		if err != nil {
			return fmt.Errorf("%w: category %q: %v", ErrRulesetInvalid, c.Name, err)
		}
		c.level = level

		if c.Weight <= 0 || c.Weight > MaxRiskScore {
			return fmt.Errorf("%w: category %q: weight must be in (0, %.0f]", ErrRulesetInvalid, c.Name, MaxRiskScore)
		}
		if len(c.Keywords) == 0 {
			return fmt.Errorf("%w: category %q has no keywords", ErrRulesetInvalid, c.Name)
		}

		c.patterns = c.patterns[:0]
		dedup := make(map[string]bool)
		for _, kw := range c.Keywords {
			norm := normalize(kw)
			if norm == "" || dedup[norm] {
				continue
			}
			dedup[norm] = true
			c.patterns = append(c.patterns, pattern{
				text:  " " + norm + " ",
				words: len(strings.Fields(norm)),
			})
		}
		if len(c.patterns) == 0 {
			return fmt.Errorf("%w: category %q has only empty keywords", ErrRulesetInvalid, c.Name)
		}
	}

	return nil
}

// normalize lowercases text, drops apostrophes and collapses every run of
// non-alphanumeric characters into a single space.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’':
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
