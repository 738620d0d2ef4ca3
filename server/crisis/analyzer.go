package crisis

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Analyzer scores free text against a ruleset. It holds no mutable state and
// is safe for concurrent use.
type Analyzer struct {
	rules *Ruleset
	clock clock.Clock
}

// NewAnalyzer creates an analyzer for the given ruleset. A nil ruleset selects the embedded default.
func NewAnalyzer(rules *Ruleset) *Analyzer {
	if rules == nil {
		rules = DefaultRuleset()
	}
	return &Analyzer{
		rules: rules,
		clock: clock.New(),
	}
}

// SetClock overrides the time source (useful for testing)
func (a *Analyzer) SetClock(c clock.Clock) {
	a.clock = c
}

// Ruleset returns the ruleset the analyzer was built with.
func (a *Analyzer) Ruleset() *Ruleset {
	return a.rules
}

// MinTextLength is the shortest input, in characters, that will be scored.
func (a *Analyzer) MinTextLength() int {
	return a.rules.MinTextLength
}

type categoryMatch struct {
	category *Category
	keywords int
	words    int
}

// Analyze scores text and never fails: text shorter than the minimum length
// yields a neutral result, and any internal fault is converted into a
// neutral result carrying the error message.
func (a *Analyzer) Analyze(text string, actx AnalysisContext) (result AnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			result = a.neutral(text)
			result.Error = fmt.Sprintf("analysis failed: %v", r)
		}
	}()

	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < a.rules.MinTextLength {
		return a.neutral(text)
	}

	norm := normalize(trimmed)
	totalWords := len(strings.Fields(norm))
	padded := " " + norm + " "

	var matches []categoryMatch
	for i := range a.rules.Categories {
		c := &a.rules.Categories[i]
		m := categoryMatch{category: c}
		for _, p := range c.patterns {
			if strings.Contains(padded, p.text) {
				m.keywords++
				m.words += p.words
			}
		}
		if m.keywords > 0 {
			matches = append(matches, m)
		}
	}

	result = a.neutral(text)
	if len(matches) == 0 {
		return result
	}

	var (
		base          float64
		keywordHits   int
		matchedWords  int
		severeMatches int
		floor         = RiskNone
	)
	for _, m := range matches {
		base = math.Max(base, m.category.Weight)
		keywordHits += m.keywords
		matchedWords += m.words
		if m.category.level >= RiskHigh {
			severeMatches++
		}
		if m.category.level > floor {
			floor = m.category.level
		}
		result.Categories = append(result.Categories, m.category.Name)
	}
	sort.Strings(result.Categories)

	bonus := math.Min(float64(keywordHits-1)*a.rules.KeywordBonus, a.rules.MaxKeywordBonus)
	score := base + bonus
	if severeMatches >= 2 {
		score *= a.rules.MultiCategoryMultiplier
	}
	score = clampScore(score)

	level := LevelForScore(score)
	if floor > level {
		level = floor
	}

	result.Score = score
	result.Level = level
	result.Confidence = confidence(matchedWords, totalWords)
	result.EscalationRequired = level >= RiskMedium
	result.EmergencyServices = level == RiskCritical

	return result
}

func (a *Analyzer) neutral(text string) AnalysisResult {
	return AnalysisResult{
		ID:             uuid.NewString(),
		TextHash:       HashText(text),
		Level:          RiskNone,
		Categories:     []string{},
		RulesetVersion: a.rules.Version,
		AnalyzedAt:     a.clock.Now().UTC(),
	}
}

// confidence grows with the share of words that matched known patterns.
// A text with no matches is evaluated as entirely neutral and reports zero.
func confidence(matchedWords, totalWords int) float64 {
	if matchedWords == 0 || totalWords == 0 {
		return 0
	}
	coverage := float64(matchedWords) / float64(totalWords)
	c := 0.5 + 0.5*math.Min(1, coverage*2)
	return math.Round(c*100) / 100
}

func clampScore(score float64) float64 {
	switch {
	case math.IsNaN(score) || score < 0:
		return 0
	case score > MaxRiskScore:
		return MaxRiskScore
	default:
		return math.Round(score*10) / 10
	}
}

// HashText returns a stable identifier for text so results never retain the raw input.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(normalize(text)))
	return hex.EncodeToString(sum[:16])
}
