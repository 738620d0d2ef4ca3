package crisis

import (
	"fmt"
	"strings"
	"time"
)

// RiskLevel is the categorical severity derived from a numeric risk score.
// It is the canonical representation used by analysis, escalation and the UI.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (l RiskLevel) String() string {
	switch l {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a level name into a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return RiskNone, nil
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	case "critical":
		return RiskCritical, nil
	default:
		return RiskNone, fmt.Errorf("unknown risk level %q", s)
	}
}

// MarshalText encodes the level by name so persisted and API payloads stay readable.
func (l RiskLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name.
func (l *RiskLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseRiskLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Score thresholds on the 0-10 scale. A score at or above a threshold maps to that level.
const (
	LowScoreThreshold      = 1.0
	MediumScoreThreshold   = 4.0
	HighScoreThreshold     = 6.5
	CriticalScoreThreshold = 9.0

	MaxRiskScore = 10.0
)

// LevelForScore maps a clamped 0-10 score to its RiskLevel.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score >= CriticalScoreThreshold:
		return RiskCritical
	case score >= HighScoreThreshold:
		return RiskHigh
	case score >= MediumScoreThreshold:
		return RiskMedium
	case score >= LowScoreThreshold:
		return RiskLow
	default:
		return RiskNone
	}
}

// AnalysisContext carries optional metadata about where the text came from.
type AnalysisContext struct {
	UserID   string `json:"userId,omitempty"`
	Language string `json:"language,omitempty"`

	// Source is "compose", "post" or "edit".
	Source string `json:"source,omitempty"`
}

// AnalysisResult is the immutable output of a single analysis.
// It references the input by hash only; raw text is never retained.
type AnalysisResult struct {
	ID                 string    `json:"id"`
	TextHash           string    `json:"textHash"`
	Score              float64   `json:"score"`
	Level              RiskLevel `json:"level"`
	Categories         []string  `json:"categories"`
	Confidence         float64   `json:"confidence"`
	EscalationRequired bool      `json:"escalationRequired"`
	EmergencyServices  bool      `json:"emergencyServices"`
	RulesetVersion     string    `json:"rulesetVersion"`
	AnalyzedAt         time.Time `json:"analyzedAt"`

	// Error is set when analysis failed internally and a neutral result was substituted.
	Error string `json:"error,omitempty"`
}

// Neutral reports whether the result carries no risk signal.
func (r AnalysisResult) Neutral() bool {
	return r.Level == RiskNone && len(r.Categories) == 0
}

// HasCategory reports whether the result matched the named category.
func (r AnalysisResult) HasCategory(name string) bool {
	for _, c := range r.Categories {
		if c == name {
			return true
		}
	}
	return false
}

// ActionKind identifies what an escalation action asks the execution layer to do.
type ActionKind string

const (
	ActionCallEmergency     ActionKind = "call-emergency"
	ActionContactCrisisLine ActionKind = "contact-crisis-line"
	ActionContactHotline    ActionKind = "contact-hotline"
	ActionShowResources     ActionKind = "show-resources"
	ActionNotifyResponder   ActionKind = "notify-responder"
	ActionCopingExercise    ActionKind = "coping-exercise"
)

// ActionStatus is the execution status of an escalation action.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionExecuted ActionStatus = "executed"
	ActionFailed   ActionStatus = "failed"
)

// Action is a recommended escalation step.
type Action struct {
	ID          string       `json:"id"`
	Kind        ActionKind   `json:"kind"`
	Description string       `json:"description"`
	Status      ActionStatus `json:"status"`

	// Priority orders actions for display; lower is more urgent.
	Priority int `json:"priority"`
}

// Alert is the current-view projection of the escalation state.
type Alert struct {
	AnalysisID    string    `json:"analysisId"`
	Severity      RiskLevel `json:"severity"`
	Message       string    `json:"message"`
	Actions       []Action  `json:"actions"`
	Resources     []string  `json:"resources"`
	Categories    []string  `json:"categories"`
	EmergencyMode bool      `json:"emergencyMode"`
	Timestamp     time.Time `json:"timestamp"`
}

// Clone returns a deep copy so callers cannot mutate machine-owned slices.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Actions = append([]Action(nil), a.Actions...)
	clone.Resources = append([]string(nil), a.Resources...)
	clone.Categories = append([]string(nil), a.Categories...)
	return &clone
}

// Trend summarises the direction of recent analyses.
type Trend string

const (
	TrendUnknown   Trend = "unknown"
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendWorsening Trend = "worsening"
)
