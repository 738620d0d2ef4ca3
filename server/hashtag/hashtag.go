package hashtag

import (
	"strings"

	"github.com/mattermost/mattermost-plugin-crisis-support/server/crisis"
)

// Input is the subset of an analysis that hashtags are derived from.
type Input struct {
	Level      crisis.RiskLevel
	Categories []string
	Trend      crisis.Trend
	Source     string
}

// Generate creates formatted hashtag text for a responder notice.
//
// Order of hashtags:
// 1. Risk level (#Critical, #High, #Medium)
// 2. Matched categories, in the order reported by the analyzer
// 3. Trend, only when it is moving (#Worsening, #Improving)
// 4. Source (#Post, #Edit, #Compose)
//
// Returns formatted string (e.g., "🏷️ #Critical, #Suicidal, #SelfHarm")
func Generate(in Input) string {
	var allTags []string

	allTags = append(allTags, extractLevelTag(in.Level))
	allTags = append(allTags, extractCategoryTags(in.Categories)...)

	if in.Trend == crisis.TrendWorsening || in.Trend == crisis.TrendImproving {
		allTags = append(allTags, "#"+capitalize(string(in.Trend)))
	}

	if source := strings.TrimSpace(in.Source); source != "" {
		allTags = append(allTags, "#"+capitalize(source))
	}

	return formatHashtagText(deduplicateTags(allTags))
}

// extractLevelTag extracts hashtag from the risk level.
func extractLevelTag(level crisis.RiskLevel) string {
	name := level.String()
	if level == crisis.RiskNone || name == "unknown" {
		return "#Unrated"
	}
	return "#" + capitalize(name)
}

// deduplicateTags removes duplicate tags (case-insensitive) while preserving order.
func deduplicateTags(tags []string) []string {
	seen := make(map[string]bool)
	var uniqueTags []string

	for _, tag := range tags {
		tagLower := strings.ToLower(tag)
		if !seen[tagLower] {
			uniqueTags = append(uniqueTags, tag)
			seen[tagLower] = true
		}
	}

	return uniqueTags
}

// formatHashtagText formats hashtags as comma-separated text with emoji prefix.
func formatHashtagText(tags []string) string {
	if len(tags) == 0 {
		return ""
	}

	return "🏷️ " + strings.Join(tags, ", ")
}

func capitalize(word string) string {
	word = strings.TrimSpace(word)
	if word == "" {
		return ""
	}
	return strings.ToUpper(word[:1]) + strings.ToLower(word[1:])
}

// camelCase converts text to CamelCase by capitalizing first letter of each word
// and removing spaces.
func camelCase(text string) string {
	words := strings.Fields(text)
	var result strings.Builder

	for _, word := range words {
		if len(word) > 0 {
			result.WriteString(strings.ToUpper(word[:1]))
			if len(word) > 1 {
				result.WriteString(word[1:])
			}
		}
	}

	return result.String()
}
