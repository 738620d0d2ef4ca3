package hashtag

import "strings"

var categorySeparators = strings.NewReplacer("-", " ", "_", " ", "/", " ")

// extractCategoryTags turns ruleset category names into hashtags.
//
// Category names are kebab-case identifiers. Each one becomes a single
// CamelCase tag so that related words stay together:
//   - "suicidal" -> #Suicidal
//   - "self-harm" -> #SelfHarm
//   - "acute-distress" -> #AcuteDistress
//
// Empty names are skipped. Deduplication happens later.
func extractCategoryTags(categories []string) []string {
	if len(categories) == 0 {
		return nil
	}

	var tags []string
	for _, category := range categories {
		words := strings.Fields(categorySeparators.Replace(strings.ToLower(category)))
		if len(words) == 0 {
			continue
		}
		tags = append(tags, "#"+camelCase(strings.Join(words, " ")))
	}

	return tags
}
