package formatter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/mattermost/mattermost-plugin-crisis-support/server/crisis"
	"github.com/mattermost/mattermost-plugin-crisis-support/server/offline"
)

// Risk level colors
const (
	ColorCritical = "#FF0000" // Red 🔴
	ColorHigh     = "#FF9900" // Orange 🟠
	ColorMedium   = "#FFFF00" // Yellow 🟡
	ColorLow      = "#3399FF" // Blue 🔵
	ColorUnknown  = "#808080" // Gray ⚪
)

// Risk level emojis
const (
	EmojiCritical = "🔴"
	EmojiHigh     = "🟠"
	EmojiMedium   = "🟡"
	EmojiLow      = "🔵"
	EmojiUnknown  = "⚪"
)

// Footer is appended to every attachment produced by this package.
const Footer = "Crisis Support"

// ResponderNotice is what a responder channel is told about an escalation.
// It carries the analysis but never the analysed text.
type ResponderNotice struct {
	UserID   string
	Username string
	Result   crisis.AnalysisResult
	Actions  []crisis.Action
	Trend    crisis.Trend
	Source   string
	PostLink string
}

// FormatResponderNotice converts an escalation into a Mattermost SlackAttachment
// for the responder channel.
func FormatResponderNotice(n ResponderNotice) *model.SlackAttachment {
	attachment := &model.SlackAttachment{}

	who := n.UserID
	if n.Username != "" {
		who = "@" + n.Username
	}

	emoji := getLevelEmoji(n.Result.Level)
	if n.PostLink != "" {
		attachment.Text = fmt.Sprintf("#### %s [%s risk detected for %s](%s)", emoji, titleCase(n.Result.Level.String()), who, n.PostLink)
	} else {
		attachment.Text = fmt.Sprintf("#### %s %s risk detected for %s", emoji, titleCase(n.Result.Level.String()), who)
	}

	attachment.Color = getLevelColor(n.Result.Level)

	var fields []*model.SlackAttachmentField

	// 1. Score + Confidence (side by side)
	fields = append(fields,
		&model.SlackAttachmentField{
			Title: "Risk Score",
			Value: fmt.Sprintf("%.1f / %.0f", n.Result.Score, crisis.MaxRiskScore),
			Short: true,
		},
		&model.SlackAttachmentField{
			Title: "Confidence",
			Value: fmt.Sprintf("%.0f%%", n.Result.Confidence*100),
			Short: true,
		},
	)

	// 2. Analyzed At + Trend
	fields = append(fields, &model.SlackAttachmentField{
		Title: "Analyzed At",
		Value: formatTime(n.Result.AnalyzedAt),
		Short: true,
	})
	if n.Trend != "" && n.Trend != crisis.TrendUnknown {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Trend",
			Value: titleCase(string(n.Trend)),
			Short: true,
		})
	}

	// 3. Categories
	if len(n.Result.Categories) > 0 {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Categories",
			Value: formatBulletList(n.Result.Categories),
			Short: false,
		})
	}

	// 4. Recommended actions, most urgent first
	if len(n.Actions) > 0 {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Recommended Actions",
			Value: formatActions(n.Actions),
			Short: false,
		})
	}

	// 5. Emergency notice for critical analyses
	if n.Result.EmergencyServices {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Emergency",
			Value: "Emergency services were recommended to the user.",
			Short: false,
		})
	}

	attachment.Fields = fields

	footer := []string{Footer, n.Result.Level.String()}
	if n.Result.RulesetVersion != "" {
		footer = append(footer, "ruleset "+n.Result.RulesetVersion)
	}
	if n.Source != "" {
		footer = append(footer, n.Source)
	}
	attachment.Footer = strings.Join(footer, " | ")

	return attachment
}

// FormatAlert renders the user-facing alert with its actions and resources.
func FormatAlert(alert *crisis.Alert, resources []offline.Resource) *model.SlackAttachment {
	attachment := &model.SlackAttachment{
		Text:   fmt.Sprintf("#### %s %s", getLevelEmoji(alert.Severity), alert.Message),
		Color:  getLevelColor(alert.Severity),
		Footer: fmt.Sprintf("%s | %s", Footer, alert.Severity.String()),
	}

	var fields []*model.SlackAttachmentField

	if len(alert.Actions) > 0 {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "What you can do now",
			Value: formatActions(alert.Actions),
			Short: false,
		})
	}

	if len(resources) > 0 {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Support Resources",
			Value: formatResources(resources),
			Short: false,
		})
	}

	attachment.Fields = fields

	return attachment
}

// FormatSyncFailure describes a queued item that could not be delivered.
func FormatSyncFailure(f offline.TerminalFailure) *model.SlackAttachment {
	attachment := &model.SlackAttachment{
		Text:   fmt.Sprintf("#### %s Some data could not be synced", EmojiUnknown),
		Color:  ColorUnknown,
		Footer: fmt.Sprintf("%s | sync", Footer),
	}

	fields := []*model.SlackAttachmentField{
		{
			Title: "Item Type",
			Value: f.Item.Type,
			Short: true,
		},
		{
			Title: "Attempts",
			Value: fmt.Sprintf("%d", f.Item.RetryCount),
			Short: true,
		},
		{
			Title: "Queued At",
			Value: formatTime(f.Item.CreatedAt),
			Short: true,
		},
		{
			Title: "Failed At",
			Value: formatTime(f.FailedAt),
			Short: true,
		},
	}

	if f.Reason != "" {
		fields = append(fields, &model.SlackAttachmentField{
			Title: "Reason",
			Value: truncateText(f.Reason, 500),
			Short: false,
		})
	}

	attachment.Fields = fields

	return attachment
}

// getLevelColor returns the color code for a risk level
func getLevelColor(level crisis.RiskLevel) string {
	switch level {
	case crisis.RiskCritical:
		return ColorCritical
	case crisis.RiskHigh:
		return ColorHigh
	case crisis.RiskMedium:
		return ColorMedium
	case crisis.RiskLow:
		return ColorLow
	default:
		return ColorUnknown
	}
}

// getLevelEmoji returns the emoji for a risk level
func getLevelEmoji(level crisis.RiskLevel) string {
	switch level {
	case crisis.RiskCritical:
		return EmojiCritical
	case crisis.RiskHigh:
		return EmojiHigh
	case crisis.RiskMedium:
		return EmojiMedium
	case crisis.RiskLow:
		return EmojiLow
	default:
		return EmojiUnknown
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// formatTime formats a time.Time to a readable string
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Unknown"
	}
	return t.Format("2006-01-02 15:04:05 MST")
}

// formatBulletList formats a slice of strings as a bulleted list
func formatBulletList(items []string) string {
	bullets := make([]string, len(items))
	for i, item := range items {
		bullets[i] = fmt.Sprintf("• %s", item)
	}
	return strings.Join(bullets, "\n")
}

// formatActions lists actions by priority with their execution status
func formatActions(actions []crisis.Action) string {
	sorted := append([]crisis.Action(nil), actions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	lines := make([]string, len(sorted))
	for i, a := range sorted {
		line := fmt.Sprintf("%d. %s", i+1, a.Description)
		if a.Status != "" && a.Status != crisis.ActionPending {
			line += fmt.Sprintf(" _(%s)_", a.Status)
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

// formatResources lists resources with their contact details
func formatResources(resources []offline.Resource) string {
	lines := make([]string, len(resources))
	for i, r := range resources {
		if r.Contact != "" {
			lines[i] = fmt.Sprintf("• **%s**: %s", r.Title, r.Contact)
		} else {
			lines[i] = fmt.Sprintf("• **%s**", r.Title)
		}
	}
	return strings.Join(lines, "\n")
}

// truncateText truncates text to maxLen characters, adding "..." if truncated
func truncateText(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}
