package offline

// Resource types
const (
	TypeHotline      = "hotline"
	TypeCopingScript = "coping-script"
	TypeSafetyPlan   = "safety-plan"
	TypeStaticPage   = "static-page"
	TypeArticle      = "article"
)

// Feature names queried through IsFeatureAvailable
const (
	FeatureCrisisHotline      = "crisis-hotline"
	FeatureEmergencyServices  = "emergency-services"
	FeatureGroundingExercises = "grounding-exercises"
	FeatureSafetyPlan         = "safety-plan"
	FeatureSelfCare           = "self-care"
	FeatureJournal            = "journal"
	FeatureMoodTracker        = "mood-tracker"
	FeatureCommunity          = "community"
)

// Resource is a piece of cached content.
type Resource struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Feature  string `json:"feature"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	Contact  string `json:"contact,omitempty"`
	Language string `json:"language"`
	Crisis   bool   `json:"crisis"`
}

// DefaultCatalog returns the bundled resources. Crisis entries are always
// cached; the rest are cached according to the active strategy.
func DefaultCatalog() []Resource {
	return []Resource{
		{
			ID:       "hotline-988",
			Type:     TypeHotline,
			Feature:  FeatureCrisisHotline,
			Title:    "988 Suicide & Crisis Lifeline",
			Content:  "Call or text 988 any time, day or night, to reach a trained crisis counselor.",
			Contact:  "988",
			Language: "en",
			Crisis:   true,
		},
		{
			ID:       "text-line-741741",
			Type:     TypeHotline,
			Feature:  FeatureCrisisHotline,
			Title:    "Crisis Text Line",
			Content:  "Text HOME to 741741 to connect with a volunteer crisis counselor.",
			Contact:  "741741",
			Language: "en",
			Crisis:   true,
		},
		{
			ID:       "emergency-911",
			Type:     TypeHotline,
			Feature:  FeatureEmergencyServices,
			Title:    "Emergency services",
			Content:  "If you or someone else is in immediate danger, call 911.",
			Contact:  "911",
			Language: "en",
			Crisis:   true,
		},
		{
			ID:       "grounding-54321",
			Type:     TypeCopingScript,
			Feature:  FeatureGroundingExercises,
			Title:    "5-4-3-2-1 grounding",
			Content:  "Name 5 things you can see, 4 you can touch, 3 you can hear, 2 you can smell and 1 you can taste.",
			Language: "en",
			Crisis:   true,
		},
		{
			ID:       "grounding-box-breathing",
			Type:     TypeCopingScript,
			Feature:  FeatureGroundingExercises,
			Title:    "Box breathing",
			Content:  "Breathe in for 4 seconds, hold for 4, breathe out for 4, hold for 4. Repeat four times.",
			Language: "en",
			Crisis:   true,
		},
		{
			ID:       "safety-plan-template",
			Type:     TypeSafetyPlan,
			Feature:  FeatureSafetyPlan,
			Title:    "My safety plan",
			Content:  "1. Warning signs. 2. Coping strategies. 3. People and places for distraction. 4. People I can ask for help. 5. Professionals to contact. 6. Making the environment safe.",
			Language: "en",
			Crisis:   true,
		},
		{
			ID:       "self-care-basics",
			Type:     TypeStaticPage,
			Feature:  FeatureSelfCare,
			Title:    "Self-care basics",
			Content:  "Sleep, food, water, movement and connection. Small steps count.",
			Language: "en",
		},
		{
			ID:       "journal-prompts",
			Type:     TypeStaticPage,
			Feature:  FeatureJournal,
			Title:    "Journaling prompts",
			Content:  "What felt heavy today? What helped, even a little? What do I need tomorrow?",
			Language: "en",
		},
		{
			ID:       "mood-tracker-guide",
			Type:     TypeStaticPage,
			Feature:  FeatureMoodTracker,
			Title:    "Tracking your mood",
			Content:  "Check in once a day and note one word for how you feel.",
			Language: "en",
		},
		{
			ID:       "community-guidelines",
			Type:     TypeArticle,
			Feature:  FeatureCommunity,
			Title:    "Community guidelines",
			Content:  "Be kind, respect privacy, and point people to crisis resources when they need them.",
			Language: "en",
		},
	}
}
