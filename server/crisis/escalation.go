package crisis

import (
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Resource identifiers attached to alerts. They match offline feature names.
const (
	ResourceEmergencyServices = "emergency-services"
	ResourceCrisisHotline     = "crisis-hotline"
	ResourceGrounding         = "grounding-exercises"
	ResourceSafetyPlan        = "safety-plan"
	ResourceSelfCare          = "self-care"
)

// ActionThreshold is the lowest level that generates an escalation action set.
const ActionThreshold = RiskMedium

// EscalationFunc is invoked once per qualifying analysis with the generated actions.
type EscalationFunc func(result AnalysisResult, actions []Action)

// EscalationMachine tracks the escalation state driven by the latest analysis.
// Each analysis independently determines the state; nothing is accumulated.
type EscalationMachine struct {
	mu             sync.Mutex
	clock          clock.Clock
	alertThreshold RiskLevel
	onEscalation   EscalationFunc

	state   RiskLevel
	alert   *Alert
	pending []Action
}

// NewEscalationMachine creates a machine that surfaces alerts at or above alertThreshold.
// Thresholds below RiskLow are raised to RiskLow so neutral input never alerts.
func NewEscalationMachine(alertThreshold RiskLevel, onEscalation EscalationFunc) *EscalationMachine {
	if alertThreshold < RiskLow {
		alertThreshold = RiskLow
	}
	return &EscalationMachine{
		clock:          clock.New(),
		alertThreshold: alertThreshold,
		onEscalation:   onEscalation,
	}
}

// SetClock overrides the time source (useful for testing)
func (m *EscalationMachine) SetClock(c clock.Clock) {
	m.clock = c
}

// Apply transitions the machine to the result's level. When the level reaches
// the alert threshold the current alert is replaced wholesale; when it reaches
// ActionThreshold a fresh action set is generated and the escalation callback
// fires exactly once. The returned alert is nil when no alert was raised.
func (m *EscalationMachine) Apply(result AnalysisResult) *Alert {
	m.mu.Lock()

	m.state = result.Level
	if result.Level < m.alertThreshold {
		m.mu.Unlock()
		return nil
	}

	var actions []Action
	if result.Level >= ActionThreshold {
		actions = m.actionsFor(result)
	}

	m.alert = &Alert{
		AnalysisID:    result.ID,
		Severity:      result.Level,
		Message:       messageFor(result),
		Actions:       actions,
		Resources:     resourcesFor(result.Level),
		Categories:    append([]string(nil), result.Categories...),
		EmergencyMode: result.Level == RiskCritical,
		Timestamp:     m.clock.Now().UTC(),
	}
	m.pending = append([]Action(nil), actions...)
	alert := m.alert.Clone()
	callback := m.onEscalation
	m.mu.Unlock()

	if len(actions) > 0 && callback != nil {
		callback(result, append([]Action(nil), actions...))
	}

	return alert
}

// State returns the level set by the most recent analysis.
func (m *EscalationMachine) State() RiskLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentAlert returns a copy of the shown alert, or nil.
func (m *EscalationMachine) CurrentAlert() *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alert.Clone()
}

// Dismiss hides the current alert. It is idempotent and returns whether an
// alert was visible. State and history are left intact.
func (m *EscalationMachine) Dismiss() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.alert == nil {
		return false
	}
	m.alert = nil
	return true
}

// TakeActions hands the pending actions to the execution layer and removes them.
func (m *EscalationMachine) TakeActions() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	taken := m.pending
	m.pending = nil
	return taken
}

// PendingActions returns a copy of actions not yet taken.
func (m *EscalationMachine) PendingActions() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Action(nil), m.pending...)
}

// ReportAction records the execution status of an action on the current alert.
func (m *EscalationMachine) ReportAction(id string, status ActionStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.alert == nil {
		return false
	}
	for i := range m.alert.Actions {
		if m.alert.Actions[i].ID == id {
			m.alert.Actions[i].Status = status
			return true
		}
	}
	return false
}

func (m *EscalationMachine) actionsFor(result AnalysisResult) []Action {
	newAction := func(kind ActionKind, priority int, description string) Action {
		return Action{
			ID:          uuid.NewString(),
			Kind:        kind,
			Description: description,
			Status:      ActionPending,
			Priority:    priority,
		}
	}

	switch result.Level {
	case RiskCritical:
		// Fixed list regardless of which categories matched.
		return []Action{
			newAction(ActionCallEmergency, 0, "Call emergency services (911) now"),
			newAction(ActionContactCrisisLine, 1, "Call or text the 988 Suicide & Crisis Lifeline"),
		}
	case RiskHigh:
		hotline := "Talk to a trained crisis counselor now"
		if result.HasCategory("overdose") {
			hotline = "Contact Poison Control (1-800-222-1222) or a crisis counselor now"
		}
		return []Action{
			newAction(ActionContactHotline, 0, hotline),
			newAction(ActionNotifyResponder, 1, "Let a support responder know you need help"),
			newAction(ActionShowResources, 2, "Open your safety plan"),
		}
	default:
		return []Action{
			newAction(ActionShowResources, 0, "Review coping resources"),
			newAction(ActionCopingExercise, 1, "Try a grounding exercise"),
			newAction(ActionContactHotline, 2, "Reach out to a support line if things get harder"),
		}
	}
}

func messageFor(result AnalysisResult) string {
	switch result.Level {
	case RiskCritical:
		return "You don't have to go through this alone. Please reach out for immediate help."
	case RiskHigh:
		return "It sounds like you're in a lot of pain right now. Support is available."
	case RiskMedium:
		return fmt.Sprintf("It sounds like things are really hard (%s). Here are some things that may help.",
			strings.Join(result.Categories, ", "))
	default:
		return "We're here if you want to talk or try something calming."
	}
}

func resourcesFor(level RiskLevel) []string {
	switch level {
	case RiskCritical:
		return []string{ResourceEmergencyServices, ResourceCrisisHotline, ResourceSafetyPlan}
	case RiskHigh:
		return []string{ResourceCrisisHotline, ResourceSafetyPlan, ResourceGrounding}
	case RiskMedium:
		return []string{ResourceGrounding, ResourceCrisisHotline, ResourceSelfCare}
	default:
		return []string{ResourceSelfCare}
	}
}
