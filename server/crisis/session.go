package crisis

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
)

// Logger is the structured logger used by the crisis package.
// *pluginapi.LogService satisfies it.
type Logger interface {
	Debug(message string, keyValuePairs ...any)
	Info(message string, keyValuePairs ...any)
	Warn(message string, keyValuePairs ...any)
	Error(message string, keyValuePairs ...any)
}

// SessionConfig configures a per-user analysis session.
type SessionConfig struct {
	UserID         string
	DebounceWindow time.Duration
	AlertThreshold RiskLevel
	HistorySize    int
	Clock          clock.Clock
}

// State is the observable view of a session consumed by the UI adapter.
type State struct {
	UserID      string          `json:"userId"`
	Alert       *Alert          `json:"alert"`
	Level       RiskLevel       `json:"level"`
	Analyzing   bool            `json:"analyzing"`
	LastResult  *AnalysisResult `json:"lastResult,omitempty"`
	Trend       Trend           `json:"trend"`
	HistorySize int             `json:"historySize"`
	Error       string          `json:"error,omitempty"`
}

// Listener receives the session state after every change.
type Listener func(State)

// Session is the state container for one user's crisis detection pipeline:
// debounced analysis feeding an escalation machine, with a bounded history.
type Session struct {
	userID    string
	analyzer  *Analyzer
	machine   *EscalationMachine
	history   *History
	debouncer *Debouncer
	clock     clock.Clock
	logger    Logger

	// applyMu serialises result application so the sequence guard and the
	// machine transition happen atomically.
	applyMu    sync.Mutex
	appliedSeq uint64

	mu         sync.RWMutex
	analyzing  bool
	lastErr    string
	lastResult *AnalysisResult
	lastActive time.Time
	listeners  map[int]Listener
	nextID     int
}

// NewSession creates a session. onEscalation fires once per analysis at or above ActionThreshold.
func NewSession(cfg SessionConfig, analyzer *Analyzer, onEscalation EscalationFunc, logger Logger) *Session {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}

	s := &Session{
		userID:     cfg.UserID,
		analyzer:   analyzer,
		history:    NewHistory(cfg.HistorySize),
		debouncer:  NewDebouncer(cfg.DebounceWindow, c),
		clock:      c,
		logger:     logger,
		lastActive: c.Now(),
		listeners:  make(map[int]Listener),
	}

	s.machine = NewEscalationMachine(cfg.AlertThreshold, s.guardEscalation(onEscalation))
	s.machine.SetClock(c)

	return s
}

// UserID returns the owner of the session.
func (s *Session) UserID() string {
	return s.userID
}

// guardEscalation keeps a failing collaborator callback from escaping the session.
func (s *Session) guardEscalation(fn EscalationFunc) EscalationFunc {
	if fn == nil {
		return nil
	}
	return func(result AnalysisResult, actions []Action) {
		defer func() {
			if r := recover(); r != nil {
				msg := fmt.Sprintf("escalation handler failed: %v", r)
				s.logger.Error("Escalation callback panicked", "userId", s.userID, "analysisId", result.ID, "error", msg)
				s.setError(msg)
			}
		}()
		fn(result, actions)
	}
}

// AnalyzeDebounced schedules an analysis of text once input settles. Bursts
// within the debounce window collapse to the last call. It returns the
// sequence number assigned to the call.
func (s *Session) AnalyzeDebounced(text string, actx AnalysisContext) uint64 {
	s.touch()

	s.mu.Lock()
	s.analyzing = true
	s.mu.Unlock()

	seq := s.debouncer.Schedule(func(seq uint64) {
		s.run(seq, text, actx)
	})

	s.notify()
	return seq
}

// AnalyzeNow analyzes text immediately, superseding any pending debounced call.
func (s *Session) AnalyzeNow(text string, actx AnalysisContext) AnalysisResult {
	s.touch()
	seq := s.debouncer.Next()
	return s.run(seq, text, actx)
}

func (s *Session) run(seq uint64, text string, actx AnalysisContext) AnalysisResult {
	if actx.UserID == "" {
		actx.UserID = s.userID
	}

	analyzer := s.currentAnalyzer()
	result := analyzer.Analyze(text, actx)

	// Short input is rejected locally and never touches alert state.
	if utf8.RuneCountInString(strings.TrimSpace(text)) < analyzer.MinTextLength() {
		s.finish(seq, nil)
		return result
	}

	s.finish(seq, &result)
	return result
}

// finish applies a result unless a newer call has already been applied.
func (s *Session) finish(seq uint64, result *AnalysisResult) {
	s.applyMu.Lock()
	if seq <= s.appliedSeq {
		applied := s.appliedSeq
		s.applyMu.Unlock()
		s.logger.Debug("Discarding stale analysis result", "userId", s.userID, "seq", seq, "appliedSeq", applied)
		return
	}
	s.appliedSeq = seq

	if result != nil {
		s.history.Add(*result)

		r := *result
		s.mu.Lock()
		s.lastResult = &r
		s.lastErr = result.Error
		s.mu.Unlock()

		s.machine.Apply(*result)
	}
	s.applyMu.Unlock()

	s.mu.Lock()
	s.analyzing = s.debouncer.Pending()
	s.mu.Unlock()

	if result != nil && result.Level >= RiskMedium {
		s.logger.Info("Crisis risk detected",
			"userId", s.userID,
			"analysisId", result.ID,
			"level", result.Level.String(),
			"score", result.Score,
			"categories", strings.Join(result.Categories, ","))
	}

	s.notify()
}

// Dismiss hides the current alert. Calling it repeatedly is safe.
func (s *Session) Dismiss() bool {
	s.touch()
	dismissed := s.machine.Dismiss()
	if dismissed {
		s.notify()
	}
	return dismissed
}

// TakeActions returns pending escalation actions and removes them from the session.
func (s *Session) TakeActions() []Action {
	s.touch()
	return s.machine.TakeActions()
}

// ReportAction records the execution status of an action on the current alert.
func (s *Session) ReportAction(id string, status ActionStatus) bool {
	s.touch()
	ok := s.machine.ReportAction(id, status)
	if ok {
		s.notify()
	}
	return ok
}

// SetDebounceWindow adjusts how long input must settle before analysis.
func (s *Session) SetDebounceWindow(d time.Duration) {
	s.debouncer.SetWindow(d)
}

// SetAnalyzer swaps the analyzer used by subsequent analyses, e.g. after the
// ruleset is reconfigured. History and alert state are kept.
func (s *Session) SetAnalyzer(a *Analyzer) {
	if a == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyzer = a
}

func (s *Session) currentAnalyzer() *Analyzer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.analyzer
}

// History returns the analysis history, oldest first.
func (s *Session) History() []AnalysisResult {
	return s.history.Snapshot()
}

// State returns the current observable state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		UserID:      s.userID,
		Alert:       s.machine.CurrentAlert(),
		Level:       s.machine.State(),
		Analyzing:   s.analyzing,
		Trend:       s.history.Trend(),
		HistorySize: s.history.Len(),
		Error:       s.lastErr,
	}
	if s.lastResult != nil {
		r := *s.lastResult
		st.LastResult = &r
	}
	return st
}

// Subscribe registers a listener and returns a function that removes it.
func (s *Session) Subscribe(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = l

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// LastActive returns when the session was last used.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// Close cancels any pending analysis.
func (s *Session) Close() {
	s.debouncer.CancelPending()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = s.clock.Now()
	s.mu.Unlock()
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

func (s *Session) notify() {
	s.mu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	state := s.State()
	for _, l := range listeners {
		l(state)
	}
}
