package offline

import (
	"encoding/json"
	"sync"
	"time"
)

// CacheAggressiveness controls how much non-crisis content is pre-cached.
type CacheAggressiveness string

const (
	CacheMinimal    CacheAggressiveness = "minimal"
	CacheBalanced   CacheAggressiveness = "balanced"
	CacheAggressive CacheAggressiveness = "aggressive"
)

// ImageQuality hints how heavy media should be.
type ImageQuality string

const (
	ImageLow    ImageQuality = "low"
	ImageMedium ImageQuality = "medium"
	ImageHigh   ImageQuality = "high"
)

// Analysis debounce windows per device class
const (
	StandardAnalysisDebounce    = 500 * time.Millisecond
	ConstrainedAnalysisDebounce = 1000 * time.Millisecond
)

// Strategy is the operating mode derived from device capabilities.
type Strategy struct {
	ReduceAnimations         bool                `json:"reduceAnimations"`
	CacheAggressiveness      CacheAggressiveness `json:"cacheAggressiveness"`
	ImageQuality             ImageQuality        `json:"imageQuality"`
	ReduceDataUsage          bool                `json:"reduceDataUsage"`
	PrioritizeCrisisFeatures bool                `json:"prioritizeCrisisFeatures"`
	OfflineCrisisSupport     bool                `json:"offlineCrisisSupport"`
	AnalysisDebounce         time.Duration       `json:"-"`
}

// Derive maps thresholds to a strategy. Crisis prioritisation and offline
// crisis support are always on.
func Derive(t Thresholds) Strategy {
	s := Strategy{
		CacheAggressiveness: CacheAggressive,
		ImageQuality:        ImageHigh,
		AnalysisDebounce:    StandardAnalysisDebounce,
	}

	switch {
	case t.LowEndDevice || t.HighMemoryUsage || t.LowBattery:
		s.CacheAggressiveness = CacheMinimal
	case t.SlowConnection:
		s.CacheAggressiveness = CacheBalanced
	}

	switch {
	case t.SlowConnection || t.LowEndDevice:
		s.ImageQuality = ImageLow
	case t.LowBattery || t.HighMemoryUsage:
		s.ImageQuality = ImageMedium
	}

	s.ReduceAnimations = t.LowEndDevice || t.LowBattery
	s.ReduceDataUsage = t.SlowConnection || t.LowBattery
	if t.LowEndDevice || t.HighMemoryUsage {
		s.AnalysisDebounce = ConstrainedAnalysisDebounce
	}

	return s.pinned()
}

func (s Strategy) MarshalJSON() ([]byte, error) {
	type alias Strategy
	return json.Marshal(struct {
		alias
		AnalysisDebounceMs int64 `json:"analysisDebounceMs"`
	}{alias(s), s.AnalysisDebounce.Milliseconds()})
}

func (s Strategy) pinned() Strategy {
	s.PrioritizeCrisisFeatures = true
	s.OfflineCrisisSupport = true
	return s
}

// Selector holds the current strategy and notifies listeners when it changes.
type Selector struct {
	mu        sync.RWMutex
	current   Strategy
	listeners map[int]func(Strategy)
	nextID    int
}

// NewSelector starts from the unconstrained strategy.
func NewSelector() *Selector {
	return &Selector{
		current:   Derive(Thresholds{}),
		listeners: make(map[int]func(Strategy)),
	}
}

// Update recomputes the strategy and broadcasts it if it changed.
func (s *Selector) Update(t Thresholds) (Strategy, bool) {
	next := Derive(t)

	s.mu.Lock()
	if next == s.current {
		s.mu.Unlock()
		return next, false
	}
	s.current = next
	listeners := make([]func(Strategy), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(next)
	}
	return next, true
}

// Current returns the active strategy.
func (s *Selector) Current() Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers fn and returns a function that removes it.
func (s *Selector) Subscribe(fn func(Strategy)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}
