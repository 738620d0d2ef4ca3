package crisis

import "sync"

// DefaultHistorySize is the number of analyses kept per session.
const DefaultHistorySize = 50

// History is a fixed-capacity ring buffer of analysis results. When full,
// adding a result evicts the oldest one.
type History struct {
	mu    sync.RWMutex
	buf   []AnalysisResult
	start int
	count int
}

// NewHistory creates a history holding at most capacity results.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{
		buf: make([]AnalysisResult, capacity),
	}
}

// Add appends a result, evicting the oldest when the buffer is full.
func (h *History) Add(r AnalysisResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count < len(h.buf) {
		h.buf[(h.start+h.count)%len(h.buf)] = r
		h.count++
		return
	}

	h.buf[h.start] = r
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of stored results.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Capacity returns the maximum number of stored results.
func (h *History) Capacity() int {
	return len(h.buf)
}

// Snapshot returns stored results from oldest to newest.
func (h *History) Snapshot() []AnalysisResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]AnalysisResult, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Latest returns the newest result, if any.
func (h *History) Latest() (AnalysisResult, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return AnalysisResult{}, false
	}
	return h.buf[(h.start+h.count-1)%len(h.buf)], true
}

// trendWindow is how many recent results are compared against the newest one.
const trendWindow = 5

// Trend compares the newest score with the mean of the preceding window.
func (h *History) Trend() Trend {
	snap := h.Snapshot()
	if len(snap) < 2 {
		return TrendUnknown
	}

	latest := snap[len(snap)-1].Score
	prev := snap[:len(snap)-1]
	if len(prev) > trendWindow {
		prev = prev[len(prev)-trendWindow:]
	}

	var sum float64
	for _, r := range prev {
		sum += r.Score
	}
	mean := sum / float64(len(prev))

	switch {
	case latest > mean+1:
		return TrendWorsening
	case latest < mean-1:
		return TrendImproving
	default:
		return TrendStable
	}
}
