package crisis

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultDebounceWindow collapses keystroke bursts into one analysis.
const DefaultDebounceWindow = 500 * time.Millisecond

// Debouncer delays a call until no newer call arrives within the window.
// Every scheduled or immediate call takes the next value of a monotonic
// sequence so that late results from superseded calls can be discarded.
type Debouncer struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration
	timer   *clock.Timer
	seq     uint64
	pending bool
}

// NewDebouncer creates a debouncer with the given window.
func NewDebouncer(window time.Duration, c clock.Clock) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if c == nil {
		c = clock.New()
	}
	return &Debouncer{
		clock:  c,
		window: window,
	}
}

// Schedule cancels any pending call and arranges for fn to run once the window
// elapses without another Schedule. It returns the sequence number assigned to
// this call, which is also passed to fn.
func (d *Debouncer) Schedule(fn func(seq uint64)) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
	d.seq++
	seq := d.seq
	d.pending = true
	d.timer = d.clock.AfterFunc(d.window, func() {
		d.mu.Lock()
		if seq != d.seq {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.pending = false
		d.mu.Unlock()

		fn(seq)
	})

	return seq
}

// Next cancels any pending call and returns a fresh sequence number for an
// immediate, non-debounced call.
func (d *Debouncer) Next() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
	d.seq++
	return d.seq
}

// CancelPending stops the pending call, if any, and reports whether one was cancelled.
func (d *Debouncer) CancelPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	wasPending := d.pending
	d.stopLocked()
	if wasPending {
		// Invalidate the cancelled sequence in case its timer already fired.
		d.seq++
	}
	return wasPending
}

// Pending reports whether a scheduled call is waiting for its window to elapse.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// IsCurrent reports whether seq is the most recently issued sequence number.
func (d *Debouncer) IsCurrent(seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return seq == d.seq
}

// Window returns the current debounce window.
func (d *Debouncer) Window() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.window
}

// SetWindow changes the window used by subsequent Schedule calls.
func (d *Debouncer) SetWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = window
}

func (d *Debouncer) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = false
}
