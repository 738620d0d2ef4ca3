package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/mattermost/mattermost-plugin-crisis-support/server/kvstore"
)

// Item is a pending operation awaiting delivery to the remote endpoint.
type Item struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Priority      int               `json:"priority"`
	CreatedAt     time.Time         `json:"createdAt"`
	RetryCount    int               `json:"retryCount"`
	MaxRetries    int               `json:"maxRetries"`
	NextAttemptAt time.Time         `json:"nextAttemptAt,omitempty"`
	LastError     string            `json:"lastError,omitempty"`
	Language      string            `json:"language,omitempty"`
	Context       map[string]string `json:"context,omitempty"`
	Seq           uint64            `json:"seq"`
}

func (i Item) before(other Item) bool {
	if i.Priority != other.Priority {
		return i.Priority < other.Priority
	}
	if !i.CreatedAt.Equal(other.CreatedAt) {
		return i.CreatedAt.Before(other.CreatedAt)
	}
	return i.Seq < other.Seq
}

// Outcome is the result of submitting one item.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomeTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

//go:generate mockgen -destination=mocks/mock_submitter.go -package=mocks github.com/mattermost/mattermost-plugin-crisis-support/server/offline Submitter

// Submitter delivers one queued item to the remote endpoint.
type Submitter interface {
	Submit(ctx context.Context, item Item) (Outcome, error)
}

// TerminalFailure describes an item removed after exhausting its retries or
// being rejected outright.
type TerminalFailure struct {
	Item     Item      `json:"item"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// FlushOptions tune a single flush.
type FlushOptions struct {
	// IgnoreBackoff attempts items still waiting out their retry delay.
	IgnoreBackoff bool
}

// FlushResult summarises a flush.
type FlushResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    []TerminalFailure `json:"failed"`
	Retried   int               `json:"retried"`
	Remaining int               `json:"remaining"`
	Coalesced bool              `json:"coalesced"`
	Aborted   bool              `json:"aborted"`
	// NoEndpoint is set when nothing was attempted because no submitter is
	// configured. Items keep their retry counts.
	NoEndpoint bool `json:"noEndpoint,omitempty"`
}

// QueueConfig configures retry behaviour.
type QueueConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	Clock      clock.Clock
	// IsOnline is checked between items; a false result aborts the flush.
	IsOnline func() bool
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.IsOnline == nil {
		c.IsOnline = func() bool { return true }
	}
	return c
}

// Backoff returns the delay before the next attempt of an item that has
// already failed retryCount times: base * 2^retryCount, capped.
func Backoff(base, maxDelay time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// SyncQueue is a durable priority queue with at-least-once delivery.
// Every mutation is written through to the state store; if that fails the
// queue keeps working in memory and reports itself degraded. While the stored
// queue could not be read, nothing is written over it.
type SyncQueue struct {
	mu          sync.Mutex
	items       []Item
	seq         uint64
	flushing    bool
	closed      bool
	degraded    bool
	degradedErr string
	loadFailed  bool
	// settled holds ids delivered or failed while loadFailed, so a later
	// Load does not bring them back.
	settled map[string]struct{}

	cfg       QueueConfig
	state     *kvstore.StateStore
	submitter Submitter
	logger    Logger

	listenerMu sync.RWMutex
	onTerminal []func(TerminalFailure)
}

// NewSyncQueue creates an empty queue. Call Load to restore persisted items.
func NewSyncQueue(state *kvstore.StateStore, submitter Submitter, cfg QueueConfig, logger Logger) *SyncQueue {
	return &SyncQueue{
		cfg:       cfg.withDefaults(),
		state:     state,
		submitter: submitter,
		logger:    logger,
	}
}

// SetSubmitter swaps the network boundary, e.g. after a configuration change.
func (q *SyncQueue) SetSubmitter(s Submitter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submitter = s
}

// SetRetryPolicy updates the backoff settings for future failures.
func (q *SyncQueue) SetRetryPolicy(base, maxDelay time.Duration, maxRetries int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cfg := q.cfg
	cfg.BaseDelay, cfg.MaxDelay, cfg.MaxRetries = base, maxDelay, maxRetries
	q.cfg = cfg.withDefaults()
}

// OnTerminalFailure registers a listener for items that will not be retried.
func (q *SyncQueue) OnTerminalFailure(fn func(TerminalFailure)) {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()
	q.onTerminal = append(q.onTerminal, fn)
}

// Load restores persisted items. Items from a legacy schema get default
// retry ceilings and are written back in the current layout. If the stored
// queue cannot be read, writes to it stay blocked until a later Load succeeds
// or the queue is cleared. Items queued in memory meanwhile are kept and
// ordered after the stored ones.
func (q *SyncQueue) Load() error {
	var stored []Item
	_, migrated, err := q.state.LoadQueue(&stored)
	if err != nil {
		q.mu.Lock()
		q.loadFailed = true
		q.setDegradedLocked(err)
		q.mu.Unlock()
		return fmt.Errorf("failed to load sync queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	recovered := q.loadFailed
	settled := q.settled
	q.loadFailed = false
	q.settled = nil

	pending := q.items
	q.items = nil
	q.seq = 0

	for _, item := range stored {
		if _, ok := settled[item.ID]; ok && item.ID != "" {
			continue
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if item.MaxRetries <= 0 {
			item.MaxRetries = q.cfg.MaxRetries
		}
		if migrated || item.Seq == 0 {
			q.seq++
			item.Seq = q.seq
		} else if item.Seq > q.seq {
			q.seq = item.Seq
		}
		q.items = append(q.items, item)
	}
	for _, item := range pending {
		if q.indexLocked(item.ID) >= 0 {
			continue
		}
		q.seq++
		item.Seq = q.seq
		q.items = append(q.items, item)
	}
	q.sortLocked()

	switch {
	case migrated:
		q.logger.Info("Migrated persisted sync queue", "items", len(q.items), "version", kvstore.QueueSchemaVersion)
		q.persistLocked()
	case recovered:
		q.logger.Info("Reloaded persisted sync queue", "stored", len(stored), "pending", len(pending))
		q.persistLocked()
	}
	return nil
}

// Enqueue adds an item and persists the queue before returning its id.
func (q *SyncQueue) Enqueue(item Item) (string, error) {
	if item.Type == "" {
		return "", fmt.Errorf("%w: type is required", ErrInvalidItem)
	}
	if item.Priority < 0 {
		return "", fmt.Errorf("%w: priority must not be negative", ErrInvalidItem)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrQueueClosed
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = q.cfg.Clock.Now().UTC()
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = q.cfg.MaxRetries
	}
	item.RetryCount = 0
	item.NextAttemptAt = time.Time{}
	q.seq++
	item.Seq = q.seq

	q.items = append(q.items, item)
	q.sortLocked()
	q.persistLocked()

	q.logger.Debug("Queued offline operation", "itemId", item.ID, "type", item.Type, "priority", item.Priority)
	return item.ID, nil
}

// Flush submits due items in priority order. A flush that starts while
// another is running returns immediately with Coalesced set.
func (q *SyncQueue) Flush(ctx context.Context, opts FlushOptions) FlushResult {
	q.mu.Lock()
	if q.flushing {
		remaining := len(q.items)
		q.mu.Unlock()
		return FlushResult{Coalesced: true, Remaining: remaining}
	}
	if q.submitter == nil {
		remaining := len(q.items)
		q.mu.Unlock()
		return FlushResult{NoEndpoint: true, Remaining: remaining}
	}
	q.flushing = true
	now := q.cfg.Clock.Now()
	batch := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		if opts.IgnoreBackoff || !item.NextAttemptAt.After(now) {
			batch = append(batch, item)
		}
	}
	submitter := q.submitter
	isOnline := q.cfg.IsOnline
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	var result FlushResult
	for _, item := range batch {
		if ctx.Err() != nil || !isOnline() {
			result.Aborted = true
			break
		}
		if !q.contains(item.ID) {
			continue
		}

		outcome, err := q.submit(ctx, submitter, item)
		switch outcome {
		case OutcomeSuccess:
			if q.remove(item.ID) {
				result.Succeeded = append(result.Succeeded, item.ID)
			}
		case OutcomeTerminal:
			if failure, ok := q.fail(item.ID, reason(err, "rejected by remote endpoint")); ok {
				result.Failed = append(result.Failed, failure)
			}
		default:
			failure, terminal, ok := q.retry(item.ID, reason(err, "transient failure"))
			switch {
			case !ok:
			case terminal:
				result.Failed = append(result.Failed, failure)
			default:
				result.Retried++
			}
		}
	}

	result.Remaining = q.Size()

	for _, f := range result.Failed {
		q.notifyTerminal(f)
	}

	if len(batch) > 0 {
		q.logger.Debug("Sync queue flush finished",
			"succeeded", len(result.Succeeded),
			"failed", len(result.Failed),
			"retried", result.Retried,
			"remaining", result.Remaining,
			"aborted", result.Aborted)
	}
	return result
}

func (q *SyncQueue) submit(ctx context.Context, submitter Submitter, item Item) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = OutcomeTransient, fmt.Errorf("submitter panicked: %v", r)
		}
	}()
	return submitter.Submit(ctx, item)
}

func reason(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

// remove deletes a delivered item. It reports false if the item was already
// gone, e.g. cleared while its submission was in flight.
func (q *SyncQueue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return false
	}
	q.dropLocked(idx)
	return true
}

func (q *SyncQueue) fail(id, why string) (TerminalFailure, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return TerminalFailure{}, false
	}
	item := q.items[idx]
	item.LastError = why
	q.dropLocked(idx)

	q.logger.Error("Offline operation failed permanently",
		"itemId", item.ID,
		"type", item.Type,
		"retryCount", item.RetryCount,
		"error", why)

	return TerminalFailure{Item: item, Reason: why, FailedAt: q.cfg.Clock.Now().UTC()}, true
}

func (q *SyncQueue) retry(id, why string) (TerminalFailure, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return TerminalFailure{}, false, false
	}
	item := &q.items[idx]
	delay := Backoff(q.cfg.BaseDelay, q.cfg.MaxDelay, item.RetryCount)
	item.RetryCount++
	item.LastError = why

	if item.RetryCount >= item.MaxRetries {
		failed := *item
		q.dropLocked(idx)

		q.logger.Error("Offline operation exceeded retry limit",
			"itemId", failed.ID,
			"type", failed.Type,
			"retryCount", failed.RetryCount,
			"error", why)

		return TerminalFailure{
			Item:     failed,
			Reason:   fmt.Sprintf("retry limit reached: %s", why),
			FailedAt: q.cfg.Clock.Now().UTC(),
		}, true, true
	}

	item.NextAttemptAt = q.cfg.Clock.Now().Add(delay)
	q.persistLocked()

	q.logger.Warn("Offline operation failed, will retry",
		"itemId", item.ID,
		"type", item.Type,
		"retryCount", item.RetryCount,
		"nextAttemptIn", delay.String(),
		"error", why)

	return TerminalFailure{}, false, true
}

// Size returns the number of queued items.
func (q *SyncQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns the queued items in delivery order.
func (q *SyncQueue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

// Flushing reports whether a flush is in progress.
func (q *SyncQueue) Flushing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.flushing
}

// Degraded reports whether the queue is running memory-only and why.
func (q *SyncQueue) Degraded() (bool, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded, q.degradedErr
}

// LoadFailed reports whether the stored queue could not be read and is
// protected from writes.
func (q *SyncQueue) LoadFailed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadFailed
}

// Clear drops every queued item. It is the only write allowed over a stored
// queue that failed to load.
func (q *SyncQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.loadFailed = false
	q.settled = nil
	if !q.persistLocked() {
		return fmt.Errorf("failed to persist cleared queue: %s", q.degradedErr)
	}
	return nil
}

// Close stops accepting new items.
func (q *SyncQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *SyncQueue) notifyTerminal(f TerminalFailure) {
	q.listenerMu.RLock()
	listeners := append(make([]func(TerminalFailure), 0, len(q.onTerminal)), q.onTerminal...)
	q.listenerMu.RUnlock()

	for _, l := range listeners {
		l(f)
	}
}

func (q *SyncQueue) contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexLocked(id) >= 0
}

func (q *SyncQueue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *SyncQueue) dropLocked(idx int) {
	if q.loadFailed {
		if q.settled == nil {
			q.settled = make(map[string]struct{})
		}
		q.settled[q.items[idx].ID] = struct{}{}
	}
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.persistLocked()
}

func (q *SyncQueue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].before(q.items[j])
	})
}

// persistLocked writes the queue through. On failure the queue switches to
// memory-only mode until a later write succeeds. Nothing is written while the
// stored queue failed to load.
func (q *SyncQueue) persistLocked() bool {
	if q.loadFailed {
		return false
	}
	if err := q.state.SaveQueue(q.items, q.cfg.Clock.Now().UTC()); err != nil {
		q.setDegradedLocked(err)
		return false
	}
	if q.degraded {
		q.logger.Info("Sync queue persistence recovered")
	}
	q.degraded = false
	q.degradedErr = ""
	return true
}

func (q *SyncQueue) setDegradedLocked(err error) {
	if !q.degraded {
		q.logger.Warn("Sync queue persistence failed, continuing in memory only", "error", err.Error())
	}
	q.degraded = true
	q.degradedErr = err.Error()
}
