package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mattermost/mattermost/server/public/pluginapi"
)

const (
	// DeduplicationCacheTTL is how long a user's escalation for a given text is remembered
	DeduplicationCacheTTL = 24 * time.Hour

	// DeduplicationCleanupInterval is how often to clean up expired entries
	DeduplicationCleanupInterval = 10 * time.Minute
)

// Deduplicator tracks escalations already reported to responders. The same
// text can be analysed more than once, from the compose box and again when it
// is posted or edited, and responders should hear about it only once.
type Deduplicator struct {
	api         *pluginapi.Client
	clock       clock.Clock
	seen        map[string]time.Time
	mu          sync.RWMutex
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

// NewDeduplicator creates a new deduplicator and starts the cleanup loop.
// A nil clock uses the system clock.
func NewDeduplicator(api *pluginapi.Client, c clock.Clock) *Deduplicator {
	if c == nil {
		c = clock.New()
	}
	d := &Deduplicator{
		api:         api,
		clock:       c,
		seen:        make(map[string]time.Time),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go d.cleanupLoop()

	return d
}

// RecordEscalation atomically checks if an escalation is new and marks it as seen if so.
// Returns true if this is a new escalation (successfully recorded), false if it's a repeat
// within DeduplicationCacheTTL.
func (d *Deduplicator) RecordEscalation(userID, textHash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := d.escalationKey(userID, textHash)
	now := d.clock.Now()

	if seenAt, exists := d.seen[key]; exists && now.Sub(seenAt) <= DeduplicationCacheTTL {
		return false
	}

	d.seen[key] = now
	return true
}

// escalationKey namespaces the text hash by user so identical text from different users is distinct
func (d *Deduplicator) escalationKey(userID, textHash string) string {
	return fmt.Sprintf("%s:%s", userID, textHash)
}

// cleanupLoop periodically removes expired entries from the cache
func (d *Deduplicator) cleanupLoop() {
	ticker := d.clock.Ticker(DeduplicationCleanupInterval)
	defer ticker.Stop()
	defer close(d.cleanupDone)

	for {
		select {
		case <-ticker.C:
			d.cleanup()
		case <-d.stopCleanup:
			return
		}
	}
}

// cleanup removes entries older than DeduplicationCacheTTL
func (d *Deduplicator) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	expired := 0

	for key, seenAt := range d.seen {
		if now.Sub(seenAt) > DeduplicationCacheTTL {
			delete(d.seen, key)
			expired++
		}
	}

	if expired > 0 {
		d.api.Log.Debug("Cleaned up expired escalation entries",
			"expired", expired,
			"remaining", len(d.seen))
	}
}

// Len returns the number of remembered escalations
func (d *Deduplicator) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.seen)
}

// Stop stops the cleanup goroutine and waits for it to finish
func (d *Deduplicator) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCleanup)
		<-d.cleanupDone
	})
}
